package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"testing"
)

func TestCRC16KnownVectors(t *testing.T) {
	if crc := CRC16(nil); crc != 0x0000 {
		t.Fatalf("Unexpected CRC for empty input: 0x%04x", crc)
	}
	if crc := CRC16([]byte("123456789")); crc != 0x2189 {
		t.Fatalf("Unexpected CRC for check string: 0x%04x", crc)
	}
}

func TestBuildGoldenFrame(t *testing.T) {
	pkt := Build(CmdBrewerStop, nil, DefaultDeviceID, DefaultTypeCode)

	want, err := hex.DecodeString("5801019b110c000000013643")
	if err != nil {
		t.Fatalf("Failed to decode reference frame: %s", err)
	}
	if !bytes.Equal(pkt, want) {
		t.Fatalf("Unexpected frame bytes: got %x, want %x", pkt, want)
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x42}
	pkt := BuildRaw(CmdTeaRecipeCode, payload, 0x07, 0x02)

	frame := Parse(pkt)
	if frame == nil {
		t.Fatalf("Failed to parse packet")
	}
	if !frame.ValidCRC {
		t.Fatalf("Unexpected CRC mismatch on round trip")
	}
	if frame.Command != CmdTeaRecipeCode {
		t.Fatalf("Unexpected command: %d", frame.Command)
	}
	if frame.DeviceID != 0x07 || frame.TypeCode != 0x02 {
		t.Fatalf("Unexpected device id / type code: %#02x / %#02x", frame.DeviceID, frame.TypeCode)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("Unexpected payload: %x", frame.Payload)
	}
	if frame.Length != uint32(len(pkt)) {
		t.Fatalf("Unexpected length field: %d", frame.Length)
	}
}

func TestBuildWordPayload(t *testing.T) {
	pkt := Build(CmdSetBypass, []uint32{math.Float32bits(90.0), math.Float32bits(930.0), 15}, DefaultDeviceID, DefaultTypeCode)

	frame := Parse(pkt)
	if frame == nil || !frame.ValidCRC {
		t.Fatalf("Failed to parse word payload packet")
	}
	if len(frame.Payload) != 12 {
		t.Fatalf("Unexpected payload length: %d", len(frame.Payload))
	}
	if dose := binary.LittleEndian.Uint32(frame.Payload[8:]); dose != 15 {
		t.Fatalf("Unexpected dose word: %d", dose)
	}
}

func TestParseInvalidInput(t *testing.T) {
	if frame := Parse(nil); frame != nil {
		t.Fatalf("Unexpected frame from nil input")
	}
	if frame := Parse([]byte{0x58, 0x01, 0x01}); frame != nil {
		t.Fatalf("Unexpected frame from truncated input")
	}

	pkt := Build(CmdBrewerStart, nil, DefaultDeviceID, DefaultTypeCode)
	pkt[len(pkt)-1] ^= 0xff
	frame := Parse(pkt)
	if frame == nil {
		t.Fatalf("Corrupted packet should still parse")
	}
	if frame.ValidCRC {
		t.Fatalf("Corrupted packet reported valid CRC")
	}
}

func TestParseLengthMismatch(t *testing.T) {
	pkt := Build(CmdBrewerStart, nil, DefaultDeviceID, DefaultTypeCode)
	binary.LittleEndian.PutUint32(pkt[5:], 99)
	if frame := Parse(pkt); frame == nil || frame.ValidCRC {
		t.Fatalf("Length mismatch should invalidate the frame")
	}
}

func TestDefragmentBackToBack(t *testing.T) {
	a := Build(RespGrinderBegin, nil, DefaultDeviceID, DefaultTypeCode)
	b := Build(RespGrinderStop, nil, DefaultDeviceID, DefaultTypeCode)

	frames := Defragment(append(append([]byte{}, a...), b...))
	if len(frames) != 2 {
		t.Fatalf("Unexpected frame count: %d", len(frames))
	}
	if frames[0].Command != RespGrinderBegin || frames[1].Command != RespGrinderStop {
		t.Fatalf("Unexpected commands: %d / %d", frames[0].Command, frames[1].Command)
	}
}

func TestDefragmentResync(t *testing.T) {
	pkt := Build(RespBrewerBegin, nil, DefaultDeviceID, DefaultTypeCode)
	buf := append([]byte{0xaa, 0xbb, 0xcc}, pkt...)

	frames := Defragment(buf)
	if len(frames) != 1 || frames[0].Command != RespBrewerBegin {
		t.Fatalf("Failed to resynchronize on garbage prefix: %v", frames)
	}
}

func TestDefragmentDropsTrailingPartial(t *testing.T) {
	a := Build(RespBrewerBegin, nil, DefaultDeviceID, DefaultTypeCode)
	b := Build(RespBrewerStop, nil, DefaultDeviceID, DefaultTypeCode)

	buf := append(append([]byte{}, a...), b[:len(b)-4]...)
	frames := Defragment(buf)
	if len(frames) != 1 || frames[0].Command != RespBrewerBegin {
		t.Fatalf("Trailing partial frame must be dropped, got %d frames", len(frames))
	}
}

func TestDefragmentNotifyTag(t *testing.T) {
	pkt := Build(RespCurrentWeight2, []uint32{math.Float32bits(42.5)}, DefaultDeviceID, DefaultTypeCode)
	pkt[0] = NotifyTag
	// CRC covers the tag byte, recompute after swapping
	crc := CRC16(pkt[:len(pkt)-2])
	binary.LittleEndian.PutUint16(pkt[len(pkt)-2:], crc)

	frames := Defragment(pkt)
	if len(frames) != 1 || !frames[0].ValidCRC {
		t.Fatalf("Failed to parse device-originated frame")
	}
	if frames[0].Tag != NotifyTag {
		t.Fatalf("Unexpected tag: %#02x", frames[0].Tag)
	}
}
