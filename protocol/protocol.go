// Package protocol implements the xBloom binary wire protocol: packet
// framing, CRC validation and defragmentation of notification buffers.
//
// The protocol was reverse-engineered from BLE traffic captures. A packet
// consists of a 10-byte header, an arbitrary payload and a 2-byte CRC:
//
//	[0]    header tag (0x58 outbound, 0x02 device-originated on Studio)
//	[1]    device id
//	[2]    type code
//	[3:5]  command id (uint16 LE)
//	[5:9]  total packet length (uint32 LE, = 12 + payload length)
//	[9]    reserved (0x01, meaning unknown)
//	[10:n-2] payload
//	[n-2:n]  CRC16 (LE) over all preceding bytes
package protocol

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

const (
	// HeaderTag is the header byte of outbound / standard packets
	HeaderTag = 0x58

	// NotifyTag is the header byte of device-originated Studio packets
	NotifyTag = 0x02

	// DefaultDeviceID is the device id used unless overridden by the caller
	DefaultDeviceID = 0x01

	// DefaultTypeCode is the type code used unless overridden by the caller
	DefaultTypeCode = 0x01

	reservedByte = 0x01

	headerLen  = 10
	minPktLen  = 12
	lenOffset  = 5
	cmdOffset  = 3
	crcLen     = 2
	wordLen    = 4
	crc16Poly  = 0x8408
)

// Frame denotes a decoded protocol packet
type Frame struct {
	Tag      byte
	DeviceID byte
	TypeCode byte
	Command  uint16
	Length   uint32
	Payload  []byte
	ValidCRC bool
}

// CRC16 computes the checksum used by the xBloom firmware (polynomial
// 0x8408, zero initial value, reflected). The exact variant must be
// reproduced bit-for-bit to interoperate with the physical device.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crc16Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Build assembles a command packet carrying a list of 32-bit words as
// payload (the format used by virtually all control commands)
func Build(command uint16, words []uint32, deviceID, typeCode byte) []byte {
	payload := make([]byte, 0, len(words)*wordLen)
	for _, w := range words {
		payload = binary.LittleEndian.AppendUint32(payload, w)
	}
	return BuildRaw(command, payload, deviceID, typeCode)
}

// BuildRaw assembles a command packet carrying raw payload bytes
// (used for recipe payloads, which are not word-aligned)
func BuildRaw(command uint16, payload []byte, deviceID, typeCode byte) []byte {
	total := minPktLen + len(payload)

	pkt := make([]byte, 0, total)
	pkt = append(pkt, HeaderTag, deviceID, typeCode)
	pkt = binary.LittleEndian.AppendUint16(pkt, command)
	pkt = binary.LittleEndian.AppendUint32(pkt, uint32(total))
	pkt = append(pkt, reservedByte)
	pkt = append(pkt, payload...)

	return binary.LittleEndian.AppendUint16(pkt, CRC16(pkt))
}

// Parse decodes a single packet. It never fails hard: malformed or
// truncated input yields nil, a CRC mismatch yields a frame with
// ValidCRC unset. The notification stream is inherently noisy, so the
// caller decides whether to drop invalid frames.
func Parse(data []byte) *Frame {
	if len(data) < minPktLen {
		return nil
	}

	frame := &Frame{
		Tag:      data[0],
		DeviceID: data[1],
		TypeCode: data[2],
		Command:  binary.LittleEndian.Uint16(data[cmdOffset:]),
		Length:   binary.LittleEndian.Uint32(data[lenOffset:]),
	}

	frame.Payload = data[headerLen : len(data)-crcLen]

	pktCRC := binary.LittleEndian.Uint16(data[len(data)-crcLen:])
	frame.ValidCRC = pktCRC == CRC16(data[:len(data)-crcLen]) &&
		frame.Length == uint32(len(data))

	return frame
}

// Defragment splits a notification buffer into discrete frames. A single
// delivery may contain multiple concatenated packets; a trailing partial
// packet is dropped rather than buffered, since each notification is
// self-contained in practice. Unrecognized bytes are skipped one at a
// time to resynchronize on the next header tag.
func Defragment(buf []byte) []*Frame {
	var frames []*Frame

	offset := 0
	for offset < len(buf) {
		if b := buf[offset]; b != HeaderTag && b != NotifyTag {
			offset++
			continue
		}

		if len(buf)-offset < headerLen {
			break
		}

		total := int(binary.LittleEndian.Uint32(buf[offset+lenOffset:]))
		if total < minPktLen {
			offset++
			continue
		}
		if offset+total > len(buf) {
			logrus.StandardLogger().Debugf("Dropping partial trailing frame: %d/%d bytes", len(buf)-offset, total)
			break
		}

		if frame := Parse(buf[offset : offset+total]); frame != nil {
			frames = append(frames, frame)
		}
		offset += total
	}

	return frames
}
