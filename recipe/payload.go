package recipe

import "math"

// Wire payload layout (commands 8001/8004, reverse-engineered from BLE
// traffic and the NFC card format):
//
//	length byte          size of the pour body only
//	pour body            per pour: n volume sub-records + 1 metadata record
//	footer (2 bytes)     [grind size, total water * 10]
//
// Each sub-record is [volume chunk, temperature, pattern, vibration];
// volumes above 127 ml are split into 127 ml chunks, a hard protocol
// ceiling. The metadata record is [-pause (two's complement), 0, rpm,
// flow*10] where rpm is emitted on the first pour only.
//
// Bean dose and cup type are deliberately absent: they travel via the
// separate bypass (8102) and set-cup (8104) commands.

const maxVolumeChunk = 127

// EncodePayload serializes a validated recipe into the binary payload
// carried by the recipe-send commands. Encoding is deterministic: the
// same recipe always yields byte-identical output.
func EncodePayload(r *Recipe) []byte {
	var body []byte

	for i, pour := range r.Pours {
		subStep := func(volume int) []byte {
			return []byte{
				byte(volume),
				byte(pour.Temperature),
				byte(pour.Pattern),
				byte(pour.Vibration),
			}
		}

		remaining := pour.Volume
		for remaining > maxVolumeChunk {
			body = append(body, subStep(maxVolumeChunk)...)
			remaining -= maxVolumeChunk
		}
		if remaining > 0 || pour.Volume == 0 {
			body = append(body, subStep(remaining)...)
		}

		rpmByte := byte(0)
		if i == 0 {
			rpmByte = byte(r.RPM)
		}
		body = append(body,
			byte(-pour.Pausing),
			0,
			rpmByte,
			byte(math.Round(pour.FlowRate*10)),
		)
	}

	payload := make([]byte, 0, len(body)+3)
	payload = append(payload, byte(len(body)))
	payload = append(payload, body...)
	payload = append(payload, byte(r.GrindSize), byte(r.TotalWater*10))

	return payload
}
