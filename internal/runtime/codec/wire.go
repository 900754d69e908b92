package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	magicByte   = 0x00
	frameHeader = 5
)

// frame prefixes body with the magic byte and the big-endian schema id, the
// layout Confluent-compatible consumers expect.
func frame(id int, body []byte) []byte {
	out := make([]byte, frameHeader+len(body))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:frameHeader], uint32(id))
	copy(out[frameHeader:], body)
	return out
}

func unframe(data []byte) (int, []byte, error) {
	if len(data) < frameHeader {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if data[0] != magicByte {
		return 0, nil, fmt.Errorf("unexpected magic byte 0x%02x", data[0])
	}
	return int(binary.BigEndian.Uint32(data[1:frameHeader])), data[frameHeader:], nil
}
