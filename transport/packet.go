package transport

import (
	"encoding/binary"
	"fmt"
)

// packetHeaderSize is the best-effort packet header: destination port and a
// header-inclusive length, both big-endian 16-bit.
const packetHeaderSize = 4

func marshalPacket(port uint16, payload []byte) []byte {
	pkt := make([]byte, packetHeaderSize+len(payload))
	binary.BigEndian.PutUint16(pkt, port)
	binary.BigEndian.PutUint16(pkt[2:], uint16(packetHeaderSize+len(payload)))
	copy(pkt[packetHeaderSize:], payload)

	return pkt
}

// parsePacket validates the header and strips any trailing padding the
// length field excludes.
func parsePacket(data []byte) (port uint16, payload []byte, err error) {
	if len(data) < packetHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes, want at least %d",
			ErrMalformedPacket, len(data), packetHeaderSize)
	}

	port = binary.BigEndian.Uint16(data)
	length := int(binary.BigEndian.Uint16(data[2:]))
	if length < packetHeaderSize || length > len(data) {
		return 0, nil, fmt.Errorf("%w: length field %d outside [%d, %d]",
			ErrMalformedPacket, length, packetHeaderSize, len(data))
	}

	return port, data[packetHeaderSize:length], nil
}
