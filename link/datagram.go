package link

import (
	"encoding/binary"
	"fmt"
)

// Assigned protocol numbers for the datagrams multiplexed over one link.
const (
	// ProtocolLCP carries Link-Control Protocol packets.
	ProtocolLCP uint16 = 0xC021

	// ProtocolBestEffortControl carries the best-effort transport's NCP.
	ProtocolBestEffortControl uint16 = 0xBA29
	// ProtocolBestEffortData carries best-effort transport data packets.
	ProtocolBestEffortData uint16 = 0x3A29

	// ProtocolReliableControl carries the reliable transport's NCP.
	ProtocolReliableControl uint16 = 0xBA33
	// ProtocolReliableCommand carries reliable transport packets in the
	// host-to-device data direction.
	ProtocolReliableCommand uint16 = 0x3A33
	// ProtocolReliableResponse carries reliable transport packets in the
	// device-to-host data direction.
	ProtocolReliableResponse uint16 = 0x3A35
)

// datagramHeaderSize is the size of the protocol-number header.
const datagramHeaderSize = 2

// Encapsulate prepends the big-endian protocol number to a payload, forming
// a datagram ready for frame encoding.
func Encapsulate(protocol uint16, payload []byte) []byte {
	datagram := make([]byte, datagramHeaderSize+len(payload))
	binary.BigEndian.PutUint16(datagram, protocol)
	copy(datagram[datagramHeaderSize:], payload)

	return datagram
}

// Unencapsulate splits a decoded datagram into its protocol number and
// payload. The returned payload aliases the input.
func Unencapsulate(datagram []byte) (uint16, []byte, error) {
	if len(datagram) < datagramHeaderSize {
		return 0, nil, fmt.Errorf("%w: datagram shorter than protocol header", ErrMalformedPacket)
	}

	return binary.BigEndian.Uint16(datagram), datagram[datagramHeaderSize:], nil
}
