package transport

import (
	"encoding/binary"
	"fmt"
)

// Reliable transport wire format, LAPB-derived. Two packet shapes share the
// first byte's low bits as a discriminator:
//
//	info:        byte0 = N(S)<<1 | 0
//	supervisory: byte0 = reserved(0)<<4 | kind<<2 | 0b01
//
// byte1 in both shapes is N(R)<<1 | poll. Info packets continue with
// port:u16 and a header-inclusive length:u16, both big-endian, then the
// payload; bytes past the length field are padding.
const (
	infoHeaderSize = 6

	// seqModulus bounds the 7-bit sequence variables.
	seqModulus = 128
)

// Supervisory kinds.
const (
	supervisoryRR  byte = 0 // Receive-Ready
	supervisoryRNR byte = 1 // Receive-Not-Ready
	supervisoryREJ byte = 2 // Reject
)

// trainPacket is one parsed reliable-transport packet.
type trainPacket struct {
	info bool

	ns   byte // info only
	nr   byte
	poll bool

	kind byte // supervisory only

	port    uint16 // info only
	payload []byte // info only
}

func marshalInfo(ns, nr byte, poll bool, port uint16, payload []byte) []byte {
	pkt := make([]byte, infoHeaderSize+len(payload))
	pkt[0] = ns << 1
	pkt[1] = nr << 1
	if poll {
		pkt[1] |= 1
	}
	binary.BigEndian.PutUint16(pkt[2:], port)
	binary.BigEndian.PutUint16(pkt[4:], uint16(infoHeaderSize+len(payload)))
	copy(pkt[infoHeaderSize:], payload)

	return pkt
}

func marshalSupervisory(kind, nr byte, poll bool) []byte {
	pkt := make([]byte, 2)
	pkt[0] = 0b01 | kind<<2
	pkt[1] = nr << 1
	if poll {
		pkt[1] |= 1
	}

	return pkt
}

func parseTrainPacket(data []byte) (*trainPacket, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}

	pkt := &trainPacket{
		nr:   data[1] >> 1,
		poll: data[1]&1 == 1,
	}

	if data[0]&1 == 0 {
		pkt.info = true
		pkt.ns = data[0] >> 1

		if len(data) < infoHeaderSize {
			return nil, fmt.Errorf("%w: info packet of %d bytes", ErrMalformedPacket, len(data))
		}
		pkt.port = binary.BigEndian.Uint16(data[2:])
		length := int(binary.BigEndian.Uint16(data[4:]))
		if length < infoHeaderSize || length > len(data) {
			return nil, fmt.Errorf("%w: length field %d outside [%d, %d]",
				ErrMalformedPacket, length, infoHeaderSize, len(data))
		}
		pkt.payload = data[infoHeaderSize:length]

		return pkt, nil
	}

	if data[0]&0b11 != 0b01 || data[0]>>4 != 0 {
		return nil, fmt.Errorf("%w: bad supervisory octet 0x%02X", ErrMalformedPacket, data[0])
	}

	pkt.kind = data[0] >> 2 & 0b11
	if pkt.kind > supervisoryREJ {
		return nil, fmt.Errorf("%w: unknown supervisory kind %d", ErrMalformedPacket, pkt.kind)
	}

	return pkt, nil
}
