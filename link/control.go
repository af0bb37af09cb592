package link

import (
	"encoding/binary"
	"fmt"
)

// Control packet codes shared by LCP and the transport control protocols
// (RFC 1661 §5), plus the LCP-only codes 8 through 11.
const (
	CodeConfigureRequest byte = 1
	CodeConfigureAck     byte = 2
	CodeConfigureNak     byte = 3
	CodeConfigureReject  byte = 4
	CodeTerminateRequest byte = 5
	CodeTerminateAck     byte = 6
	CodeCodeReject       byte = 7

	// LCP-only codes.
	CodeProtocolReject byte = 8
	CodeEchoRequest    byte = 9
	CodeEchoReply      byte = 10
	CodeDiscardRequest byte = 11
)

// controlHeaderSize is the size of the code/identifier/length header.
const controlHeaderSize = 4

// ControlPacket is a negotiation packet: code, identifier and payload.
// The identifier wraps mod 256 and matches a response to the most recently
// sent request.
type ControlPacket struct {
	Code       byte
	Identifier byte
	Data       []byte
}

// Marshal serializes the packet to its wire format:
// code, identifier, header-inclusive big-endian length, data.
func (p *ControlPacket) Marshal() []byte {
	wire := make([]byte, controlHeaderSize+len(p.Data))
	wire[0] = p.Code
	wire[1] = p.Identifier
	binary.BigEndian.PutUint16(wire[2:4], uint16(controlHeaderSize+len(p.Data)))
	copy(wire[controlHeaderSize:], p.Data)

	return wire
}

// ParseControlPacket deserializes a control packet. Bytes beyond the length
// field are padding and are ignored.
func ParseControlPacket(wire []byte) (*ControlPacket, error) {
	if len(wire) < controlHeaderSize {
		return nil, fmt.Errorf("%w: control packet shorter than header", ErrMalformedPacket)
	}

	length := int(binary.BigEndian.Uint16(wire[2:4]))
	if length < controlHeaderSize {
		return nil, fmt.Errorf("%w: control packet length %d below header size", ErrMalformedPacket, length)
	}
	if length > len(wire) {
		return nil, fmt.Errorf("%w: control packet length %d exceeds %d received bytes",
			ErrMalformedPacket, length, len(wire))
	}

	data := make([]byte, length-controlHeaderSize)
	copy(data, wire[controlHeaderSize:length])

	return &ControlPacket{
		Code:       wire[0],
		Identifier: wire[1],
		Data:       data,
	}, nil
}

// Option is a single negotiation option carried by Configure packets.
type Option struct {
	Type byte
	Data []byte
}

// OptionList is an ordered option sequence. Order and duplicates are
// preserved verbatim: a Configure-Ack is matched byte-for-byte against the
// options that were sent.
type OptionList []Option

// Marshal serializes the option list: each option is type, self-inclusive
// length (minimum 2), data.
func (ol OptionList) Marshal() []byte {
	size := 0
	for _, opt := range ol {
		size += 2 + len(opt.Data)
	}

	wire := make([]byte, 0, size)
	for _, opt := range ol {
		wire = append(wire, opt.Type, byte(2+len(opt.Data)))
		wire = append(wire, opt.Data...)
	}

	return wire
}

// ParseOptions deserializes a Configure packet's option bytes.
func ParseOptions(wire []byte) (OptionList, error) {
	var opts OptionList

	for len(wire) > 0 {
		if len(wire) < 2 {
			return nil, fmt.Errorf("%w: truncated option header", ErrMalformedPacket)
		}

		length := int(wire[1])
		if length < 2 {
			return nil, fmt.Errorf("%w: option length %d below minimum", ErrMalformedPacket, length)
		}
		if length > len(wire) {
			return nil, fmt.Errorf("%w: option length %d exceeds %d remaining bytes",
				ErrMalformedPacket, length, len(wire))
		}

		data := make([]byte, length-2)
		copy(data, wire[2:length])
		opts = append(opts, Option{Type: wire[0], Data: data})
		wire = wire[length:]
	}

	return opts, nil
}
