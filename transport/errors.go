package transport

import "errors"

var (
	// ErrNotReady indicates the transport's control protocol did not reach
	// the ready state within the caller's timeout.
	ErrNotReady = errors.New("transport: not ready")
	// ErrTransportClosed indicates an operation on a closed transport.
	ErrTransportClosed = errors.New("transport: closed")
	// ErrPortInUse indicates the port already has a bound socket.
	ErrPortInUse = errors.New("transport: port in use")
	// ErrPayloadTooLarge indicates a send exceeding the transport MTU.
	ErrPayloadTooLarge = errors.New("transport: payload exceeds mtu")
	// ErrMalformedPacket indicates an inbound packet that failed to parse.
	ErrMalformedPacket = errors.New("transport: malformed packet")
)
