package link

import "errors"

var (
	// ErrSocketClosed indicates the socket was closed by its owner or peer.
	ErrSocketClosed = errors.New("link: socket closed")

	// ErrReceiveTimeout indicates a blocking receive timed out with the
	// receive queue still empty.
	ErrReceiveTimeout = errors.New("link: receive queue empty")

	// ErrSendNotSupported indicates the socket belongs to a receive-only
	// channel.
	ErrSendNotSupported = errors.New("link: send not supported on this socket")

	// ErrPingInProgress indicates a ping was started while one is already
	// outstanding. At most one ping may be in flight per protocol instance.
	ErrPingInProgress = errors.New("link: ping already in progress")

	// ErrPingTimeout indicates all ping attempts elapsed without a reply.
	ErrPingTimeout = errors.New("link: ping timed out")

	// ErrLinkState indicates an operation that requires an opened link was
	// attempted while the control protocol is not in the Opened state.
	ErrLinkState = errors.New("link: control protocol is not opened")

	// ErrMalformedPacket indicates a control packet that could not be parsed.
	ErrMalformedPacket = errors.New("link: malformed control packet")

	// ErrProtocolInUse indicates the protocol number already has a handler.
	ErrProtocolInUse = errors.New("link: protocol number already registered")

	// ErrInterfaceClosed indicates the interface has been shut down.
	ErrInterfaceClosed = errors.New("link: interface closed")

	// ErrLinkUnavailable indicates the link did not become available before
	// the caller's deadline.
	ErrLinkUnavailable = errors.New("link: link did not become available")

	// ErrUnknownTransport indicates a transport name with no registered
	// factory.
	ErrUnknownTransport = errors.New("link: unknown transport name")
)
