// Package link implements the PULSE v2 link layer: datagram encapsulation
// over the frame codec, the generic RFC 1661-style control-protocol
// automaton, the Link-Control Protocol specialization, and the Interface that
// owns the serial byte stream and multiplexes datagrams by protocol number.
//
// An Interface drives LCP negotiation over its byte stream and produces a
// Link once the link is opened and a liveness ping succeeds. The Link hosts
// named transports (see the transport package), created from the factory map
// supplied in the Config.
package link
