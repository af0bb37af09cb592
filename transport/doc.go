// Package transport implements the PULSE v2 transports multiplexed over an
// opened link: an unreliable best-effort transport (with a receive-only
// simplex variant) and a reliable stop-and-wait ARQ transport ("TRAIN",
// LAPB-derived). Both demultiplex application traffic by 16-bit port and
// negotiate their own availability through a transport control protocol, a
// control-protocol automaton instance riding on a dedicated protocol number.
//
// PCMP, a small ping/diagnostic sub-protocol, rides as ordinary payload on a
// reserved port of every duplex transport.
package transport
