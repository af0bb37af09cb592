package transport

import "github.com/pulsekit/pulse2/link"

// Names of the standard transports as registered by Default.
const (
	NameBestEffort = "best-effort"
	NameReliable   = "reliable"
)

// Default returns factories for the standard transports, keyed by name.
// Callers pass the map (or a subset) to link.WithTransports.
func Default() map[string]link.TransportFactory {
	return map[string]link.TransportFactory{
		NameBestEffort: NewBestEffort,
		NameReliable:   NewReliable,
	}
}
