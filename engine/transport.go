package engine

import (
	"fmt"

	"github.com/XC-/proximity"
)

// Transport is the connection variant the platform supports.
type Transport int

const (
	// LegacyTransport connects without requesting a transport.
	LegacyTransport Transport = iota
	// ModernTransport requests the LE transport explicitly.
	ModernTransport
)

func (t Transport) String() string {
	switch t {
	case LegacyTransport:
		return "legacy"
	case ModernTransport:
		return "modern"
	}
	return fmt.Sprintf("Transport(%d)", int(t))
}

func (t Transport) connectOptions() proximity.ConnectOptions {
	return proximity.ConnectOptions{LETransport: t == ModernTransport}
}

// negotiate asks d for its capabilities once. A failed query means the
// legacy transport; advertising is still attempted.
func negotiate(d proximity.Driver) (Transport, proximity.Capabilities) {
	caps, err := d.Capabilities()
	if err != nil {
		log.WithError(err).Warn("capability query failed, using legacy transport")
		return LegacyTransport, proximity.Capabilities{Advertise: true}
	}
	if caps.LETransport {
		return ModernTransport, caps
	}
	return LegacyTransport, caps
}
