package proximity

import "errors"

// ErrNotSupported is returned by drivers for operations the platform radio
// cannot perform.
var ErrNotSupported = errors.New("not supported")

// State is the power state of the local radio.
type State int

const (
	StateUnknown      State = 0
	StateResetting    State = 1
	StateUnsupported  State = 2
	StateUnauthorized State = 3
	StatePoweredOff   State = 4
	StatePoweredOn    State = 5
)

func (s State) String() string {
	str := []string{
		"Unknown",
		"Resetting",
		"Unsupported",
		"Unauthorized",
		"PoweredOff",
		"PoweredOn",
	}
	if s < 0 || int(s) >= len(str) {
		return "Invalid"
	}
	return str[int(s)]
}

// Capabilities describes what the platform radio can do. They are queried once
// when an engine starts.
type Capabilities struct {
	// Advertise is false on hardware that cannot act as a peripheral. Such
	// devices write their identity into peers instead of being read.
	Advertise bool

	// LETransport is true when connections can request the LE transport
	// explicitly. Older stacks only offer the transport-less connect.
	LETransport bool
}

// ConnectOptions are passed to Driver.Connect.
type ConnectOptions struct {
	// LETransport requests the LE transport. Drivers reporting
	// Capabilities.LETransport == false must reject it.
	LETransport bool
}

// Driver defines the interface of a platform BLE radio.
//
// Scan results and GATT client events are delivered through callbacks; a
// driver may invoke them from any goroutine. Implementations must not block
// the caller of Scan, Advertise or Connect waiting on the air.
type Driver interface {
	// State reports the radio power state.
	State() State

	// Capabilities queries the platform radio.
	Capabilities() (Capabilities, error)

	// Scan discovers surrounding peripherals that advertise any of ss, or
	// that carry Apple manufacturer data. found is called for every report.
	Scan(ss []UUID, found func(Peripheral)) error

	// StopScanning stops scanning.
	StopScanning() error

	// Advertise starts advertising adv, with an optional scan response.
	Advertise(adv, scanResp []byte) error

	// StopAdvertising stops advertising.
	StopAdvertising() error

	// Serve publishes the local GATT services. Remote reads and writes are
	// routed to the characteristic handlers.
	Serve(svcs []*Service) error

	// Connect starts connecting to the peripheral at address. Progress and
	// results are reported through ev.
	Connect(address string, opts ConnectOptions, ev ConnectionEvents) (Conn, error)
}
