package proximity

import (
	"net"
	"strings"
)

// A BDAddr (Bluetooth Device Address) is a hardware-addressed-based net.Addr.
type BDAddr struct{ net.HardwareAddr }

func (a BDAddr) Network() string { return "BLE" }

// String formats the address in upper case, as platform stacks report it.
func (a BDAddr) String() string { return strings.ToUpper(a.HardwareAddr.String()) }

// ConnState is the connection state of a remote peer.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "invalid"
}

// A DiscoveredService is a remote service and its characteristics.
type DiscoveredService struct {
	UUID            UUID
	Characteristics []UUID
}

// Conn is a GATT client connection to a remote peripheral. Every operation
// is asynchronous; its outcome is reported through ConnectionEvents.
type Conn interface {
	// RemoteAddr returns the transport address of the peripheral.
	RemoteAddr() string

	// MTU returns the current ATT payload size.
	MTU() int

	DiscoverServices() error
	ReadCharacteristic(u UUID) error
	WriteCharacteristic(u UUID, b []byte, withResponse bool) error

	// Disconnect starts a graceful disconnect.
	Disconnect() error

	// Close releases the connection handle. It must be safe to call more
	// than once and without a prior Disconnect.
	Close() error
}

// ConnectionEvents receives the callbacks of GATT client connections.
type ConnectionEvents interface {
	OnConnectionStateChanged(address string, state ConnState, err error)
	OnServicesDiscovered(address string, svcs []DiscoveredService, err error)
	OnCharacteristicRead(address string, u UUID, value []byte, err error)
	OnCharacteristicWrite(address string, u UUID, err error)
}
