// Package peer keeps the table of remote devices seen over the radio and
// infers which protocol implementation each one runs.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/signal"
)

var log = logrus.WithField("component", "peer")

// ErrInvalidTransition is returned by SetState for an edge outside
// disconnected -> connecting -> connected -> disconnected.
var ErrInvalidTransition = errors.New("peer: invalid state transition")

// OS is the inferred operating system of a peer.
type OS int

const (
	OSUnknown OS = iota
	OSAndroidTBC
	OSAndroid
	OSIOSTBC
	OSIOS
	OSIgnore
	OSShared
)

func (o OS) String() string {
	switch o {
	case OSUnknown:
		return "unknown"
	case OSAndroidTBC:
		return "android_tbc"
	case OSAndroid:
		return "android"
	case OSIOSTBC:
		return "ios_tbc"
	case OSIOS:
		return "ios"
	case OSIgnore:
		return "ignore"
	case OSShared:
		return "shared"
	}
	return fmt.Sprintf("OS(%d)", int(o))
}

// Confirmed reports whether o is a confirmed platform.
func (o OS) Confirmed() bool {
	return o == OSAndroid || o == OSIOS
}

// IsIOS reports whether o is iOS, confirmed or not.
func (o OS) IsIOS() bool {
	return o == OSIOS || o == OSIOSTBC
}

// IsAndroid reports whether o is Android, confirmed or not.
func (o OS) IsAndroid() bool {
	return o == OSAndroid || o == OSAndroidTBC
}

// A Device is a remote peer. All methods are safe for concurrent use.
type Device struct {
	// Address is the transport address. It rotates on some platforms; a
	// rotated address is a new Device.
	Address string

	seq uint64

	mu                      sync.Mutex
	pseudo                  []byte
	os                      OS
	ignoreUntil             time.Time
	state                   proximity.ConnState
	stateSince              time.Time
	rssi                    int
	hasRSSI                 bool
	txPower                 int
	hasTxPower              bool
	payload                 []byte
	payloadUpdated          time.Time
	lastWritePayload        time.Time
	lastWriteRSSI           time.Time
	lastWritePayloadSharing time.Time
	receiveOnly             bool
	signalChar              proximity.UUID
	legacy                  bool
	lastUpdated             time.Time
	busy                    bool
	writeQueue              *signal.WriteQueue
	inbound                 signal.Reassembler
	inboundAt               time.Time
	shared                  map[string]time.Time
}

// InboundTimeout bounds the gap between fragments of one inbound write.
const InboundTimeout = 30 * time.Second

func newDevice(address string, seq uint64, now time.Time) *Device {
	return &Device{
		Address:     address,
		seq:         seq,
		state:       proximity.StateDisconnected,
		stateSince:  now,
		lastUpdated: now,
	}
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("%s[%s,%s]", d.Address, d.os, d.state)
}

// Fields returns logging fields describing d.
func (d *Device) Fields() logrus.Fields {
	d.mu.Lock()
	defer d.mu.Unlock()
	return logrus.Fields{"peer": d.Address, "os": d.os.String(), "state": d.state.String()}
}

// Touch records that d was seen at now.
func (d *Device) Touch(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastUpdated = now
}

// LastUpdated returns when d was last seen.
func (d *Device) LastUpdated() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastUpdated
}

// State returns the connection state and when it was entered.
func (d *Device) State() (proximity.ConnState, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.stateSince
}

// SetState moves d to next. Setting the current state again is a no-op.
func (d *Device) SetState(next proximity.ConnState, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if next == d.state {
		return nil
	}
	if !validTransition(d.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state, next)
	}
	d.state = next
	d.stateSince = now
	return nil
}

func validTransition(from, to proximity.ConnState) bool {
	switch from {
	case proximity.StateDisconnected:
		return to == proximity.StateConnecting
	case proximity.StateConnecting:
		return to == proximity.StateConnected || to == proximity.StateDisconnected
	case proximity.StateConnected:
		return to == proximity.StateDisconnected
	}
	return false
}

// TryAcquire marks d as having a connection task in flight. It reports
// false if one already is.
func (d *Device) TryAcquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return false
	}
	d.busy = true
	return true
}

// Release ends the in-flight connection task.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = false
}

// OS returns the inferred operating system.
func (d *Device) OS() OS {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.os
}

// SetOS sets the operating system unconditionally. Inference should go
// through Infer and Confirm, which keep upgrades monotonic.
func (d *Device) SetOS(os OS) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.os = os
}

// Ignore marks d as ignored until now+dur.
func (d *Device) Ignore(now time.Time, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.os = OSIgnore
	d.ignoreUntil = now.Add(dur)
}

// Ignored reports whether d is ignored at now. An expired ignore reverts
// the device to OSUnknown.
func (d *Device) Ignored(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.os != OSIgnore {
		return false
	}
	if now.Before(d.ignoreUntil) {
		return true
	}
	d.os = OSUnknown
	d.ignoreUntil = time.Time{}
	return false
}

// PseudoAddress returns the advertised pseudo device address, if any.
func (d *Device) PseudoAddress() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pseudo
}

// SetPseudoAddress records the advertised pseudo device address.
func (d *Device) SetPseudoAddress(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pseudo = append([]byte(nil), p...)
}

// RSSI returns the last measured signal strength.
func (d *Device) RSSI() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi, d.hasRSSI
}

// SetRSSI records a signal strength measurement.
func (d *Device) SetRSSI(rssi int, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssi = rssi
	d.hasRSSI = true
	d.lastUpdated = now
}

// TxPower returns the last advertised transmit power.
func (d *Device) TxPower() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txPower, d.hasTxPower
}

// SetTxPower records the advertised transmit power.
func (d *Device) SetTxPower(p int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txPower = p
	d.hasTxPower = true
}

// Payload returns the last payload read from d and when it was read.
func (d *Device) Payload() ([]byte, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload, d.payloadUpdated
}

// SetPayload records a payload read from or written by d.
func (d *Device) SetPayload(p []byte, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payload = append([]byte(nil), p...)
	d.payloadUpdated = now
	d.lastUpdated = now
}

// LastWrite returns when a value of kind was last written to d.
func (d *Device) LastWrite(kind signal.Kind) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case signal.KindPayload:
		return d.lastWritePayload
	case signal.KindRSSI:
		return d.lastWriteRSSI
	case signal.KindPayloadSharing:
		return d.lastWritePayloadSharing
	}
	return time.Time{}
}

// SetLastWrite records a completed write of kind.
func (d *Device) SetLastWrite(kind signal.Kind, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case signal.KindPayload:
		d.lastWritePayload = now
	case signal.KindRSSI:
		d.lastWriteRSSI = now
	case signal.KindPayloadSharing:
		d.lastWritePayloadSharing = now
	}
}

// ReceiveOnly reports whether d can only write to this device.
func (d *Device) ReceiveOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiveOnly
}

// SetReceiveOnly marks d as receive-only.
func (d *Device) SetReceiveOnly(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiveOnly = v
}

// SignalCharacteristic returns the signal characteristic found during
// service discovery.
func (d *Device) SignalCharacteristic() (proximity.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signalChar, !d.signalChar.IsZero()
}

// Legacy reports whether d exposes the legacy combined characteristic.
func (d *Device) Legacy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.legacy
}

// WriteQueue returns the outbound fragment queue, or nil.
func (d *Device) WriteQueue() *signal.WriteQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeQueue
}

// SetWriteQueue replaces the outbound fragment queue.
func (d *Device) SetWriteQueue(q *signal.WriteQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeQueue = q
}

// AppendInbound adds a fragment written by d to its reassembly buffer.
// Fragments left over from a write abandoned more than InboundTimeout ago
// are dropped first.
func (d *Device) AppendInbound(fragment []byte, now time.Time) (signal.Data, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inbound.Pending() > 0 && now.Sub(d.inboundAt) > InboundTimeout {
		d.inbound.Reset()
	}
	d.lastUpdated = now
	d.inboundAt = now
	return d.inbound.Append(fragment)
}

// MarkShared records that payloads were relayed to d at now.
func (d *Device) MarkShared(payloads [][]byte, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shared == nil {
		d.shared = make(map[string]time.Time)
	}
	for _, p := range payloads {
		d.shared[string(p)] = now
	}
}

// sharedSince reports whether p was relayed to d after since, pruning
// older entries.
func (d *Device) sharedSince(p []byte, since time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.shared {
		if t.Before(since) {
			delete(d.shared, k)
		}
	}
	_, ok := d.shared[string(p)]
	return ok
}

func (d *Device) payloadSnapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload
}
