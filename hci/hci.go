// Package hci decodes HCI LE Advertising Report events into scan results.
//
// A platform driver that reads raw HCI event packets (a Linux user channel
// socket, a UART transport, or the simulator in package sim) hands each
// packet to a Decoder, which merges scan responses into the advertisement
// they answer and returns one proximity.Peripheral per remote device.
package hci

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/cryptobyte"

	"github.com/XC-/proximity"
)

var log = logrus.WithField("component", "hci")

// HCI Packet type of events.
const typEventPkt = 0x04

const (
	leMeta              = 0x3E
	leAdvertisingReport = 0x02
)

// Event Type
const (
	AdvInd        = 0x00 // Connectable undirected advertising (ADV_IND).
	AdvDirectInd  = 0x01 // Connectable directed advertising (ADV_DIRECT_IND)
	AdvScanInd    = 0x02 // Scannable undirected advertising (ADV_SCAN_IND)
	AdvNonconnInd = 0x03 // Non connectable undirected advertising (ADV_NONCONN_IND)
	ScanRsp       = 0x04 // Scan Response (SCAN_RSP)
)

// RSSIUnavailable is the report RSSI of a controller that took no
// measurement.
const RSSIUnavailable int8 = 127

// DefaultScanResponseWait is how long a scannable advertisement is held back
// waiting for its scan response.
const DefaultScanResponseWait = time.Second

var (
	// ErrNotAdvertisingReport is returned for packets that are valid HCI
	// events of another kind. Callers usually ignore it.
	ErrNotAdvertisingReport = errors.New("hci: not an LE advertising report")

	// ErrMalformed is returned for truncated or inconsistent packets.
	ErrMalformed = errors.New("hci: malformed packet")
)

type bdaddr [6]byte

// String formats a little-endian HCI address the usual way.
func (a bdaddr) String() string {
	b := make(net.HardwareAddr, 6)
	for i := range a {
		b[5-i] = a[i]
	}
	return proximity.BDAddr{HardwareAddr: b}.String()
}

// parseAddr is the inverse of bdaddr.String.
func parseAddr(s string) (bdaddr, error) {
	hw, err := net.ParseMAC(strings.ToLower(s))
	if err != nil || len(hw) != 6 {
		return bdaddr{}, fmt.Errorf("hci: invalid address %q", s)
	}
	var a bdaddr
	for i := range a {
		a[i] = hw[5-i]
	}
	return a, nil
}

type report struct {
	eventType   uint8
	addressType uint8
	address     bdaddr
	data        []byte
	rssi        int8
	ts          time.Time
}

// A Decoder turns HCI event packets into Peripherals. It is safe for
// concurrent use.
//
// Held back advertisements are only released by a later Decode or by
// Flush. A peer that stops advertising leaves its last report pending, so
// drivers call Flush every ScanResponseWait while scanning.
type Decoder struct {
	// ScanResponseWait bounds how long a scannable advertisement waits for
	// its scan response before it is reported without one.
	ScanResponseWait time.Duration

	now func() time.Time

	mu      sync.Mutex
	pending map[bdaddr]*report
}

// NewDecoder returns a Decoder using the wall clock.
func NewDecoder() *Decoder {
	return NewDecoderWithClock(time.Now)
}

// NewDecoderWithClock returns a Decoder reading time from now.
func NewDecoderWithClock(now func() time.Time) *Decoder {
	return &Decoder{
		ScanResponseWait: DefaultScanResponseWait,
		now:              now,
		pending:          make(map[bdaddr]*report),
	}
}

// Decode decodes one HCI packet, starting with the packet type byte.
// It returns the peripherals that are complete after this packet, which
// includes held back advertisements whose scan response never came.
func (d *Decoder) Decode(b []byte) ([]proximity.Peripheral, error) {
	s := cryptobyte.String(b)
	var typ, code uint8
	var params cryptobyte.String
	if !s.ReadUint8(&typ) {
		return nil, ErrMalformed
	}
	if typ != typEventPkt {
		return d.Flush(), ErrNotAdvertisingReport
	}
	if !s.ReadUint8(&code) || !s.ReadUint8LengthPrefixed(&params) || !s.Empty() {
		return nil, ErrMalformed
	}
	if code != leMeta {
		return d.Flush(), ErrNotAdvertisingReport
	}
	reports, err := parseAdvertisingReport(params)
	if err != nil {
		return nil, err
	}
	return d.handleReports(reports), nil
}

// Flush returns the held back advertisements that waited longer than
// ScanResponseWait.
func (d *Decoder) Flush() []proximity.Peripheral {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(d.now())
}

func (d *Decoder) flushLocked(now time.Time) []proximity.Peripheral {
	var out []proximity.Peripheral
	for addr, r := range d.pending {
		if now.Sub(r.ts) < d.ScanResponseWait {
			continue
		}
		delete(d.pending, addr)
		if p, ok := r.peripheral(); ok {
			out = append(out, p)
		}
	}
	return out
}

func (d *Decoder) handleReports(reports []report) []proximity.Peripheral {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	out := d.flushLocked(now)
	for i := range reports {
		r := reports[i]
		r.ts = now
		if r.eventType == ScanRsp {
			pr, ok := d.pending[r.address]
			if !ok {
				continue
			}
			delete(d.pending, r.address)
			pr.data = append(pr.data, r.data...)
			if r.rssi != RSSIUnavailable {
				pr.rssi = r.rssi
			}
			if p, ok := pr.peripheral(); ok {
				out = append(out, p)
			}
			continue
		}
		if r.eventType == AdvInd || r.eventType == AdvScanInd {
			d.pending[r.address] = &r
			continue
		}
		if p, ok := r.peripheral(); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *report) peripheral() (proximity.Peripheral, bool) {
	p := proximity.Peripheral{
		Address: r.address.String(),
		Seen:    r.ts,
	}
	if r.rssi != RSSIUnavailable {
		p.RSSI, p.HasRSSI = int(r.rssi), true
	}
	if err := p.Advertisement.Unmarshall(r.data); err != nil {
		log.WithError(err).WithField("address", p.Address).Debug("dropping report")
		return p, false
	}
	if r.eventType == AdvInd || r.eventType == AdvDirectInd {
		p.Advertisement.Connectable = true
	}
	return p, true
}

// parseAdvertisingReport decodes the parameters of an LE Meta event.
// Reports are laid out one after another; the arrays-of-fields layout of
// early core specification versions is never sent by real controllers.
func parseAdvertisingReport(s cryptobyte.String) ([]report, error) {
	var sub, n uint8
	if !s.ReadUint8(&sub) {
		return nil, ErrMalformed
	}
	if sub != leAdvertisingReport {
		return nil, ErrNotAdvertisingReport
	}
	if !s.ReadUint8(&n) {
		return nil, ErrMalformed
	}
	rr := make([]report, 0, n)
	for i := 0; i < int(n); i++ {
		var r report
		var addr, data []byte
		var rssi uint8
		if !s.ReadUint8(&r.eventType) ||
			!s.ReadUint8(&r.addressType) ||
			!s.ReadBytes(&addr, 6) ||
			!s.ReadUint8LengthPrefixed((*cryptobyte.String)(&data)) ||
			!s.ReadUint8(&rssi) {
			return nil, ErrMalformed
		}
		copy(r.address[:], addr)
		r.data = append([]byte(nil), data...)
		r.rssi = int8(rssi)
		rr = append(rr, r)
	}
	if !s.Empty() {
		return nil, ErrMalformed
	}
	return rr, nil
}

// EncodeAdvertisingReport builds an HCI event packet carrying one LE
// advertising report, as a controller would send it.
func EncodeAdvertisingReport(eventType uint8, address string, data []byte, rssi int) ([]byte, error) {
	addr, err := parseAddr(address)
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddUint8(typEventPkt)
	b.AddUint8(leMeta)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(leAdvertisingReport)
		b.AddUint8(1)
		b.AddUint8(eventType)
		b.AddUint8(0x01) // random address
		b.AddBytes(addr[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(data)
		})
		b.AddUint8(uint8(int8(rssi)))
	})
	return b.Bytes()
}
