// Package sim is an in-memory radio. Radios share an Air; advertisements
// travel as HCI advertising reports and GATT operations are served by the
// remote radio's characteristics.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/hci"
)

var log = logrus.WithField("component", "sim")

var (
	ErrPoweredOff  = errors.New("sim: radio powered off")
	ErrUnreachable = errors.New("sim: peer unreachable")
	errClosed      = errors.New("sim: connection closed")
	errBusy        = errors.New("sim: connection busy")
)

// DefaultRSSI is the signal strength between any two radios.
const DefaultRSSI = -60

// An Air connects radios.
type Air struct {
	mu     sync.Mutex
	rssi   int
	radios []*Radio
}

// NewAir returns an empty Air.
func NewAir() *Air {
	return &Air{rssi: DefaultRSSI}
}

// SetRSSI sets the signal strength reported for every report.
func (a *Air) SetRSSI(rssi int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rssi = rssi
}

// NewRadio adds a powered on radio with the given address.
func (a *Air) NewRadio(address string, caps proximity.Capabilities) *Radio {
	r := &Radio{
		air:     a,
		address: address,
		caps:    caps,
		decoder: hci.NewDecoder(),
		state:   proximity.StatePoweredOn,
		mtu:     proximity.DefaultMTU,
	}
	a.mu.Lock()
	a.radios = append(a.radios, r)
	a.mu.Unlock()
	return r
}

func (a *Air) radio(address string) *Radio {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.radios {
		if r.address == address {
			return r
		}
	}
	return nil
}

// Broadcast delivers the current advertisement of every advertising radio
// to every scanning radio.
func (a *Air) Broadcast() {
	a.mu.Lock()
	radios := append([]*Radio(nil), a.radios...)
	rssi := a.rssi
	a.mu.Unlock()
	for _, rx := range radios {
		ss, found, ok := rx.scanner()
		if !ok {
			continue
		}
		for _, tx := range radios {
			if tx == rx {
				continue
			}
			adv, resp, ok := tx.advertisement()
			if !ok {
				continue
			}
			for _, pkt := range []struct {
				typ  uint8
				data []byte
			}{{hci.AdvInd, adv}, {hci.ScanRsp, resp}} {
				b, err := hci.EncodeAdvertisingReport(pkt.typ, tx.address, pkt.data, rssi)
				if err != nil {
					log.WithError(err).Warn("encoding report")
					break
				}
				pp, err := rx.decoder.Decode(b)
				if err != nil {
					log.WithError(err).Warn("decoding report")
					break
				}
				for _, p := range pp {
					if matches(ss, &p.Advertisement) {
						found(p)
					}
				}
			}
		}
	}
}

// matches applies the scan filter: any of ss, or Apple manufacturer data.
func matches(ss []proximity.UUID, a *proximity.Advertisement) bool {
	if len(ss) == 0 {
		return true
	}
	if _, ok := a.ManufacturerDataFor(proximity.ManufacturerIDApple); ok {
		return true
	}
	for _, u := range ss {
		if a.HasService(u) {
			return true
		}
	}
	return false
}

// Run broadcasts every interval until ctx is done.
func (a *Air) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Broadcast()
		}
	}
}

// A Radio is one simulated device. It implements proximity.Driver.
type Radio struct {
	air     *Air
	address string
	caps    proximity.Capabilities
	decoder *hci.Decoder

	mu           sync.Mutex
	state        proximity.State
	capsErr      error
	unresponsive bool
	mtu          int
	scanning     bool
	ss           []proximity.UUID
	found        func(proximity.Peripheral)
	advertising  bool
	adv, resp    []byte
	svcs         []*proximity.Service
}

// Address returns the transport address of r.
func (r *Radio) Address() string {
	return r.address
}

// SetPowered switches the radio on or off. Switching off stops scanning
// and advertising.
func (r *Radio) SetPowered(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.state = proximity.StatePoweredOn
		return
	}
	r.state = proximity.StatePoweredOff
	r.scanning = false
	r.advertising = false
}

// SetCapabilitiesError makes Capabilities fail with err.
func (r *Radio) SetCapabilitiesError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capsErr = err
}

// SetUnresponsive makes connections to and from r never report progress.
func (r *Radio) SetUnresponsive(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unresponsive = v
}

// SetMTU sets the ATT payload size of connections made by r.
func (r *Radio) SetMTU(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mtu = n
}

// Scanning reports whether r is scanning.
func (r *Radio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Advertising reports whether r is advertising, and what.
func (r *Radio) Advertising() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adv, r.advertising
}

func (r *Radio) scanner() ([]proximity.UUID, func(proximity.Peripheral), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != proximity.StatePoweredOn || !r.scanning {
		return nil, nil, false
	}
	return r.ss, r.found, true
}

func (r *Radio) advertisement() ([]byte, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != proximity.StatePoweredOn || !r.advertising {
		return nil, nil, false
	}
	return r.adv, r.resp, true
}

func (r *Radio) powered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == proximity.StatePoweredOn
}

func (r *Radio) State() proximity.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Radio) Capabilities() (proximity.Capabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caps, r.capsErr
}

func (r *Radio) Scan(ss []proximity.UUID, found func(proximity.Peripheral)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != proximity.StatePoweredOn {
		return ErrPoweredOff
	}
	r.scanning, r.ss, r.found = true, ss, found
	return nil
}

func (r *Radio) StopScanning() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return nil
}

func (r *Radio) Advertise(adv, scanResp []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.caps.Advertise {
		return proximity.ErrNotSupported
	}
	if r.state != proximity.StatePoweredOn {
		return ErrPoweredOff
	}
	r.advertising, r.adv, r.resp = true, adv, scanResp
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	return nil
}

func (r *Radio) Serve(svcs []*proximity.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.svcs = svcs
	return nil
}

func (r *Radio) services() []*proximity.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.svcs
}

func (r *Radio) characteristic(u proximity.UUID) *proximity.Characteristic {
	if r == nil {
		return nil
	}
	for _, s := range r.services() {
		if c := s.Characteristic(u); c != nil {
			return c
		}
	}
	return nil
}

func (r *Radio) Connect(address string, opts proximity.ConnectOptions, ev proximity.ConnectionEvents) (proximity.Conn, error) {
	r.mu.Lock()
	powered := r.state == proximity.StatePoweredOn
	leTransport := r.caps.LETransport
	mtu := r.mtu
	unresponsive := r.unresponsive
	r.mu.Unlock()
	if !powered {
		return nil, ErrPoweredOff
	}
	if opts.LETransport && !leTransport {
		return nil, proximity.ErrNotSupported
	}
	c := newConn(r, r.air.radio(address), address, mtu, ev)
	if unresponsive {
		return c, nil
	}
	c.post(func() {
		if c.remote == nil || !c.remote.powered() {
			ev.OnConnectionStateChanged(address, proximity.StateDisconnected, ErrUnreachable)
			return
		}
		c.remote.mu.Lock()
		silent := c.remote.unresponsive
		c.remote.mu.Unlock()
		if silent {
			return
		}
		ev.OnConnectionStateChanged(address, proximity.StateConnected, nil)
	})
	return c, nil
}

// AttError is a GATT status returned by the remote server.
type AttError byte

func (e AttError) Error() string {
	return fmt.Sprintf("sim: att status 0x%02x", byte(e))
}
