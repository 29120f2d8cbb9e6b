package peer

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// Default lifetimes.
const (
	DefaultExpiry        = 15 * time.Minute
	DefaultIgnore        = time.Minute
	DefaultSharingWindow = 5 * time.Minute
	MaxSharedPayloads    = 4
)

// A Registry is the table of known peers keyed by transport address.
type Registry struct {
	now func() time.Time

	mu      sync.Mutex
	seq     uint64
	devices map[string]*Device
}

// An Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now, devices: make(map[string]*Device)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DeviceFor returns the device for address, creating it if needed.
func (r *Registry) DeviceFor(address string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[address]; ok {
		return d
	}
	r.seq++
	d := newDevice(address, r.seq, r.now())
	r.devices[address] = d
	log.WithField("peer", address).Debug("new device")
	return d
}

// Get returns the device for address if it is known.
func (r *Registry) Get(address string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[address]
	return d, ok
}

// All returns every device in discovery order.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	dd := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		dd = append(dd, d)
	}
	r.mu.Unlock()
	sort.Slice(dd, func(i, j int) bool { return dd[i].seq < dd[j].seq })
	return dd
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Remove forgets the device for address.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, address)
}

// Clear forgets every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*Device)
}

// Expire removes and returns the devices not updated within window of now.
func (r *Registry) Expire(now time.Time, window time.Duration) []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*Device
	for a, d := range r.devices {
		if now.Sub(d.LastUpdated()) > window {
			delete(r.devices, a)
			expired = append(expired, d)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	for _, d := range expired {
		log.WithFields(d.Fields()).Debug("expired")
	}
	return expired
}

// Adopt carries the OS and payload of a device advertising the same pseudo
// address over to d, then forgets the older device. It reports whether a
// match was found.
func (r *Registry) Adopt(d *Device) bool {
	pseudo := d.PseudoAddress()
	if len(pseudo) == 0 {
		return false
	}
	var prev *Device
	r.mu.Lock()
	for a, o := range r.devices {
		if o != d && bytes.Equal(o.PseudoAddress(), pseudo) {
			prev = o
			delete(r.devices, a)
			break
		}
	}
	r.mu.Unlock()
	if prev == nil {
		return false
	}
	os := prev.OS()
	payload, at := prev.Payload()
	d.mu.Lock()
	if rank(os) > rank(d.os) {
		d.os = os
	}
	if d.payload == nil && payload != nil {
		d.payload = payload
		d.payloadUpdated = at
	}
	d.mu.Unlock()
	log.WithField("peer", d.Address).WithField("previous", prev.Address).Debug("adopted rotated address")
	return true
}

// PayloadSharingData returns the recent payloads of other protocol peers
// that have not yet been relayed to peer, and the devices they came from.
// At most MaxSharedPayloads are returned, most recent first.
func (r *Registry) PayloadSharingData(peer *Device, now time.Time) ([][]byte, []*Device) {
	type candidate struct {
		d       *Device
		payload []byte
		at      time.Time
	}
	var cc []candidate
	for _, d := range r.All() {
		if d == peer {
			continue
		}
		os := d.OS()
		if !os.IsIOS() && !os.IsAndroid() {
			continue
		}
		p, at := d.Payload()
		if p == nil || now.Sub(at) > DefaultSharingWindow {
			continue
		}
		if bytes.Equal(p, peer.payloadSnapshot()) {
			continue
		}
		if peer.sharedSince(p, now.Add(-DefaultSharingWindow)) {
			continue
		}
		cc = append(cc, candidate{d, p, at})
	}
	sort.SliceStable(cc, func(i, j int) bool { return cc[i].at.After(cc[j].at) })
	if len(cc) > MaxSharedPayloads {
		cc = cc[:MaxSharedPayloads]
	}
	var (
		payloads [][]byte
		sources  []*Device
	)
	for _, c := range cc {
		payloads = append(payloads, c.payload)
		sources = append(sources, c.d)
	}
	return payloads, sources
}
