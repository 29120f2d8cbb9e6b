package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/XC-/proximity"
)

// AdvertState is the state of the advertise duty cycle.
type AdvertState int

const (
	AdvertStopped AdvertState = iota
	AdvertStarting
	AdvertStarted
	AdvertStopping
)

func (s AdvertState) String() string {
	switch s {
	case AdvertStopped:
		return "stopped"
	case AdvertStarting:
		return "starting"
	case AdvertStarted:
		return "started"
	case AdvertStopping:
		return "stopping"
	}
	return fmt.Sprintf("AdvertState(%d)", int(s))
}

// A Transmitter runs the advertise duty cycle. Every start advertises a
// fresh pseudo device address.
type Transmitter struct {
	cfg     Config
	now     func() time.Time
	driver  proximity.Driver
	queue   *taskQueue
	enabled bool
	name    string
	rand    io.Reader

	mu     sync.Mutex
	state  AdvertState
	since  time.Time
	gen    int
	pseudo []byte
}

func newTransmitter(cfg Config, now func() time.Time, d proximity.Driver, q *taskQueue, enabled bool, name string) *Transmitter {
	return &Transmitter{cfg: cfg, now: now, driver: d, queue: q, enabled: enabled, name: name, rand: rand.Reader}
}

// State returns the current state.
func (t *Transmitter) State() AdvertState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PseudoAddress returns the pseudo device address being advertised, or nil.
func (t *Transmitter) PseudoAddress() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != AdvertStarted {
		return nil
	}
	return t.pseudo
}

func (t *Transmitter) set(s AdvertState, now time.Time) {
	log.WithField("from", t.state.String()).WithField("to", s.String()).Info("advertise")
	t.state = s
	t.since = now
}

func (t *Transmitter) advance(gen int, from, to AdvertState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen == gen && t.state == from {
		t.set(to, t.now())
	}
}

func (t *Transmitter) reset(now time.Time) {
	if t.state == AdvertStarted || t.state == AdvertStarting {
		t.queue.submit("stopAdvertising", func(context.Context) {
			if err := t.driver.StopAdvertising(); err != nil {
				log.WithError(err).Debug("stop advertising")
			}
		})
	}
	t.gen++
	t.pseudo = nil
	t.set(AdvertStopped, now)
}

func (t *Transmitter) tick(now time.Time, powered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !powered {
		if t.state != AdvertStopped {
			t.reset(now)
		}
		return
	}
	if !t.enabled {
		return
	}
	elapsed := now.Sub(t.since)
	gen := t.gen
	switch t.state {
	case AdvertStopped:
		if elapsed >= t.cfg.AdvertOff {
			t.set(AdvertStarting, now)
			if !t.queue.submit("startAdvertising", func(context.Context) { t.start(gen) }) {
				t.reset(now)
			}
		}
	case AdvertStarted:
		if elapsed >= t.cfg.AdvertOn {
			t.set(AdvertStopping, now)
			if !t.queue.submit("stopAdvertising", func(context.Context) { t.stop(gen) }) {
				t.reset(now)
			}
		}
	default:
		if elapsed > 2*t.cfg.ProcessingBudget {
			log.WithField("state", t.state.String()).Warn("advertise cycle stuck, resetting")
			t.reset(now)
		}
	}
}

func (t *Transmitter) start(gen int) {
	t.mu.Lock()
	stale := t.gen != gen
	t.mu.Unlock()
	if stale {
		return
	}
	pseudo := make([]byte, proximity.PseudoAddressLength)
	if _, err := io.ReadFull(t.rand, pseudo); err != nil {
		log.WithError(err).Warn("pseudo address")
		t.advance(gen, AdvertStarting, AdvertStopped)
		return
	}
	adv, err := proximity.SensorAdvertisingPacket(pseudo)
	if err != nil {
		log.WithError(err).Error("advertising packet")
		t.advance(gen, AdvertStarting, AdvertStopped)
		return
	}
	var scanResp []byte
	if t.name != "" {
		scanResp = proximity.ScanResponsePacket(t.name)
	}
	if err := t.driver.Advertise(adv, scanResp); err != nil {
		log.WithError(err).Warn("start advertising failed")
		t.advance(gen, AdvertStarting, AdvertStopped)
		return
	}
	t.mu.Lock()
	if t.gen == gen {
		t.pseudo = pseudo
	}
	t.mu.Unlock()
	t.advance(gen, AdvertStarting, AdvertStarted)
}

func (t *Transmitter) stop(gen int) {
	if err := t.driver.StopAdvertising(); err != nil {
		log.WithError(err).Warn("stop advertising failed")
	}
	t.mu.Lock()
	if t.gen == gen {
		t.pseudo = nil
	}
	t.mu.Unlock()
	t.advance(gen, AdvertStopping, AdvertStopped)
}
