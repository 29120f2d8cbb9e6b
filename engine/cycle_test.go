package engine

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/sim"
)

type batches struct {
	mu sync.Mutex
	bb [][]proximity.Peripheral
}

func (b *batches) process(_ context.Context, batch []proximity.Peripheral) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bb = append(b.bb, batch)
}

func TestReceiverCycle(t *testing.T) {
	c := &clock{t: t0}
	air := sim.NewAir()
	rx := air.NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{})
	tx := air.NewRadio("AA:AA:AA:AA:AA:02", proximity.Capabilities{Advertise: true})
	adv, err := proximity.SensorAdvertisingPacket([]byte{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Advertise(adv, nil); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	q := newTaskQueue(16)
	b := &batches{}
	r := newReceiver(cfg, c.now, rx, q, b.process)

	step := func(d time.Duration, want ScanState) {
		t.Helper()
		c.advance(d)
		r.tick(c.now(), true)
		drain(q)
		if got := r.State(); got != want {
			t.Fatalf("after %v: got %s want %s", c.now().Sub(t0), got, want)
		}
	}

	step(0, ScanStarted)
	if !rx.Scanning() {
		t.Fatal("radio not scanning")
	}
	air.Broadcast()
	step(3*time.Second, ScanStarted)
	step(time.Second, ScanStopped)
	if rx.Scanning() {
		t.Fatal("radio still scanning")
	}
	step(500*time.Millisecond, ScanStopped)
	step(500*time.Millisecond, ScanProcessed)

	if len(b.bb) != 1 {
		t.Fatalf("batches: got %d want 1", len(b.bb))
	}
	if len(b.bb[0]) == 0 || b.bb[0][0].Address != tx.Address() {
		t.Fatalf("batch: got %+v", b.bb[0])
	}
	if _, ok := b.bb[0][0].Advertisement.PseudoAddress(); !ok {
		t.Error("pseudo address lost in transit")
	}

	step(time.Second, ScanProcessed)
	step(time.Second, ScanStarted)
}

func TestReceiverPowerOff(t *testing.T) {
	c := &clock{t: t0}
	rx := sim.NewAir().NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{})
	q := newTaskQueue(16)
	b := &batches{}
	r := newReceiver(DefaultConfig(), c.now, rx, q, b.process)

	r.tick(c.now(), true)
	drain(q)
	if !rx.Scanning() {
		t.Fatal("radio not scanning")
	}
	r.tick(c.now(), false)
	drain(q)
	if got := r.State(); got != ScanProcessed {
		t.Errorf("after power off: got %s want %s", got, ScanProcessed)
	}
	if rx.Scanning() {
		t.Error("radio still scanning after power off")
	}

	// A start queued before the reset must not run.
	c.advance(3 * time.Second)
	r.tick(c.now(), true)
	r.tick(c.now(), false)
	drain(q)
	if rx.Scanning() {
		t.Error("stale start op began scanning")
	}
	if len(b.bb) != 0 {
		t.Errorf("batches: got %d want 0", len(b.bb))
	}
}

func TestReceiverStuck(t *testing.T) {
	c := &clock{t: t0}
	rx := sim.NewAir().NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{})
	q := newTaskQueue(16)
	cfg := DefaultConfig()
	r := newReceiver(cfg, c.now, rx, q, (&batches{}).process)

	r.tick(c.now(), true)
	if got := r.State(); got != ScanStarting {
		t.Fatalf("got %s want %s", got, ScanStarting)
	}
	c.advance(2*cfg.ProcessingBudget + time.Second)
	r.tick(c.now(), true)
	if got := r.State(); got != ScanProcessed {
		t.Errorf("got %s want %s", got, ScanProcessed)
	}
}

func TestTransmitterCycle(t *testing.T) {
	c := &clock{t: t0}
	radio := sim.NewAir().NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{Advertise: true})
	q := newTaskQueue(16)
	cfg := DefaultConfig()
	tr := newTransmitter(cfg, c.now, radio, q, true, "")
	tr.rand = bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	step := func(d time.Duration, want AdvertState) {
		t.Helper()
		c.advance(d)
		tr.tick(c.now(), true)
		drain(q)
		if got := tr.State(); got != want {
			t.Fatalf("after %v: got %s want %s", c.now().Sub(t0), got, want)
		}
	}

	step(0, AdvertStarted)
	first := tr.PseudoAddress()
	if want := []byte{1, 2, 3, 4, 5, 6}; !bytes.Equal(first, want) {
		t.Fatalf("pseudo address: got %x want %x", first, want)
	}
	adv, ok := radio.Advertising()
	if !ok || !bytes.Contains(adv, first) {
		t.Fatalf("advertising %x, want pseudo address %x", adv, first)
	}

	step(cfg.AdvertOn-time.Second, AdvertStarted)
	step(time.Second, AdvertStopped)
	if _, ok := radio.Advertising(); ok {
		t.Fatal("radio still advertising")
	}
	if p := tr.PseudoAddress(); p != nil {
		t.Errorf("pseudo address while stopped: %x", p)
	}

	step(cfg.AdvertOff, AdvertStarted)
	if got, want := tr.PseudoAddress(), []byte{7, 8, 9, 10, 11, 12}; !bytes.Equal(got, want) {
		t.Errorf("pseudo address: got %x want %x", got, want)
	}

	tr.tick(c.now(), false)
	drain(q)
	if got := tr.State(); got != AdvertStopped {
		t.Errorf("after power off: got %s want %s", got, AdvertStopped)
	}
	if _, ok := radio.Advertising(); ok {
		t.Error("radio still advertising after power off")
	}
}

func TestTransmitterScanResponse(t *testing.T) {
	c := &clock{t: t0}
	air := sim.NewAir()
	tx := air.NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{Advertise: true})
	rx := air.NewRadio("AA:AA:AA:AA:AA:02", proximity.Capabilities{})
	q := newTaskQueue(16)
	tr := newTransmitter(DefaultConfig(), c.now, tx, q, true, "beacon")
	tr.tick(c.now(), true)
	drain(q)

	var got []proximity.Peripheral
	if err := rx.Scan(nil, func(p proximity.Peripheral) { got = append(got, p) }); err != nil {
		t.Fatal(err)
	}
	air.Broadcast()
	var name string
	for _, p := range got {
		if p.Advertisement.LocalName != "" {
			name = p.Advertisement.LocalName
		}
	}
	if name != "beacon" {
		t.Errorf("local name: got %q want %q", name, "beacon")
	}
}

func TestTransmitterDisabled(t *testing.T) {
	c := &clock{t: t0}
	radio := sim.NewAir().NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{})
	q := newTaskQueue(16)
	tr := newTransmitter(DefaultConfig(), c.now, radio, q, false, "")
	tr.tick(c.now(), true)
	if len(q.ops) != 0 {
		t.Errorf("queued %d ops, want 0", len(q.ops))
	}
	if got := tr.State(); got != AdvertStopped {
		t.Errorf("got %s want %s", got, AdvertStopped)
	}
}

func TestTransmitterNotSupported(t *testing.T) {
	c := &clock{t: t0}
	radio := sim.NewAir().NewRadio("AA:AA:AA:AA:AA:01", proximity.Capabilities{})
	q := newTaskQueue(16)
	tr := newTransmitter(DefaultConfig(), c.now, radio, q, true, "")
	tr.tick(c.now(), true)
	drain(q)
	if got := tr.State(); got != AdvertStopped {
		t.Errorf("got %s want %s", got, AdvertStopped)
	}
}

func TestTaskQueueFull(t *testing.T) {
	q := newTaskQueue(1)
	if !q.submit("a", func(context.Context) {}) {
		t.Fatal("first submit refused")
	}
	if q.submit("b", func(context.Context) {}) {
		t.Error("submit to a full queue accepted")
	}
	q.close()
	drain(q)
	if q.submit("c", func(context.Context) {}) {
		t.Error("submit to a closed queue accepted")
	}
}
