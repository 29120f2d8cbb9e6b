package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/XC-/proximity"
)

// ScanState is the state of the scan duty cycle.
type ScanState int

const (
	ScanProcessed ScanState = iota
	ScanStarting
	ScanStarted
	ScanStopping
	ScanStopped
	ScanProcessing
)

func (s ScanState) String() string {
	switch s {
	case ScanProcessed:
		return "processed"
	case ScanStarting:
		return "scanStarting"
	case ScanStarted:
		return "scanStarted"
	case ScanStopping:
		return "scanStopping"
	case ScanStopped:
		return "scanStopped"
	case ScanProcessing:
		return "processing"
	}
	return fmt.Sprintf("ScanState(%d)", int(s))
}

// A Receiver runs the scan duty cycle. Each cycle scans, rests, and then
// hands the buffered results to the orchestrator.
type Receiver struct {
	cfg     Config
	now     func() time.Time
	driver  proximity.Driver
	queue   *taskQueue
	process func(ctx context.Context, batch []proximity.Peripheral)

	mu      sync.Mutex
	state   ScanState
	since   time.Time
	gen     int
	results []proximity.Peripheral
}

func newReceiver(cfg Config, now func() time.Time, d proximity.Driver, q *taskQueue, process func(context.Context, []proximity.Peripheral)) *Receiver {
	return &Receiver{cfg: cfg, now: now, driver: d, queue: q, process: process}
}

// State returns the current state.
func (r *Receiver) State() ScanState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) found(p proximity.Peripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ScanStarted && r.state != ScanStarting && r.state != ScanStopping {
		return
	}
	r.results = append(r.results, p)
}

// set moves to s. r.mu must be held.
func (r *Receiver) set(s ScanState, now time.Time) {
	log.WithField("from", r.state.String()).WithField("to", s.String()).Info("scan")
	r.state = s
	r.since = now
}

// advance moves from one state to the next if no reset happened since the
// operation was queued.
func (r *Receiver) advance(gen int, from, to ScanState, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen && r.state == from {
		r.set(to, now)
	}
}

// reset returns to processed, dropping buffered results. r.mu must be held.
func (r *Receiver) reset(now time.Time) {
	if r.state == ScanStarted || r.state == ScanStarting {
		r.queue.submit("stopScan", func(context.Context) {
			if err := r.driver.StopScanning(); err != nil {
				log.WithError(err).Debug("stop scanning")
			}
		})
	}
	r.gen++
	r.results = nil
	r.set(ScanProcessed, now)
}

func (r *Receiver) tick(now time.Time, powered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !powered {
		if r.state != ScanProcessed {
			r.reset(now)
		}
		return
	}
	elapsed := now.Sub(r.since)
	gen := r.gen
	switch r.state {
	case ScanProcessed:
		if elapsed >= r.cfg.ScanOff {
			r.set(ScanStarting, now)
			r.submit("startScan", func(ctx context.Context) { r.start(gen) }, now)
		}
	case ScanStarted:
		if elapsed >= r.cfg.ScanOn {
			r.set(ScanStopping, now)
			r.submit("stopScan", func(ctx context.Context) { r.stop(gen) }, now)
		}
	case ScanStopped:
		if elapsed >= r.cfg.ScanRest {
			r.set(ScanProcessing, now)
			r.submit("process", func(ctx context.Context) { r.processBatch(ctx, gen) }, now)
		}
	default:
		// Waiting on a queued operation. One that never ran is abandoned.
		if elapsed > 2*r.cfg.ProcessingBudget {
			log.WithField("state", r.state.String()).Warn("scan cycle stuck, resetting")
			r.reset(now)
		}
	}
}

// submit queues fn, resetting if the queue refuses it. r.mu must be held.
func (r *Receiver) submit(name string, fn func(context.Context), now time.Time) {
	if !r.queue.submit(name, fn) {
		r.reset(now)
	}
}

// current reports whether no reset happened since gen was read.
func (r *Receiver) current(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Receiver) start(gen int) {
	if !r.current(gen) {
		return
	}
	err := r.driver.Scan([]proximity.UUID{proximity.SensorServiceUUID}, r.found)
	if err != nil {
		log.WithError(err).Warn("start scan failed")
		r.advance(gen, ScanStarting, ScanProcessed, r.now())
		return
	}
	r.advance(gen, ScanStarting, ScanStarted, r.now())
}

func (r *Receiver) stop(gen int) {
	if err := r.driver.StopScanning(); err != nil {
		log.WithError(err).Warn("stop scan failed")
	}
	r.advance(gen, ScanStopping, ScanStopped, r.now())
}

func (r *Receiver) processBatch(ctx context.Context, gen int) {
	if !r.current(gen) {
		return
	}
	r.mu.Lock()
	batch := r.results
	r.results = nil
	r.mu.Unlock()

	r.process(ctx, batch)
	r.advance(gen, ScanProcessing, ScanProcessed, r.now())
}
