// Package engine runs the proximity exchange: the scan and advertise duty
// cycles, the connection orchestrator and the local GATT service.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/peer"
)

var log = logrus.WithField("component", "engine")

// ErrRunning is returned by Start on a running engine.
var ErrRunning = errors.New("engine: already running")

// An Engine drives one platform radio.
type Engine struct {
	driver   proximity.Driver
	cfg      Config
	now      func() time.Time
	registry *peer.Registry
	filter   *peer.Filter
	pipeline Saver
	payload  PayloadFunc
	name     string

	transport    Transport
	caps         proximity.Capabilities
	queue        *taskQueue
	orchestrator *Orchestrator
	receiver     *Receiver
	transmitter  *Transmitter
	server       *Server

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an engine for d. Completed exchanges are passed to p and
// payload supplies the local identity payload.
func New(d proximity.Driver, p Saver, payload PayloadFunc, opts ...Option) *Engine {
	e := &Engine{
		driver:   d,
		cfg:      DefaultConfig(),
		now:      time.Now,
		filter:   peer.DefaultFilter(),
		pipeline: p,
		payload:  payload,
	}
	e.Option(opts...)
	return e
}

// Option sets the options specified and returns an option that restores
// the last one's previous value. Options take effect on the next Start.
func (e *Engine) Option(opts ...Option) (prev Option) {
	for _, opt := range opts {
		prev = opt(e)
	}
	return prev
}

// Start queries the radio capabilities, publishes the sensor service and
// starts the duty cycles.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrRunning
	}
	if e.registry == nil {
		e.registry = peer.NewRegistry(peer.WithClock(e.now))
	}
	ctx, cancel := context.WithCancel(ctx)

	e.transport, e.caps = negotiate(e.driver)
	log.WithFields(logrus.Fields{"transport": e.transport.String(), "advertise": e.caps.Advertise}).Info("radio capabilities")

	e.queue = newTaskQueue(e.cfg.QueueSize)
	e.orchestrator = newOrchestrator(e)
	e.receiver = newReceiver(e.cfg, e.now, e.driver, e.queue, e.orchestrator.Process)
	e.transmitter = newTransmitter(e.cfg, e.now, e.driver, e.queue, e.caps.Advertise, e.name)
	e.server = newServer(ctx, e.registry, e.pipeline, e.payload, e.now)
	if err := e.driver.Serve([]*proximity.Service{e.server.Service()}); err != nil {
		log.WithError(err).Warn("serving sensor service failed")
	}

	e.queue.start(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	e.tick(e.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.tick(e.now())
		}
	}
}

func (e *Engine) tick(now time.Time) {
	powered := e.driver.State() == proximity.StatePoweredOn
	e.receiver.tick(now, powered)
	e.transmitter.tick(now, powered)
}

// Stop halts the duty cycles and the radio and forgets every peer.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.queue.close()
	if err := e.driver.StopScanning(); err != nil {
		log.WithError(err).Debug("stop scanning")
	}
	if err := e.driver.StopAdvertising(); err != nil {
		log.WithError(err).Debug("stop advertising")
	}
	e.registry.Clear()
	log.Info("stopped")
}

// Registry returns the peer registry.
func (e *Engine) Registry() *peer.Registry {
	return e.registry
}

// Transport returns the negotiated transport. It is valid after Start.
func (e *Engine) Transport() Transport {
	return e.transport
}

// Orchestrator returns the orchestrator. It is valid after Start.
func (e *Engine) Orchestrator() *Orchestrator {
	return e.orchestrator
}

// ScanState returns the state of the scan cycle, ScanProcessed before
// Start.
func (e *Engine) ScanState() ScanState {
	e.mu.Lock()
	r := e.receiver
	e.mu.Unlock()
	if r == nil {
		return ScanProcessed
	}
	return r.State()
}

// AdvertState returns the state of the advertise cycle, AdvertStopped
// before Start.
func (e *Engine) AdvertState() AdvertState {
	e.mu.Lock()
	t := e.transmitter
	e.mu.Unlock()
	if t == nil {
		return AdvertStopped
	}
	return t.State()
}
