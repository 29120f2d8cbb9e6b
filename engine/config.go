package engine

import (
	"time"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/peer"
)

// Config carries the timing constants of the engine.
type Config struct {
	// Scan duty cycle.
	ScanOn           time.Duration
	ScanRest         time.Duration
	ScanOff          time.Duration
	ProcessingBudget time.Duration

	// Advertise duty cycle.
	AdvertOn  time.Duration
	AdvertOff time.Duration

	// Connection limits.
	ConnectTimeout   time.Duration
	ConnectedTimeout time.Duration
	PollInterval     time.Duration

	// Payload freshness and write fallback rates.
	PayloadRefresh       time.Duration
	PayloadWriteInterval time.Duration
	SignalWriteInterval  time.Duration

	IgnoreFor time.Duration
	Expiry    time.Duration

	MTU          int
	QueueSize    int
	TickInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ScanOn:               4 * time.Second,
		ScanRest:             time.Second,
		ScanOff:              2 * time.Second,
		ProcessingBudget:     time.Minute,
		AdvertOn:             15 * time.Minute,
		AdvertOff:            4 * time.Second,
		ConnectTimeout:       12 * time.Second,
		ConnectedTimeout:     time.Minute,
		PollInterval:         200 * time.Millisecond,
		PayloadRefresh:       5 * time.Minute,
		PayloadWriteInterval: 5 * time.Minute,
		SignalWriteInterval:  15 * time.Second,
		IgnoreFor:            peer.DefaultIgnore,
		Expiry:               peer.DefaultExpiry,
		MTU:                  proximity.DefaultMTU,
		QueueSize:            64,
		TickInterval:         time.Second,
	}
}

// An Option sets an engine option. It returns an option that restores the
// previous value.
type Option func(*Engine) Option

// WithConfig replaces the timing configuration.
func WithConfig(c Config) Option {
	return func(e *Engine) Option {
		prev := e.cfg
		e.cfg = c
		return WithConfig(prev)
	}
}

// WithClock sets the time source used for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) Option {
		prev := e.now
		e.now = now
		return WithClock(prev)
	}
}

// WithRegistry shares an existing peer registry.
func WithRegistry(r *peer.Registry) Option {
	return func(e *Engine) Option {
		prev := e.registry
		e.registry = r
		return WithRegistry(prev)
	}
}

// WithFilter replaces the Apple advertisement deny-list.
func WithFilter(f *peer.Filter) Option {
	return func(e *Engine) Option {
		prev := e.filter
		e.filter = f
		return WithFilter(prev)
	}
}

// WithScanResponseName sets the local name sent in scan responses. An empty
// name sends no scan response.
func WithScanResponseName(name string) Option {
	return func(e *Engine) Option {
		prev := e.name
		e.name = name
		return WithScanResponseName(prev)
	}
}
