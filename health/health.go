// Package health computes the aggregate self-check status of the engine
// and reports it periodically.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/proximity/encounter"
)

var log = logrus.WithField("component", "health")

// DefaultFreshness is how recent the newest record must be.
const DefaultFreshness = 24 * time.Hour

// DefaultInterval is the reporting period of a Reporter.
const DefaultInterval = 15 * time.Minute

// Flags is the device configuration that affects detection.
type Flags struct {
	Bluetooth           bool `json:"bluetooth"`
	BatteryOptimisation bool `json:"batteryOptimisation"`
	Location            bool `json:"location"`
}

// A FlagSource reports the current device configuration.
type FlagSource interface {
	Flags(ctx context.Context) Flags
}

// FlagFunc adapts a function to a FlagSource.
type FlagFunc func(ctx context.Context) Flags

func (f FlagFunc) Flags(ctx context.Context) Flags {
	return f(ctx)
}

// Status is the aggregate health signal.
type Status int

const (
	StatusHealthy Status = iota
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// A Report is one self-check result.
type Report struct {
	Status     Status    `json:"status"`
	Flags      Flags     `json:"flags"`
	LastRecord time.Time `json:"lastRecord,omitempty"`
	Fresh      bool      `json:"fresh"`
	Reasons    []string  `json:"reasons,omitempty"`
	Checked    time.Time `json:"checked"`
}

// A Checker derives a Report from device flags and record freshness.
type Checker struct {
	flags     FlagSource
	store     encounter.Store
	freshness time.Duration
	now       func() time.Time
}

// An Option configures a Checker.
type Option func(*Checker)

// WithFreshness sets how recent the newest record must be.
func WithFreshness(d time.Duration) Option {
	return func(c *Checker) { c.freshness = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker returns a Checker.
func NewChecker(flags FlagSource, s encounter.Store, opts ...Option) *Checker {
	c := &Checker{flags: flags, store: s, freshness: DefaultFreshness, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check computes the current Report. Battery optimisation being enabled
// counts against health.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	now := c.now()
	r := Report{Flags: c.flags.Flags(ctx), Checked: now}
	if !r.Flags.Bluetooth {
		r.Reasons = append(r.Reasons, "bluetooth off")
	}
	if r.Flags.BatteryOptimisation {
		r.Reasons = append(r.Reasons, "battery optimisation on")
	}
	if !r.Flags.Location {
		r.Reasons = append(r.Reasons, "location off")
	}
	rec, err := c.store.MostRecent(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("health: most recent record: %w", err)
	}
	if rec != nil {
		r.LastRecord = rec.Timestamp
		r.Fresh = now.Sub(rec.Timestamp) <= c.freshness
	}
	if !r.Fresh {
		r.Reasons = append(r.Reasons, "no recent encounters")
	}
	if len(r.Reasons) > 0 {
		r.Status = StatusUnhealthy
	}
	return r, nil
}
