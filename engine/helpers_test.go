package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/encounter"
	"github.com/XC-/proximity/peer"
)

var t0 = time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// saver records every exchange it is given.
type saver struct {
	mu sync.Mutex
	xs []encounter.Exchange
}

func (s *saver) Save(_ context.Context, x encounter.Exchange) (*encounter.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xs = append(s.xs, x)
	return &encounter.Record{}, nil
}

func (s *saver) exchanges() []encounter.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]encounter.Exchange(nil), s.xs...)
}

func identity(t *testing.T, msg string) PayloadFunc {
	b, err := encounter.EncodeIdentity(1, "AU_DTA", msg, "sim")
	if err != nil {
		t.Fatal(err)
	}
	return func() []byte { return b }
}

// fastConfig shrinks every timing so a whole exchange runs in
// milliseconds.
func fastConfig() Config {
	c := DefaultConfig()
	c.ScanOn = 30 * time.Millisecond
	c.ScanRest = 5 * time.Millisecond
	c.ScanOff = 5 * time.Millisecond
	c.ProcessingBudget = 2 * time.Second
	c.AdvertOff = 5 * time.Millisecond
	c.ConnectTimeout = 200 * time.Millisecond
	c.PollInterval = 2 * time.Millisecond
	c.TickInterval = 5 * time.Millisecond
	return c
}

func newTestOrchestrator(d proximity.Driver, s Saver, payload PayloadFunc, cfg Config, opts ...Option) *Orchestrator {
	e := New(d, s, payload, append([]Option{WithConfig(cfg)}, opts...)...)
	if e.registry == nil {
		e.registry = peer.NewRegistry(peer.WithClock(e.now))
	}
	e.transport, e.caps = negotiate(d)
	return newOrchestrator(e)
}

// drain runs every queued radio operation.
func drain(q *taskQueue) {
	for {
		select {
		case op := <-q.ops:
			op.fn(context.Background())
		default:
			return
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
