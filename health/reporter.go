package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// A Messenger delivers reports to the backend messaging collaborator.
type Messenger interface {
	Send(ctx context.Context, r Report) error
}

// LogMessenger writes reports to the log.
type LogMessenger struct{}

func (LogMessenger) Send(_ context.Context, r Report) error {
	log.WithFields(logrus.Fields{
		"status":     r.Status.String(),
		"bluetooth":  r.Flags.Bluetooth,
		"battery":    r.Flags.BatteryOptimisation,
		"location":   r.Flags.Location,
		"lastRecord": r.LastRecord,
		"reasons":    r.Reasons,
	}).Info("health report")
	return nil
}

// A Reporter runs a Checker periodically and sends each report.
type Reporter struct {
	checker  *Checker
	m        Messenger
	interval time.Duration
}

// NewReporter returns a Reporter. A non-positive interval means
// DefaultInterval.
func NewReporter(c *Checker, m Messenger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{checker: c, m: m, interval: interval}
}

// Run reports once immediately and then every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		r.report(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	rep, err := r.checker.Check(ctx)
	if err != nil {
		log.WithError(err).Error("health check failed")
		return
	}
	if err := r.m.Send(ctx, rep); err != nil {
		log.WithError(err).Warn("sending health report failed")
	}
}
