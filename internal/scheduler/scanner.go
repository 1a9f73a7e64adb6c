// Package scheduler drives the two background loops the cache and
// senders need: a cron-triggered scanner pass and a cooperative worker
// pool that ticks listener senders on their own reschedule cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scanner periodically invokes a cache's maintenance pass on a coarse,
// seconds-resolution cron schedule, and drives a final zero-time pass on
// shutdown to drain the cache to just its sentinel.
type Scanner struct {
	mu     sync.Mutex
	cron   *cron.Cron
	logger *slog.Logger
	scan   func(time.Time)
	entry  cron.EntryID
}

// NewScanner builds a Scanner that invokes scan on the given cron
// expression, parsed with seconds resolution so sub-minute intervals
// (the normal case for a coarse reap interval measured in seconds) are
// expressible.
func NewScanner(cronExpr string, logger *slog.Logger, scan func(time.Time)) (*Scanner, error) {
	c := cron.New(cron.WithSeconds())
	s := &Scanner{cron: c, logger: logger, scan: scan}

	id, err := c.AddFunc(cronExpr, func() {
		s.logger.Debug("scan tick")
		s.scan(time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid scan schedule %q: %w", cronExpr, err)
	}
	s.entry = id
	return s, nil
}

// Start begins running the scanner in the background.
func (s *Scanner) Start() {
	s.cron.Start()
	s.logger.Info("scanner started", slog.Any("entry", s.entry))
}

// Stop halts the cron driver and blocks until any in-flight scan
// completes, then runs a final shutdown-wide pass with a zero time so
// every listener-less handle is forced to expire immediately.
func (s *Scanner) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.logger.Info("scanner stopped, running shutdown drain pass")
	s.scan(time.Time{})
}
