// Package poller implements C4: drift-free periodic polling for canonical
// record types that have no WebSocket push (funding rate, open interest,
// LSR variants, volatility index), plus REST-based order-book snapshot
// polling for venues whose orderbook.method is "snapshot".
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/metrics"
)

// Job is one scheduled unit of work.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Jitter       time.Duration
	Run          func(ctx context.Context) error

	skippedTicks atomic.Int64
	running      atomic.Bool
}

// SkippedTicks reports how many ticks were dropped because the previous
// tick's work was still in progress (spec §4.4: "ticks are never queued").
func (j *Job) SkippedTicks() int64 { return j.skippedTicks.Load() }

// Scheduler runs a set of Jobs on a drift-free monotonic clock: tick k+1
// is scheduled at tick0 + (k+1)*interval, never now+interval, so a slow
// tick doesn't push every subsequent tick later.
type Scheduler struct {
	Logger zerolog.Logger
}

// Run starts job on the scheduler and blocks until ctx is canceled.
// Multiple jobs are typically each run in their own goroutine by the
// caller (internal/control wires one goroutine per Job).
func (s *Scheduler) Run(ctx context.Context, job *Job) {
	if job.InitialDelay > 0 {
		select {
		case <-time.After(job.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	tick0 := time.Now()
	var k int64

	for {
		next := tick0.Add(time.Duration(k+1) * job.Interval)
		k++

		delay := time.Until(next)
		if delay < 0 {
			delay = 0 // we're already behind; fire immediately, don't accumulate further drift
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if !job.running.CompareAndSwap(false, true) {
			job.skippedTicks.Add(1)
			metrics.PollTicksSkipped.WithLabelValues(job.Name).Inc()
			s.Logger.Warn().Str("job", job.Name).Msg("tick skipped: previous run still in progress")
			continue
		}

		go s.runOnce(ctx, job)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job *Job) {
	defer job.running.Store(false)
	if err := job.Run(ctx); err != nil {
		s.Logger.Error().Err(err).Str("job", job.Name).Msg("job failed")
	}
}
