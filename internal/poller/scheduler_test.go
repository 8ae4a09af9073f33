package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestSchedulerFiresOnMonotonicGrid is property P8: successive ticks land
// on tick0+k*interval regardless of how long individual runs take, so
// scheduling never drifts forward from accumulated per-tick overhead.
func TestSchedulerFiresOnMonotonicGrid(t *testing.T) {
	var ticks atomic.Int64
	start := time.Now()
	var fireTimes []time.Duration

	job := &Job{
		Name:     "grid",
		Interval: 30 * time.Millisecond,
		Run: func(ctx context.Context) error {
			ticks.Add(1)
			fireTimes = append(fireTimes, time.Since(start))
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 140*time.Millisecond)
	defer cancel()

	s := &Scheduler{Logger: zerolog.Nop()}
	s.Run(ctx, job)

	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks in window, got %d", ticks.Load())
	}
	for i, ft := range fireTimes {
		want := time.Duration(i+1) * job.Interval
		drift := ft - want
		if drift < 0 {
			drift = -drift
		}
		if drift > 20*time.Millisecond {
			t.Fatalf("tick %d fired at %v, want near %v (drift %v)", i, ft, want, drift)
		}
	}
}

// TestSchedulerSkipsTickWhenPreviousStillRunning verifies the
// skipped_ticks counter increments instead of queuing overlapping runs.
func TestSchedulerSkipsTickWhenPreviousStillRunning(t *testing.T) {
	var running atomic.Bool
	release := make(chan struct{})

	job := &Job{
		Name:     "slow",
		Interval: 15 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if running.CompareAndSwap(false, true) {
				<-release
				running.Store(false)
			}
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	s := &Scheduler{Logger: zerolog.Nop()}
	done := make(chan struct{})
	go func() {
		s.Run(ctx, job)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	close(release)
	<-done

	if job.SkippedTicks() == 0 {
		t.Fatalf("expected at least one skipped tick while the first run was blocked")
	}
}
