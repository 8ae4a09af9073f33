package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/marketdata-platform/ingest/internal/metrics"
)

// Backoff is the exponential reconnect delay schedule from spec §4.1:
// base 1s, doubling, capped at 300s, with full jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	factor float64
	mu     sync.Mutex
	streak int
}

// NewBackoff returns the default session backoff (1s base, 300s cap).
func NewBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 300 * time.Second, factor: 2}
}

// Next returns the next delay and advances the streak counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := time.Duration(float64(b.Base) * pow(b.factor, b.streak))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.streak++
	jittered := time.Duration(rand.Int63n(int64(d) + 1))
	return jittered
}

// Reset clears the streak after a successful connection outlives one
// inactivity window, so a later failure starts back at the base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
}

func errorType(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, errTransient):
		return "transient_network"
	default:
		return "other"
	}
}

func pow(base float64, exp int) float64 {
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// Manager runs one Session with reconnects and circuit breaking around each
// connection attempt, per spec §4.1. It does not reconnect proactively
// before a venue's forced-disconnect age: Run never consults
// ShouldProactivelyReconnect or SmoothSwitch, so a session runs until the
// venue or the network ends it. The control plane runs one per venue.
type Manager struct {
	NewSession func() *Session // constructs a fresh Session (new conn, same handlers)
	Logger     zerolog.Logger

	backoff *Backoff
	breaker *gobreaker.CircuitBreaker
}

// NewManager builds a Manager with the default backoff and a circuit
// breaker around each whole connection attempt (dial, subscribe and the
// session's lifetime). Connect returns an error whenever a session ends, so
// every ended session counts as a failure; the breaker opens after 3
// consecutive failures or a >5% failure rate over at least 20 attempts,
// with counts cleared every 60s while closed, matching the
// sawpanic-cryptorun breaker shape reused across this codebase.
func NewManager(venue string, newSession func() *Session, logger zerolog.Logger) *Manager {
	settings := gobreaker.Settings{
		Name:     venue,
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
	}
	return &Manager{
		NewSession: newSession,
		Logger:     logger,
		backoff:    NewBackoff(),
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Run connects and reconnects until ctx is canceled. Each connection
// attempt goes through the circuit breaker; a healthy connection that
// survives at least one full inactivity window resets the backoff streak.
func (m *Manager) Run(ctx context.Context) error {
	first := true
	for ctx.Err() == nil {
		sess := m.NewSession()
		connectedAt := time.Now()

		if !first {
			metrics.RecordReconnect(sess.Venue)
		}
		first = false

		_, err := m.breaker.Execute(func() (any, error) {
			return nil, sess.Connect(ctx)
		})
		metrics.RecordConnectionStatus(sess.Venue, false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			metrics.RecordConnectionError(sess.Venue, errorType(err))
			if time.Since(connectedAt) > sess.Policy.InactivityTimeout {
				m.backoff.Reset()
			}
		}

		m.Logger.Warn().Err(err).Str("venue", sess.Venue).Msg("session ended, reconnecting")

		delay := m.backoff.Next()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return ctx.Err()
}

// ShouldProactivelyReconnect reports whether sess has reached the point in
// its forced-disconnect-age window where a smooth reconnect should start,
// per the per-venue Policy.ProactiveReconnectBefore margin.
func ShouldProactivelyReconnect(sess *Session) bool {
	if sess.Policy.ForcedDisconnectAge == 0 {
		return false
	}
	threshold := sess.Policy.ForcedDisconnectAge - sess.Policy.ProactiveReconnectBefore
	return sess.Age() >= threshold
}
