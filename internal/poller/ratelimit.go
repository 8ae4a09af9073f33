package poller

import (
	"sync"

	"golang.org/x/time/rate"
)

// VenueBudget is the declared REST request budget for one venue, shared
// by every job polling that venue across all of its symbols.
type VenueBudget struct {
	RequestsPerSecond float64
	Burst             int
}

// Default budgets, conservative relative to each venue's documented REST
// weight limits (spec §4.4: "each venue has a declared budget").
var defaultBudgets = map[string]VenueBudget{
	"binance_spot":        {RequestsPerSecond: 15, Burst: 20},
	"binance_derivatives": {RequestsPerSecond: 15, Burst: 20},
	"okx_spot":            {RequestsPerSecond: 10, Burst: 15},
	"okx_derivatives":     {RequestsPerSecond: 10, Burst: 15},
	"deribit_derivatives": {RequestsPerSecond: 10, Burst: 15},
}

// Limiters holds one token bucket per venue, shared across every poller
// job and every symbol for that venue.
type Limiters struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	budgets  map[string]VenueBudget
}

func NewLimiters() *Limiters {
	return &Limiters{
		buckets: make(map[string]*rate.Limiter),
		budgets: defaultBudgets,
	}
}

// SetBudget overrides the default budget for a venue, used when config
// supplies venue-specific rate limits.
func (l *Limiters) SetBudget(venue string, budget VenueBudget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[venue] = budget
	delete(l.buckets, venue) // force recreation with the new budget
}

func (l *Limiters) bucket(venue string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[venue]; ok {
		return b
	}
	budget, ok := l.budgets[venue]
	if !ok {
		budget = VenueBudget{RequestsPerSecond: 5, Burst: 5}
	}
	b := rate.NewLimiter(rate.Limit(budget.RequestsPerSecond), budget.Burst)
	l.buckets[venue] = b
	return b
}

// Allow reports whether a request for venue may proceed right now,
// without blocking. A job that cannot acquire a token skips this tick
// for that venue rather than waiting (spec §4.4: "requests that cannot
// acquire a token in time are skipped for the tick").
func (l *Limiters) Allow(venue string) bool {
	return l.bucket(venue).Allow()
}
