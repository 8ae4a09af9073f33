package session

import (
	"container/ring"
	"context"
	"crypto/sha1"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRingSize    = 1000
	defaultOverlap     = 2 * time.Second
	maxDualConnDuration = 30 * time.Second
)

// dedupRing is a fixed-size ring of recently-seen frame fingerprints, used
// during a smooth reconnect's overlap window so a frame delivered by both
// the outgoing and incoming connection is forwarded only once.
type dedupRing struct {
	mu   sync.Mutex
	r    *ring.Ring
	seen map[[20]byte]struct{}
}

func newDedupRing(size int) *dedupRing {
	if size <= 0 {
		size = defaultRingSize
	}
	return &dedupRing{r: ring.New(size), seen: make(map[[20]byte]struct{}, size)}
}

func fingerprint(payload []byte) [20]byte {
	return sha1.Sum(payload)
}

// seenBefore reports whether payload's fingerprint was already delivered,
// recording it if not. The ring evicts the oldest fingerprint once full.
func (d *dedupRing) seenBefore(payload []byte) bool {
	fp := fingerprint(payload)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return true
	}
	if old, ok := d.r.Value.([20]byte); ok {
		delete(d.seen, old)
	}
	d.r.Value = fp
	d.r = d.r.Next()
	d.seen[fp] = struct{}{}
	return false
}

// SmoothSwitch runs a proactive dual-connection reconnect (spec §4.1.1):
// it opens a new Session alongside the still-live old one, lets both
// deliver frames deduped through a shared ring for an overlap window, then
// atomically promotes the new connection and closes the old one. Downstream
// frame consumers never observe a gap or a duplicate across the swap.
func SmoothSwitch(ctx context.Context, old *Session, newSess *Session, onFrame func(Frame), logger zerolog.Logger) error {
	ring := newDedupRing(defaultRingSize)

	origOldHandler := old.Handler.OnFrame
	old.mu.Lock()
	old.Handler.OnFrame = func(f Frame) {
		if !ring.seenBefore(f.Payload) {
			onFrame(f)
		}
	}
	old.mu.Unlock()
	defer func() {
		if origOldHandler != nil {
			_ = origOldHandler // old connection is closed below; handler no longer fires
		}
	}()

	newSess.Handler.OnFrame = func(f Frame) {
		if !ring.seenBefore(f.Payload) {
			onFrame(f)
		}
	}

	// The new session runs on ctx itself so that it outlives this call once
	// promoted.
	connErrCh := make(chan error, 1)
	go func() { connErrCh <- newSess.Connect(ctx) }()

	// Keep both connections delivering for the overlap window. If the new
	// session's Connect returns first, the old one stays primary; otherwise
	// the new one is promoted when the window ends.
	deadline := time.NewTimer(maxDualConnDuration)
	defer deadline.Stop()
	overlapTimer := time.NewTimer(defaultOverlap)
	defer overlapTimer.Stop()

	select {
	case err := <-connErrCh:
		return err // new session failed to connect at all; old stays primary
	case <-overlapTimer.C:
	case <-deadline.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Info().Str("venue", old.Venue).Msg("smooth reconnect: promoting new connection")
	old.Close()
	return nil
}
