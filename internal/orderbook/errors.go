package orderbook

import "errors"

var (
	// ErrResyncRequired signals a snapshot's buffered-delta bridge failed
	// and a rebuild should be triggered instead of trusting the snapshot.
	ErrResyncRequired = errors.New("orderbook: snapshot does not bridge buffered deltas")

	// ErrSequenceGap signals a delta's prev_last_update_id didn't chain
	// from the book's current last_update_id.
	ErrSequenceGap = errors.New("orderbook: sequence gap")

	// ErrDuplicateUpdate signals a delta that's already been applied
	// (re-delivery); callers should silently ignore it, not treat it as
	// an error condition.
	ErrDuplicateUpdate = errors.New("orderbook: duplicate update")

	// ErrNotSynced signals ApplyDelta was called before the book reached
	// SYNCED.
	ErrNotSynced = errors.New("orderbook: not synced")

	// ErrQuarantined signals the rebuild cap was exceeded; the symbol
	// must be manually re-enabled.
	ErrQuarantined = errors.New("orderbook: quarantined after exceeding rebuild cap")
)
