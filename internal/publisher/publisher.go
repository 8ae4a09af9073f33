package publisher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/connector"
	"github.com/marketdata-platform/ingest/internal/xerrors"
)

// Bus is the publish-side surface the bus client (C6's JetStream wiring)
// must provide. Publisher depends only on this narrow interface so it can
// be tested against a fake without a live NATS server.
type Bus interface {
	// PublishDurable publishes via the JetStream API and blocks until the
	// broker acks (or ctx expires).
	PublishDurable(ctx context.Context, subject string, payload []byte) error
	// PublishBestEffort publishes via core NATS with no delivery guarantee.
	PublishBestEffort(subject string, payload []byte) error
}

const defaultMaxPublishRetries = 3

// Publisher drains one or more session Queues and forwards items to Bus,
// retrying transient failures with bounded backoff and dropping permanent
// ones with a counter (spec §4.5).
type Publisher struct {
	Bus               Bus
	Logger            zerolog.Logger
	MaxPublishRetries int
	RetryBaseDelay    time.Duration

	droppedPermanent atomic.Int64
	encodeErrors     atomic.Int64
}

// NewPublisher constructs a Publisher with spec-default retry settings.
func NewPublisher(bus Bus, logger zerolog.Logger) *Publisher {
	return &Publisher{
		Bus:               bus,
		Logger:            logger,
		MaxPublishRetries: defaultMaxPublishRetries,
		RetryBaseDelay:    200 * time.Millisecond,
	}
}

// Enqueue encodes e and places it on q, applying backpressure per its
// data type. A malformed or oversized record is a permanent failure: it
// is counted and dropped without ever reaching the queue.
func (p *Publisher) Enqueue(ctx context.Context, q *Queue, e connector.Event) error {
	item, err := BuildItem(e)
	if err != nil {
		p.encodeErrors.Add(1)
		p.Logger.Error().Err(err).Msg("dropping record: encode failed")
		return nil
	}
	return q.Enqueue(ctx, item)
}

// Drain pulls items off q and publishes them until ctx is canceled.
func (p *Publisher) Drain(ctx context.Context, q *Queue) {
	for {
		item, ok := q.Dequeue(ctx)
		if !ok {
			return
		}
		p.publish(ctx, item)
	}
}

func (p *Publisher) publish(ctx context.Context, item QueueItem) {
	var lastErr error
	for attempt := 0; attempt <= p.MaxPublishRetries; attempt++ {
		var err error
		if item.Mode == DeliveryDurable {
			err = p.Bus.PublishDurable(ctx, item.Subject, item.Payload)
		} else {
			err = p.Bus.PublishBestEffort(item.Subject, item.Payload)
		}
		if err == nil {
			return
		}
		lastErr = err
		if !xerrors.IsRetryable(err) {
			p.droppedPermanent.Add(1)
			p.Logger.Error().Err(err).Str("subject", item.Subject).Msg("dropping record: permanent publish failure")
			return
		}
		if attempt == p.MaxPublishRetries {
			break
		}
		delay := p.RetryBaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	p.droppedPermanent.Add(1)
	p.Logger.Error().Err(lastErr).Str("subject", item.Subject).Msg("dropping record: publish retries exhausted")
}

// EncodeErrors reports how many records were dropped at encode time.
func (p *Publisher) EncodeErrors() int64 { return p.encodeErrors.Load() }

// DroppedPermanent reports how many records were dropped after a
// non-retryable or retry-exhausted publish failure.
func (p *Publisher) DroppedPermanent() int64 { return p.droppedPermanent.Load() }
