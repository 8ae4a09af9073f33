package busbindings

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/marketdata-platform/ingest/internal/xerrors"
)

// Client implements publisher.Bus over a live NATS connection + JetStream
// context. PublishDurable goes through JetStream (acked, retried by the
// broker per stream config); PublishBestEffort is a core NATS publish
// with no delivery guarantee, matching spec §4.5's two bus modes.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// NewClient wraps an already-connected *nats.Conn and its JetStream
// context.
func NewClient(conn *nats.Conn, js nats.JetStreamContext) *Client {
	return &Client{Conn: conn, JS: js}
}

// PublishDurable publishes via JetStream and blocks for the broker's ack.
func (c *Client) PublishDurable(ctx context.Context, subject string, payload []byte) error {
	_, err := c.JS.Publish(subject, payload, nats.Context(ctx))
	if err == nil {
		return nil
	}
	return xerrors.NewBusError(err, isRetryableNATSError(err))
}

// PublishBestEffort fires a core NATS publish with no ack and no retry.
func (c *Client) PublishBestEffort(subject string, payload []byte) error {
	if err := c.Conn.Publish(subject, payload); err != nil {
		return xerrors.NewBusError(err, isRetryableNATSError(err))
	}
	return nil
}

// isRetryableNATSError distinguishes a transient broker/connection
// problem (retryable) from a malformed-request class error (permanent),
// per spec §4.5's "payload too large, malformed subject" examples of
// permanent failures.
func isRetryableNATSError(err error) bool {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrInvalidSubject):
		return false
	default:
		return true
	}
}
