package busbindings

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Diff is the structured report of one Reconcile pass (spec §4.6: "config
// drift is reported" and this module's own supplemented health-detail
// requirement).
type Diff struct {
	Added     []string
	Changed   []string
	Unchanged []string
}

func (d *Diff) String() string {
	return fmt.Sprintf("added=%v changed=%v unchanged=%v", d.Added, d.Changed, d.Unchanged)
}

// Bindings provisions streams and consumers against a live JetStream
// context, idempotently.
type Bindings struct {
	JS     nats.JetStreamContext
	Logger zerolog.Logger
}

// New constructs Bindings over an already-connected JetStream context.
func New(js nats.JetStreamContext, logger zerolog.Logger) *Bindings {
	return &Bindings{JS: js, Logger: logger}
}

// Reconcile provisions every desired stream and consumer, creating
// whatever is missing and updating whatever has drifted. It never aborts
// startup on drift alone — only a hard provisioning error (e.g. the
// broker rejecting AddStream) is returned.
func (b *Bindings) Reconcile() (Diff, error) {
	var diff Diff

	for _, spec := range DesiredStreams() {
		d, err := b.reconcileStream(spec)
		if err != nil {
			return diff, fmt.Errorf("busbindings: stream %s: %w", spec.Name, err)
		}
		apply(&diff, spec.Name, d)
	}

	for _, spec := range DesiredConsumers() {
		d, err := b.reconcileConsumer(spec)
		if err != nil {
			return diff, fmt.Errorf("busbindings: consumer %s/%s: %w", spec.Stream, spec.Durable, err)
		}
		apply(&diff, spec.Stream+"/"+spec.Durable, d)
	}

	b.Logger.Info().Str("diff", diff.String()).Msg("bus bindings reconciled")
	return diff, nil
}

type driftKind int

const (
	driftNone driftKind = iota
	driftAdded
	driftChanged
)

func apply(diff *Diff, name string, kind driftKind) {
	switch kind {
	case driftAdded:
		diff.Added = append(diff.Added, name)
	case driftChanged:
		diff.Changed = append(diff.Changed, name)
	default:
		diff.Unchanged = append(diff.Unchanged, name)
	}
}

func (b *Bindings) reconcileStream(spec StreamSpec) (driftKind, error) {
	desired := &nats.StreamConfig{
		Name:       spec.Name,
		Subjects:   spec.Subjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     spec.MaxAge,
		Storage:    nats.FileStorage,
		Replicas:   spec.Replicas,
		Discard:    nats.DiscardOld,
		Duplicates: spec.DedupWindow,
	}

	existing, err := b.JS.StreamInfo(spec.Name)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, err := b.JS.AddStream(desired); err != nil {
				return driftNone, fmt.Errorf("add stream: %w", err)
			}
			return driftAdded, nil
		}
		return driftNone, fmt.Errorf("stream info: %w", err)
	}

	if streamDrifted(existing.Config, desired) {
		// Never apply a desired dedup window below minDedupWindow; a
		// desired window at or above it is applied as is, wider or
		// narrower than the existing one.
		if desired.Duplicates < minDedupWindow {
			desired.Duplicates = existing.Config.Duplicates
		}
		if _, err := b.JS.UpdateStream(desired); err != nil {
			return driftNone, fmt.Errorf("update stream: %w", err)
		}
		return driftChanged, nil
	}
	return driftNone, nil
}

func streamDrifted(existing, desired *nats.StreamConfig) bool {
	if existing.MaxAge != desired.MaxAge {
		return true
	}
	if existing.Duplicates != desired.Duplicates {
		return true
	}
	if !sameSubjects(existing.Subjects, desired.Subjects) {
		return true
	}
	return false
}

func sameSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

func (b *Bindings) reconcileConsumer(spec ConsumerSpec) (driftKind, error) {
	desired := &nats.ConsumerConfig{
		Durable:       spec.Durable,
		FilterSubject: spec.FilterSubject,
		DeliverPolicy: nats.DeliverLastPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       spec.AckWait,
		MaxDeliver:    spec.MaxDeliver,
		MaxAckPending: spec.MaxAckPending,
	}

	existing, err := b.JS.ConsumerInfo(spec.Stream, spec.Durable)
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) {
			if _, err := b.JS.AddConsumer(spec.Stream, desired); err != nil {
				return driftNone, fmt.Errorf("add consumer: %w", err)
			}
			return driftAdded, nil
		}
		return driftNone, fmt.Errorf("consumer info: %w", err)
	}

	if consumerDrifted(existing.Config, *desired) {
		if _, err := b.JS.UpdateConsumer(spec.Stream, desired); err != nil {
			return driftNone, fmt.Errorf("update consumer: %w", err)
		}
		return driftChanged, nil
	}
	return driftNone, nil
}

func consumerDrifted(existing, desired nats.ConsumerConfig) bool {
	return existing.AckWait != desired.AckWait ||
		existing.MaxDeliver != desired.MaxDeliver ||
		existing.MaxAckPending != desired.MaxAckPending ||
		existing.FilterSubject != desired.FilterSubject
}
