package busbindings

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestDesiredStreamsCoverBothStreams(t *testing.T) {
	streams := DesiredStreams()
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}
	byName := make(map[string]StreamSpec, len(streams))
	for _, s := range streams {
		byName[s.Name] = s
	}
	md, ok := byName["MARKET_DATA"]
	if !ok {
		t.Fatalf("missing MARKET_DATA stream")
	}
	if md.MaxAge != 48*time.Hour || md.DedupWindow != 120*time.Second {
		t.Fatalf("MARKET_DATA retention/dedup = %v/%v, want 48h/120s", md.MaxAge, md.DedupWindow)
	}
	snap, ok := byName["ORDERBOOK_SNAP"]
	if !ok {
		t.Fatalf("missing ORDERBOOK_SNAP stream")
	}
	if snap.MaxAge != 24*time.Hour || snap.DedupWindow != 60*time.Second {
		t.Fatalf("ORDERBOOK_SNAP retention/dedup = %v/%v, want 24h/60s", snap.MaxAge, snap.DedupWindow)
	}
}

func TestDesiredConsumersCoverEveryTableMapEntry(t *testing.T) {
	consumers := DesiredConsumers()
	wantTables := []string{
		"trades", "funding_rates", "liquidations", "open_interests",
		"lsr_top_positions", "lsr_all_accounts", "volatility_indices", "orderbooks",
		"orderbook_snapshots",
	}
	gotTables := make(map[string]bool, len(consumers))
	for _, c := range consumers {
		gotTables[c.Table] = true
		if c.AckWait != DefaultAckWait || c.MaxDeliver != DefaultMaxDeliver || c.MaxAckPending != DefaultMaxAckPending {
			t.Fatalf("consumer %s has non-default ack settings: %+v", c.Durable, c)
		}
	}
	for _, want := range wantTables {
		if !gotTables[want] {
			t.Fatalf("missing consumer for table %q", want)
		}
	}
}

func TestStreamDriftedDetectsMaxAgeAndDedupChanges(t *testing.T) {
	base := &nats.StreamConfig{Name: "X", Subjects: []string{"a.>"}, MaxAge: time.Hour, Duplicates: 30 * time.Second}
	same := &nats.StreamConfig{Name: "X", Subjects: []string{"a.>"}, MaxAge: time.Hour, Duplicates: 30 * time.Second}
	if streamDrifted(base, same) {
		t.Fatalf("identical configs should not be drifted")
	}
	changedAge := &nats.StreamConfig{Name: "X", Subjects: []string{"a.>"}, MaxAge: 2 * time.Hour, Duplicates: 30 * time.Second}
	if !streamDrifted(base, changedAge) {
		t.Fatalf("expected drift on MaxAge change")
	}
	changedDedup := &nats.StreamConfig{Name: "X", Subjects: []string{"a.>"}, MaxAge: time.Hour, Duplicates: 90 * time.Second}
	if !streamDrifted(base, changedDedup) {
		t.Fatalf("expected drift on Duplicates change")
	}
}

func TestSameSubjectsIgnoresOrder(t *testing.T) {
	if !sameSubjects([]string{"a.>", "b.>"}, []string{"b.>", "a.>"}) {
		t.Fatalf("expected order-independent equality")
	}
	if sameSubjects([]string{"a.>"}, []string{"a.>", "b.>"}) {
		t.Fatalf("expected length mismatch to be detected as drift")
	}
}

func TestConsumerDriftedDetectsAckSettingChanges(t *testing.T) {
	base := nats.ConsumerConfig{FilterSubject: "trade.>", AckWait: DefaultAckWait, MaxDeliver: DefaultMaxDeliver, MaxAckPending: DefaultMaxAckPending}
	same := base
	if consumerDrifted(base, same) {
		t.Fatalf("identical configs should not be drifted")
	}
	changed := base
	changed.MaxDeliver = 5
	if !consumerDrifted(base, changed) {
		t.Fatalf("expected drift on MaxDeliver change")
	}
}

func TestDiffApplyBucketsByDriftKind(t *testing.T) {
	var d Diff
	apply(&d, "a", driftAdded)
	apply(&d, "b", driftChanged)
	apply(&d, "c", driftNone)
	if len(d.Added) != 1 || d.Added[0] != "a" {
		t.Fatalf("added = %v", d.Added)
	}
	if len(d.Changed) != 1 || d.Changed[0] != "b" {
		t.Fatalf("changed = %v", d.Changed)
	}
	if len(d.Unchanged) != 1 || d.Unchanged[0] != "c" {
		t.Fatalf("unchanged = %v", d.Unchanged)
	}
}
