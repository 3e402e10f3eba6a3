package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/store"
)

func newTestEngine(t *testing.T, d Deliverer) *Engine {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := BackoffConfig{BaseDelay: time.Second, Cap: 3, MaxAttempts: 3}
	return NewEngine(fs, coord.Local(), d, cfg, "https://alerts.example.com/dead-letter", "alert-secret")
}

func baseEntry(key string) Entry {
	return Entry{
		TenantID:       "tenant_a",
		Token:          "ml_abc",
		Provider:       ProviderWebhook,
		Event:          "verification.completed",
		URL:            "https://tenant.example.com/hook",
		BodyCanonical:  []byte(`{"hello":"world"}`),
		IdempotencyKey: key,
		Secret:         "whsec",
		DeliveryMode:   ModeWebhook,
	}
}

func TestEnqueue_CoalescesOnIdempotencyKey(t *testing.T) {
	e := newTestEngine(t, &FixtureDeliverer{})
	now := time.Unix(1000, 0)

	first, err := e.Enqueue(baseEntry("k1"), now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Enqueue(baseEntry("k1"), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if second.EntryID != first.EntryID {
		t.Fatalf("expected coalesced enqueue to reuse entryId")
	}

	pending, err := e.ListPending("tenant_a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending entry after coalescing, got %d", len(pending))
	}
}

func TestRunOnce_DeliversOn200(t *testing.T) {
	d := &FixtureDeliverer{Responses: []FixtureResponse{{StatusCode: 200}}}
	e := newTestEngine(t, d)
	now := time.Unix(2000, 0)

	if _, err := e.Enqueue(baseEntry("k2"), now); err != nil {
		t.Fatal(err)
	}
	delivered, deadLettered, err := e.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 || deadLettered != 0 {
		t.Fatalf("expected 1 delivered, 0 dead-lettered, got %d/%d", delivered, deadLettered)
	}
	if len(d.Calls) != 1 {
		t.Fatalf("expected exactly one delivery attempt")
	}
	if d.Calls[0].Headers["x-settld-signature"] == "" {
		t.Fatalf("expected signed delivery headers")
	}
}

func TestRunOnce_RetriesOn5xxThenDeadLetters(t *testing.T) {
	d := &FixtureDeliverer{Responses: []FixtureResponse{
		{StatusCode: 500}, {StatusCode: 500}, {StatusCode: 500},
	}}
	e := newTestEngine(t, d)
	now := time.Unix(3000, 0)

	if _, err := e.Enqueue(baseEntry("k3"), now); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		pending, err := e.ListPending("tenant_a", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 {
			t.Fatalf("iteration %d: expected 1 pending entry, got %d", i, len(pending))
		}
		tickTime := pending[0].NextAttemptAt
		if tickTime.Before(now) {
			tickTime = now
		}
		if _, _, err := e.RunOnce(context.Background(), tickTime); err != nil {
			t.Fatal(err)
		}
		now = tickTime
	}

	deadLetter, err := e.ListDeadLetter("tenant_a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(deadLetter) != 1 {
		t.Fatalf("expected entry to land in dead-letter after maxAttempts, got %d entries", len(deadLetter))
	}
}

func TestRunOnce_401IsTerminalNoRetry(t *testing.T) {
	d := &FixtureDeliverer{Responses: []FixtureResponse{{StatusCode: 401}}}
	e := newTestEngine(t, d)
	now := time.Unix(4000, 0)

	if _, err := e.Enqueue(baseEntry("k4"), now); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.RunOnce(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	deadLetter, err := e.ListDeadLetter("tenant_a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(deadLetter) != 1 {
		t.Fatalf("expected 401 to dead-letter immediately, got %d entries", len(deadLetter))
	}
	if len(d.Calls) != 1 {
		t.Fatalf("expected no retry after structural 401, got %d calls", len(d.Calls))
	}
}

func TestReplay_ProviderMismatchRejected(t *testing.T) {
	d := &FixtureDeliverer{Responses: []FixtureResponse{{StatusCode: 500}}}
	e := newTestEngine(t, d)
	now := time.Unix(5000, 0)

	entry := baseEntry("k5")
	if _, err := e.Enqueue(entry, now); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := e.RunOnce(context.Background(), now); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Hour)
	}

	_, err := e.Replay("tenant_a", "ml_abc", "k5", ReplayOptions{Provider: ProviderSlack}, now)
	if err != ErrProviderMismatch {
		t.Fatalf("expected ErrProviderMismatch, got %v", err)
	}
}

func TestReplay_ResetAttemptsAndUseCurrentSettings(t *testing.T) {
	d := &FixtureDeliverer{Responses: []FixtureResponse{{StatusCode: 500}, {StatusCode: 500}, {StatusCode: 500}, {StatusCode: 200}}}
	e := newTestEngine(t, d)
	now := time.Unix(6000, 0)

	entry := baseEntry("k6")
	if _, err := e.Enqueue(entry, now); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := e.RunOnce(context.Background(), now); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Hour)
	}

	replayed, err := e.Replay("tenant_a", "ml_abc", "k6", ReplayOptions{
		Provider: ProviderWebhook, ResetAttempts: true, UseCurrentSettings: true,
		CurrentURL: "https://tenant.example.com/new-hook", CurrentSecret: "new-secret",
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	if replayed.AttemptCount != 0 {
		t.Fatalf("expected attemptCount reset to 0, got %d", replayed.AttemptCount)
	}
	if replayed.URL != "https://tenant.example.com/new-hook" {
		t.Fatalf("expected URL updated from current settings")
	}

	delivered, _, err := e.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 {
		t.Fatalf("expected replayed entry to deliver successfully, got %d delivered", delivered)
	}

	deadLetter, err := e.ListDeadLetter("tenant_a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(deadLetter) != 0 {
		t.Fatalf("expected dead-letter queue emptied after successful replay, got %d", len(deadLetter))
	}
}

func TestRunOnce_RecordModeWritesWithoutNetwork(t *testing.T) {
	d := &FixtureDeliverer{}
	e := newTestEngine(t, d)
	now := time.Unix(7000, 0)

	entry := baseEntry("k7")
	entry.DeliveryMode = ModeRecord
	if _, err := e.Enqueue(entry, now); err != nil {
		t.Fatal(err)
	}
	delivered, _, err := e.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 {
		t.Fatalf("expected record-mode delivery to count as delivered, got %d", delivered)
	}
	if len(d.Calls) != 0 {
		t.Fatalf("expected record mode to never call the deliverer, got %d calls", len(d.Calls))
	}
}

func TestMaybeEmitDeadLetterAlert_AtMostOncePerProviderPerMonth(t *testing.T) {
	d := &FixtureDeliverer{Responses: []FixtureResponse{
		{StatusCode: 500}, {StatusCode: 500}, {StatusCode: 500},
		{StatusCode: 500}, {StatusCode: 500}, {StatusCode: 500},
	}}
	e := newTestEngine(t, d)
	now := time.Unix(8000, 0)

	if _, err := e.Enqueue(baseEntry("k8"), now); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue(baseEntry("k9"), now); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, _, err := e.RunOnce(context.Background(), now); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Hour)
	}

	alertCalls := 0
	for _, c := range d.Calls {
		if c.URL == "https://alerts.example.com/dead-letter" {
			alertCalls++
		}
	}
	if alertCalls != 1 {
		t.Fatalf("expected exactly one dead-letter alert for two webhook-provider entries in the same month, got %d", alertCalls)
	}
}
