package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/settld/magiclink/internal/mocks"
)

// These exercise the real HTTPDeliverer against the mocks package's fake
// Slack and Zapier incoming-webhook endpoints, rather than the
// FixtureDeliverer every other engine_test.go case uses, so the signed
// HTTP round trip itself (headers, status handling) gets covered against
// a server shaped like the real collaborator.

func TestRunOnce_DeliversToFakeSlackWebhook(t *testing.T) {
	slack := mocks.NewSlack(t)
	e := newTestEngine(t, NewHTTPDeliverer(5*time.Second))
	now := time.Unix(2000, 0)

	entry := baseEntry("slack-1")
	entry.Provider = ProviderSlack
	entry.URL = slack.URL()
	if _, err := e.Enqueue(entry, now); err != nil {
		t.Fatal(err)
	}

	delivered, deadLettered, err := e.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 || deadLettered != 0 {
		t.Fatalf("expected 1 delivered, 0 dead-lettered, got delivered=%d deadLettered=%d", delivered, deadLettered)
	}
	if len(slack.Calls()) != 1 {
		t.Fatalf("expected fake slack to observe 1 call, got %d", len(slack.Calls()))
	}
}

func TestRunOnce_DeliversToFakeZapierHook(t *testing.T) {
	zapier := mocks.NewZapier(t)
	e := newTestEngine(t, NewHTTPDeliverer(5*time.Second))
	now := time.Unix(2000, 0)

	entry := baseEntry("zapier-1")
	entry.Provider = ProviderZapier
	entry.URL = zapier.URL()
	if _, err := e.Enqueue(entry, now); err != nil {
		t.Fatal(err)
	}

	delivered, deadLettered, err := e.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 || deadLettered != 0 {
		t.Fatalf("expected 1 delivered, 0 dead-lettered, got delivered=%d deadLettered=%d", delivered, deadLettered)
	}
	calls := zapier.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected fake zapier to observe 1 call, got %d", len(calls))
	}
	if calls[0].Method != "POST" {
		t.Fatalf("expected POST, got %s", calls[0].Method)
	}
}

func TestRunOnce_DeliversPaymentTriggerToFakeStripe(t *testing.T) {
	stripe := mocks.NewStripe(t)
	e := newTestEngine(t, NewHTTPDeliverer(5*time.Second))
	now := time.Unix(2000, 0)

	entry := baseEntry("stripe-1")
	entry.Provider = ProviderPaymentTrigger
	entry.URL = stripe.URL() + "/v1/payment_intents"
	if _, err := e.Enqueue(entry, now); err != nil {
		t.Fatal(err)
	}

	delivered, deadLettered, err := e.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 || deadLettered != 0 {
		t.Fatalf("expected 1 delivered, 0 dead-lettered, got delivered=%d deadLettered=%d", delivered, deadLettered)
	}
	if len(stripe.Calls()) != 1 {
		t.Fatalf("expected fake stripe to observe 1 call, got %d", len(stripe.Calls()))
	}
}

func TestRunOnce_DeliversPaymentTriggerToFakeCircle(t *testing.T) {
	circle := mocks.NewCircle(t)
	e := newTestEngine(t, NewHTTPDeliverer(5*time.Second))
	now := time.Unix(2000, 0)

	entry := baseEntry("circle-1")
	entry.Provider = ProviderPaymentTrigger
	entry.URL = circle.URL() + "/v1/transfers"
	if _, err := e.Enqueue(entry, now); err != nil {
		t.Fatal(err)
	}

	delivered, deadLettered, err := e.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 || deadLettered != 0 {
		t.Fatalf("expected 1 delivered, 0 dead-lettered, got delivered=%d deadLettered=%d", delivered, deadLettered)
	}
	if len(circle.Calls()) != 1 {
		t.Fatalf("expected fake circle to observe 1 call, got %d", len(circle.Calls()))
	}
}
