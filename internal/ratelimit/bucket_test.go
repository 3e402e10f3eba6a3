package ratelimit

import (
	"testing"
	"time"

	"github.com/settld/magiclink/internal/store"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(fs)
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		res, err := l.Allow("tenant_a", "upload", 3, now)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d should be allowed", i)
		}
	}
}

func TestAllow_ExceedsLimit(t *testing.T) {
	l := newTestLimiter(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := l.Allow("tenant_a", "upload", 3, now); err != nil {
			t.Fatal(err)
		}
	}
	res, err := l.Allow("tenant_a", "upload", 3, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatalf("4th hit should be denied")
	}
	if res.RetryAfterSeconds <= 0 {
		t.Fatalf("expected positive retryAfterSeconds, got %d", res.RetryAfterSeconds)
	}
}

func TestAllow_RetryAfterFormula(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	if _, err := l.Allow("tenant_a", "upload", 1, base); err != nil {
		t.Fatal(err)
	}
	// Second hit 10 minutes later, still within the hour window and over
	// the limit of 1 — expect ceil(50 minutes) = 3000s until the oldest
	// hit ages out.
	later := base.Add(10 * time.Minute)
	res, err := l.Allow("tenant_a", "upload", 1, later)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatalf("expected denial")
	}
	want := 50 * 60
	if res.RetryAfterSeconds != want {
		t.Fatalf("expected retryAfterSeconds=%d, got %d", want, res.RetryAfterSeconds)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	if _, err := l.Allow("tenant_a", "upload", 1, base); err != nil {
		t.Fatal(err)
	}
	afterWindow := base.Add(time.Hour + time.Second)
	res, err := l.Allow("tenant_a", "upload", 1, afterWindow)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("expected allow once the old hit has aged out of the window")
	}
}

func TestAllow_IndependentVerbsAndTenants(t *testing.T) {
	l := newTestLimiter(t)
	now := time.Now()
	if _, err := l.Allow("tenant_a", "upload", 1, now); err != nil {
		t.Fatal(err)
	}
	res, err := l.Allow("tenant_a", "decision", 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("different verb should have its own bucket")
	}
	res, err = l.Allow("tenant_b", "upload", 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("different tenant should have its own bucket")
	}
}
