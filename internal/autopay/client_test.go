package autopay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDo_PassesThroughNon402(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(context.Background(), req, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 passthrough, got %d", resp.StatusCode)
	}
}

func TestDo_PaysChallengeAndReturns200(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("x-settld-gate-id", "g_42")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		if r.Header.Get("x-settld-gate-id") != "g_42" {
			t.Errorf("expected replay to carry gate id header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(context.Background(), req, Options{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 calls (challenge + paid replay), got %d", calls)
	}
}

func TestDo_BoundedByMaxAttemptsReturnsLast402(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("x-settld-gate-id", "g_1")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(context.Background(), req, Options{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected final response to still be 402, got %d", resp.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("expected exactly maxAttempts=2 calls, got %d", calls)
	}
}

func TestDo_NonReplayableBodyFailsDeterministically(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("x-settld-gate-id", "g_1")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(srv.Client())
	req, _ := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(bytes.NewReader([]byte("streamed"))))
	req.GetBody = nil // simulate a body that cannot be re-read (the ReadableStream/FormData case)

	_, err := c.Do(context.Background(), req, Options{MaxAttempts: 2})
	if err != ErrBodyNotReplayable {
		t.Fatalf("expected ErrBodyNotReplayable, got %v", err)
	}
}

func TestDo_ReplayableBodyIsResentIntact(t *testing.T) {
	calls := 0
	var secondBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		if calls == 1 {
			w.Header().Set("x-settld-gate-id", "g_7")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		secondBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client())
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte(`{"amount":100}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Do(context.Background(), req, Options{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after paid replay, got %d", resp.StatusCode)
	}
	if secondBody != `{"amount":100}` {
		t.Fatalf("expected replayed body intact, got %q", secondBody)
	}
}

func TestParsePaymentRequired_KeyValueFieldSet(t *testing.T) {
	meta, err := parsePaymentRequired("spendAuthorizationMode=manual;quoteRequired=true;providerId=prov_1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.SpendAuthorizationMode != "manual" || !meta.QuoteRequired || meta.ProviderID != "prov_1" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestParsePaymentRequired_JSONForm(t *testing.T) {
	meta, err := parsePaymentRequired(`{"spendAuthorizationMode":"auto","quoteRequired":false,"toolId":"tool_9"}`)
	if err != nil {
		t.Fatal(err)
	}
	if meta.SpendAuthorizationMode != "auto" || meta.QuoteRequired || meta.ToolID != "tool_9" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestDo_OnChallengeErrorsSuppressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-settld-gate-id", "g_9")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(context.Background(), req, Options{MaxAttempts: 1, OnChallenge: func(Challenge) {
		panic("boom")
	}})
	if err != nil {
		t.Fatalf("expected onChallenge panic to be suppressed, got %v", err)
	}
}
