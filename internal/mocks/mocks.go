// Package mocks provides httptest-server-backed fakes for the external
// collaborators spec.md §1 treats as out of scope beyond their wire
// shape: the Stripe and Circle payment webhooks, Slack and Zapier
// incoming-webhook sinks, and the Settld ops API. Grounded on the
// teacher's cmd/billing/main_test.go mockDaytona pattern: an
// httptest.Server wrapped in a small recorder type exposing its URL,
// its recorded calls, and a Close method.
//
// This package is test-only: no non-test file under cmd/ or internal/
// imports it; only _test.go files (in internal/outbox and
// internal/opsclient) do. It exists so every package's own
// tests can drive a collaborator's real wire shape instead of hand-
// rolling an httptest.NewServer call each time.
package mocks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RecordedCall is one request the fake server observed.
type RecordedCall struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Server is the shared shape every fake in this package wraps: an
// httptest.Server plus the calls it has recorded so far.
type Server struct {
	mu    sync.Mutex
	calls []RecordedCall
	srv   *httptest.Server

	// StatusCode is returned for every request unless overridden by the
	// fake's own handler logic. Defaults to 200.
	StatusCode int
	// Body is written verbatim as the response body.
	Body []byte
}

func newServer(t *testing.T, handle func(s *Server, w http.ResponseWriter, r *http.Request)) *Server {
	t.Helper()
	s := &Server{StatusCode: http.StatusOK}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.calls = append(s.calls, RecordedCall{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		s.mu.Unlock()
		handle(s, w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the fake server's base URL.
func (s *Server) URL() string { return s.srv.URL }

// Calls returns every request recorded so far.
func (s *Server) Calls() []RecordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) defaultRespond(w http.ResponseWriter) {
	w.WriteHeader(s.StatusCode)
	if s.Body != nil {
		_, _ = w.Write(s.Body)
	}
}

// NewSlack starts a fake Slack incoming-webhook endpoint. Real Slack
// webhooks accept any POST body and reply "ok" as plain text.
func NewSlack(t *testing.T) *Server {
	s := newServer(t, func(s *Server, w http.ResponseWriter, r *http.Request) {
		if s.Body == nil {
			w.Header().Set("content-type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		s.defaultRespond(w)
	})
	return s
}

// NewZapier starts a fake Zapier "catch hook" endpoint. Real Zapier
// catch hooks accept any POST body and reply with a small JSON status
// envelope.
func NewZapier(t *testing.T) *Server {
	s := newServer(t, func(s *Server, w http.ResponseWriter, r *http.Request) {
		if s.Body == nil {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "id": "zap_fake"})
			return
		}
		s.defaultRespond(w)
	})
	return s
}

// StripePaymentIntent is the minimal subset of Stripe's PaymentIntent
// shape this fake needs to echo back.
type StripePaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewStripe starts a fake Stripe endpoint: POST /v1/payment_intents
// returns a succeeded PaymentIntent, anything else 404s — enough for a
// payment_trigger entry pointed at a Stripe-shaped URL to round-trip.
func NewStripe(t *testing.T) *Server {
	s := newServer(t, func(s *Server, w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(StripePaymentIntent{ID: "pi_fake_123", Status: "succeeded"})
	})
	return s
}

// CircleTransfer is the minimal subset of Circle's Transfer shape this
// fake needs to echo back.
type CircleTransfer struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewCircle starts a fake Circle endpoint: POST /v1/transfers returns a
// complete Transfer.
func NewCircle(t *testing.T) *Server {
	s := newServer(t, func(s *Server, w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transfers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(CircleTransfer{ID: "transfer_fake_123", Status: "complete"})
	})
	return s
}

// OpsAPI starts a fake Settld ops API matching internal/opsclient.Client's
// real paths: GET /v1/streams/:stream/chain-hash returns a scripted chain
// hash, POST /v1/streams/:stream/events enforces the
// x-proxy-expected-prev-chain-hash precondition the real client sends,
// returning 409 on mismatch (spec.md §3, §4.8).
type OpsAPI struct {
	*Server
	mu        sync.Mutex
	chainHash string
}

func NewOpsAPI(t *testing.T, initialChainHash string) *OpsAPI {
	ops := &OpsAPI{chainHash: initialChainHash}
	ops.Server = newServer(t, func(s *Server, w http.ResponseWriter, r *http.Request) {
		ops.mu.Lock()
		defer ops.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/chain-hash"):
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusOK)
			var out *string
			if ops.chainHash != "" {
				out = &ops.chainHash
			}
			_ = json.NewEncoder(w).Encode(map[string]*string{"chainHash": out})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/events"):
			expected := r.Header.Get("x-proxy-expected-prev-chain-hash")
			want := ops.chainHash
			if want == "" {
				want = "null"
			}
			if expected != want {
				w.WriteHeader(http.StatusConflict)
				return
			}
			ops.chainHash = "hash_" + r.Header.Get("x-idempotency-key")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return ops
}

// ChainHash returns the fake's current chain hash.
func (o *OpsAPI) ChainHash() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chainHash
}
