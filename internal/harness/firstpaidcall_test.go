package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/settld/magiclink/internal/opsclient"
	"github.com/settld/magiclink/internal/store"
)

// mockOpsServer wires up the seven-call sequence plus a status endpoint
// that flips to green/released after a couple of polls. It returns the
// server and a func that snapshots the recorded call log.
func mockOpsServer(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	callLog := []string{}
	pollCount := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/demo/payers", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callLog = append(callLog, "register-payer")
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "payer_1"})
	})
	mux.HandleFunc("/v1/demo/payees", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callLog = append(callLog, "register-payee")
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "payee_1"})
	})
	mux.HandleFunc("/v1/demo/credit", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callLog = append(callLog, "credit")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/demo/rfqs", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callLog = append(callLog, "rfq")
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"rfqId": "rfq_1"})
	})
	mux.HandleFunc("/v1/demo/rfqs/rfq_1/bids", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callLog = append(callLog, "bid")
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"bidId": "bid_1"})
	})
	mux.HandleFunc("/v1/demo/bids/bid_1/accept", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callLog = append(callLog, "accept")
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"runId": "run_1"})
	})
	mux.HandleFunc("/v1/streams/run_1/chain-hash", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"chainHash": nil})
	})
	mux.HandleFunc("/v1/streams/run_1/events", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callLog = append(callLog, "event:"+r.Header.Get("x-proxy-expected-prev-chain-hash"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/demo/runs/run_1/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pollCount++
		n := pollCount
		mu.Unlock()
		if n < 2 {
			_ = json.NewEncoder(w).Encode(map[string]string{"verificationStatus": "processing", "settlementStatus": "pending"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"verificationStatus": "green", "settlementStatus": "released"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), callLog...)
	}
}

func TestRun_CompletesSevenCallSequenceAndSettles(t *testing.T) {
	srv, _ := mockOpsServer(t)
	ops := opsclient.NewClient(srv.URL, "tenant_a", "key1", "1.0")
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := New(ops, fs, PollConfig{Interval: time.Millisecond, Timeout: 2 * time.Second})

	result, err := h.Run(context.Background(), "attempt-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.RunID != "run_1" {
		t.Fatalf("expected runId run_1, got %s", result.RunID)
	}
	if result.VerificationStatus != "green" || result.SettlementStatus != "released" {
		t.Fatalf("expected settled result, got %+v", result)
	}
}

func TestRun_AppendsEventWithNullPrevHashOnFreshRun(t *testing.T) {
	srv, calls := mockOpsServer(t)
	ops := opsclient.NewClient(srv.URL, "tenant_a", "key1", "1.0")
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := New(ops, fs, PollConfig{Interval: time.Millisecond, Timeout: 2 * time.Second})

	if _, err := h.Run(context.Background(), "attempt-2"); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, call := range calls() {
		if call == "event:null" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an event appended with prev chain hash null, got calls %v", calls())
	}
}

func TestRun_ReplayAttemptIDIsIdempotent(t *testing.T) {
	callCount := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		callCount++
		switch {
		case strings.Contains(r.URL.Path, "/payers"):
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "payer_1"})
		case strings.Contains(r.URL.Path, "/payees"):
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "payee_1"})
		case strings.Contains(r.URL.Path, "/rfqs") && strings.Contains(r.URL.Path, "/bids"):
			_ = json.NewEncoder(w).Encode(map[string]string{"bidId": "bid_1"})
		case strings.Contains(r.URL.Path, "/rfqs"):
			_ = json.NewEncoder(w).Encode(map[string]string{"rfqId": "rfq_1"})
		case strings.Contains(r.URL.Path, "/accept"):
			_ = json.NewEncoder(w).Encode(map[string]string{"runId": "run_1"})
		case strings.Contains(r.URL.Path, "chain-hash"):
			_ = json.NewEncoder(w).Encode(map[string]any{"chainHash": nil})
		case strings.Contains(r.URL.Path, "/events"):
			w.WriteHeader(http.StatusOK)
		case strings.Contains(r.URL.Path, "/status"):
			_ = json.NewEncoder(w).Encode(map[string]string{"verificationStatus": "green", "settlementStatus": "released"})
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ops := opsclient.NewClient(srv.URL, "tenant_a", "key1", "1.0")
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := New(ops, fs, PollConfig{Interval: time.Millisecond, Timeout: 2 * time.Second})

	first, err := h.Run(context.Background(), "attempt-3")
	if err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := callCount

	second, err := h.Run(context.Background(), "attempt-3")
	if err != nil {
		t.Fatal(err)
	}
	if callCount != callsAfterFirst {
		t.Fatalf("expected replayed attemptId to issue no further ops-API calls, calls went from %d to %d", callsAfterFirst, callCount)
	}
	if second.RunID != first.RunID || second.CompletedAt != first.CompletedAt {
		t.Fatalf("expected identical result on replay, got first=%+v second=%+v", first, second)
	}
}
