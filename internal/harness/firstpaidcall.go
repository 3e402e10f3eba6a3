// Package harness drives the first-paid-call demo (spec.md §4.8's worked
// scenario #8): register payer/payee, credit, RFQ, bid, accept, append a
// chained completion event, then poll until the run settles.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/settld/magiclink/internal/opsclient"
	"github.com/settld/magiclink/internal/store"
)

type Result struct {
	AttemptID          string    `json:"attemptId"`
	RunID              string    `json:"runId"`
	VerificationStatus string    `json:"verificationStatus"`
	SettlementStatus   string    `json:"settlementStatus"`
	CompletedAt        time.Time `json:"completedAt"`
}

type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 200 * time.Millisecond, Timeout: 30 * time.Second}
}

// Harness is spec component C8's demo driver.
type Harness struct {
	ops  *opsclient.Client
	fs   *store.FileStore
	poll PollConfig
	now  func() time.Time
}

func New(ops *opsclient.Client, fs *store.FileStore, poll PollConfig) *Harness {
	return &Harness{ops: ops, fs: fs, poll: poll, now: time.Now}
}

func attemptKey(attemptID string) string { return "first-paid-call/" + attemptID + ".json" }

// Run executes the full seven-call sequence (register payer, register
// payee, credit, RFQ, bid, accept, event) and polls until settled. A
// repeat call with the same attemptID (the {replayAttemptId} contract)
// returns the previously persisted Result without re-issuing any ops-API
// calls.
func (h *Harness) Run(ctx context.Context, attemptID string) (Result, error) {
	if raw, err := h.fs.Get(attemptKey(attemptID)); err == nil {
		var existing Result
		if err := json.Unmarshal(raw, &existing); err != nil {
			return Result{}, err
		}
		return existing, nil
	} else if err != store.ErrNotFound {
		return Result{}, err
	}

	var payer, payee struct {
		ID string `json:"id"`
	}
	if err := h.ops.Call(ctx, http.MethodPost, "/v1/demo/payers", map[string]string{"attemptId": attemptID}, &payer); err != nil {
		return Result{}, fmt.Errorf("harness: register payer: %w", err)
	}
	if err := h.ops.Call(ctx, http.MethodPost, "/v1/demo/payees", map[string]string{"attemptId": attemptID}, &payee); err != nil {
		return Result{}, fmt.Errorf("harness: register payee: %w", err)
	}
	if err := h.ops.Call(ctx, http.MethodPost, "/v1/demo/credit", map[string]string{"payerId": payer.ID, "attemptId": attemptID}, nil); err != nil {
		return Result{}, fmt.Errorf("harness: credit payer: %w", err)
	}

	var rfq struct {
		RFQID string `json:"rfqId"`
	}
	if err := h.ops.Call(ctx, http.MethodPost, "/v1/demo/rfqs", map[string]string{"payerId": payer.ID, "attemptId": attemptID}, &rfq); err != nil {
		return Result{}, fmt.Errorf("harness: create rfq: %w", err)
	}

	var bid struct {
		BidID string `json:"bidId"`
	}
	if err := h.ops.Call(ctx, http.MethodPost, "/v1/demo/rfqs/"+rfq.RFQID+"/bids", map[string]string{"payeeId": payee.ID, "attemptId": attemptID}, &bid); err != nil {
		return Result{}, fmt.Errorf("harness: submit bid: %w", err)
	}

	var accepted struct {
		RunID string `json:"runId"`
	}
	if err := h.ops.Call(ctx, http.MethodPost, "/v1/demo/bids/"+bid.BidID+"/accept", map[string]string{"attemptId": attemptID}, &accepted); err != nil {
		return Result{}, fmt.Errorf("harness: accept bid: %w", err)
	}

	prevHash, err := h.ops.GetChainHash(ctx, accepted.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("harness: get chain hash: %w", err)
	}
	event := map[string]string{"type": "RUN_COMPLETED", "runId": accepted.RunID}
	if err := h.ops.AppendEvent(ctx, accepted.RunID, event, prevHash, "run-completed:"+attemptID); err != nil {
		return Result{}, fmt.Errorf("harness: append RUN_COMPLETED: %w", err)
	}

	status, err := h.pollUntilSettled(ctx, accepted.RunID)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		AttemptID:          attemptID,
		RunID:              accepted.RunID,
		VerificationStatus: status.VerificationStatus,
		SettlementStatus:   status.SettlementStatus,
		CompletedAt:        h.now().UTC(),
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Result{}, err
	}
	if err := h.fs.Put(attemptKey(attemptID), raw); err != nil {
		return Result{}, err
	}
	return result, nil
}

type runStatus struct {
	VerificationStatus string `json:"verificationStatus"`
	SettlementStatus   string `json:"settlementStatus"`
}

// pollUntilSettled polls the run's status until verificationStatus=green
// and settlementStatus=released, or poll.Timeout elapses.
func (h *Harness) pollUntilSettled(ctx context.Context, runID string) (runStatus, error) {
	deadline := h.now().Add(h.poll.Timeout)
	for {
		var status runStatus
		if err := h.ops.Call(ctx, http.MethodGet, "/v1/demo/runs/"+runID+"/status", nil, &status); err != nil {
			return runStatus{}, fmt.Errorf("harness: poll run status: %w", err)
		}
		if status.VerificationStatus == "green" && status.SettlementStatus == "released" {
			return status, nil
		}
		if h.now().After(deadline) {
			return runStatus{}, fmt.Errorf("harness: timed out waiting for run %s to settle (last status %+v)", runID, status)
		}
		select {
		case <-ctx.Done():
			return runStatus{}, ctx.Err()
		case <-time.After(h.poll.Interval):
		}
	}
}
