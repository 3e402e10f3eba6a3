package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/store"
)

var (
	ErrProviderMismatch = errors.New("PROVIDER_MISMATCH")
	ErrNotFound         = errors.New("outbox entry not found")
)

// Engine is spec component C6: the unified delivery queue for webhook,
// Slack, Zapier, buyer-notification, and payment-trigger entries.
type Engine struct {
	fs        *store.FileStore
	coord     coord.Coordinator
	deliverer Deliverer
	backoff   BackoffConfig

	alertURL    string
	alertSecret string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(fs *store.FileStore, c coord.Coordinator, d Deliverer, backoff BackoffConfig, alertURL, alertSecret string) *Engine {
	return &Engine{
		fs: fs, coord: c, deliverer: d, backoff: backoff,
		alertURL: alertURL, alertSecret: alertSecret,
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

func sanitize(s string) string {
	if s == "" {
		return "none"
	}
	return strings.ReplaceAll(s, "/", "_")
}

func entryPath(state State, tenantID, token, idempotencyKey string) string {
	dir := "pending"
	if state == StateDeadLetter {
		dir = "dead-letter"
	}
	return fmt.Sprintf("webhook_retry/%s/%s_%s_%s.json", dir, sanitize(tenantID), sanitize(token), sanitize(idempotencyKey))
}

func indexPath(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("webhook_retry/index/%s_%s.json", sanitize(tenantID), sanitize(idempotencyKey))
}

type indexRecord struct {
	Provider Provider `json:"provider"`
	State    State    `json:"state"`
	Token    string   `json:"token"`
}

// Enqueue writes a new pending entry, coalescing on IdempotencyKey: a
// duplicate enqueue with the same (tenantId, idempotencyKey) returns the
// already-queued entry unchanged (spec.md §4.6 step 4).
func (e *Engine) Enqueue(entry Entry, now time.Time) (Entry, error) {
	l := e.lockFor(entry.TenantID + ":" + entry.IdempotencyKey)
	l.Lock()
	defer l.Unlock()

	idxKey := indexPath(entry.TenantID, entry.IdempotencyKey)
	if e.fs.Exists(idxKey) {
		raw, err := e.fs.Get(idxKey)
		if err != nil {
			return Entry{}, err
		}
		var idx indexRecord
		if err := json.Unmarshal(raw, &idx); err != nil {
			return Entry{}, err
		}
		existing, err := e.loadEntry(idx.State, entry.TenantID, idx.Token, entry.IdempotencyKey)
		if err != nil {
			return Entry{}, err
		}
		return existing, nil
	}

	entry.EntryID = uuid.NewString()
	entry.State = StatePending
	entry.AttemptCount = 0
	entry.NextAttemptAt = now

	if err := e.persistEntry(entry); err != nil {
		return Entry{}, err
	}
	idx := indexRecord{Provider: entry.Provider, State: entry.State, Token: entry.Token}
	raw, err := json.Marshal(idx)
	if err != nil {
		return Entry{}, err
	}
	if err := e.fs.Put(idxKey, raw); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (e *Engine) persistEntry(entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return e.fs.Put(entryPath(entry.State, entry.TenantID, entry.Token, entry.IdempotencyKey), raw)
}

func (e *Engine) loadEntry(state State, tenantID, token, idempotencyKey string) (Entry, error) {
	raw, err := e.fs.Get(entryPath(state, tenantID, token, idempotencyKey))
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ListPending returns all pending entries for tenantID, optionally
// filtered by provider.
func (e *Engine) ListPending(tenantID string, provider Provider) ([]Entry, error) {
	return e.list(StatePending, tenantID, provider)
}

// ListDeadLetter returns all dead-lettered entries for tenantID,
// optionally filtered by provider.
func (e *Engine) ListDeadLetter(tenantID string, provider Provider) ([]Entry, error) {
	return e.list(StateDeadLetter, tenantID, provider)
}

func (e *Engine) list(state State, tenantID string, provider Provider) ([]Entry, error) {
	dir := "pending"
	if state == StateDeadLetter {
		dir = "dead-letter"
	}
	names, err := e.fs.List("webhook_retry/" + dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	prefix := sanitize(tenantID) + "_"
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		raw, err := e.fs.Get("webhook_retry/" + dir + "/" + name)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.State != state {
			continue
		}
		if provider != "" && entry.Provider != provider {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// RunOnce drives one tick of the outbox worker: every pending entry whose
// NextAttemptAt has elapsed is attempted for delivery.
func (e *Engine) RunOnce(ctx context.Context, now time.Time) (delivered, deadLettered int, err error) {
	entries, err := e.list(StatePending, "", "")
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		if now.Before(entry.NextAttemptAt) {
			continue
		}
		ok, dead, attemptErr := e.attempt(ctx, entry, now)
		if attemptErr != nil {
			return delivered, deadLettered, attemptErr
		}
		if ok {
			delivered++
		}
		if dead {
			deadLettered++
		}
	}
	return delivered, deadLettered, nil
}

func (e *Engine) attempt(ctx context.Context, entry Entry, now time.Time) (delivered bool, deadLettered bool, err error) {
	headers := SignHeaders(entry.Secret, entry.BodyCanonical, now)
	headers["x-settld-event"] = entry.Event
	for k, v := range entry.Headers {
		headers[k] = v
	}

	var statusCode int
	var deliverErr error
	switch entry.DeliveryMode {
	case ModeRecord:
		statusCode = 200
		deliverErr = e.writeRecord(entry)
	case ModeEmail:
		statusCode = 200
		deliverErr = e.fs.Put(fmt.Sprintf("email-outbox/%s_%s.json", sanitize(entry.TenantID), sanitize(entry.IdempotencyKey)), entry.BodyCanonical)
	default:
		statusCode, deliverErr = e.deliverer.Deliver(ctx, entry.URL, headers, entry.BodyCanonical)
	}

	transient := deliverErr != nil || statusCode >= 500 || (statusCode >= 400 && statusCode != 401)
	terminal := statusCode == 401

	if !transient && !terminal {
		entry.State = StateDelivered
		if err := e.fs.Delete(entryPath(StatePending, entry.TenantID, entry.Token, entry.IdempotencyKey)); err != nil {
			return false, false, err
		}
		if err := e.persistEntry(entry); err != nil {
			return false, false, err
		}
		if err := e.mirrorInternalRecord(entry); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	entry.AttemptCount++
	if deliverErr != nil {
		entry.LastError = deliverErr.Error()
	} else {
		entry.LastError = fmt.Sprintf("status %d", statusCode)
	}

	if terminal || entry.AttemptCount >= e.backoff.MaxAttempts {
		return e.deadLetter(ctx, entry, now)
	}

	delay := e.backoff.BaseDelay * time.Duration(math.Pow(2, float64(min(entry.AttemptCount, e.backoff.Cap))))
	entry.NextAttemptAt = now.Add(delay)
	if err := e.persistEntry(entry); err != nil {
		return false, false, err
	}
	return false, false, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) deadLetter(ctx context.Context, entry Entry, now time.Time) (bool, bool, error) {
	if err := e.fs.Delete(entryPath(StatePending, entry.TenantID, entry.Token, entry.IdempotencyKey)); err != nil {
		return false, false, err
	}
	entry.State = StateDeadLetter
	t := now
	entry.DeadLetterEmittedAt = &t
	if err := e.persistEntry(entry); err != nil {
		return false, false, err
	}
	idx := indexRecord{Provider: entry.Provider, State: entry.State, Token: entry.Token}
	raw, err := json.Marshal(idx)
	if err != nil {
		return false, false, err
	}
	if err := e.fs.Put(indexPath(entry.TenantID, entry.IdempotencyKey), raw); err != nil {
		return false, false, err
	}

	if err := e.maybeEmitDeadLetterAlert(ctx, entry, now); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// maybeEmitDeadLetterAlert sends the dead-letter alert at most once per
// (provider, month) window (spec.md §4.6 step 3 / invariant list).
func (e *Engine) maybeEmitDeadLetterAlert(ctx context.Context, entry Entry, now time.Time) error {
	if e.alertURL == "" {
		return nil
	}
	month := now.Format("2006-01")
	claimed, err := e.coord.Claim(ctx, fmt.Sprintf("dead-letter-alert:%s:%s", entry.Provider, month), 31*24*time.Hour)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"provider": entry.Provider,
		"tenantId": entry.TenantID,
		"token":    entry.Token,
		"entryId":  entry.EntryID,
	})
	if err != nil {
		return err
	}
	headers := SignHeaders(e.alertSecret, body, now)
	_, err = e.deliverer.Deliver(ctx, e.alertURL, headers, body)
	return err
}

// mirrorInternalRecord writes a side-channel record for providers that
// other subsystems poll directly (spec.md §6's payment-trigger-outbox/
// and buyer-notification-outbox/ layout), independent of delivery mode.
func (e *Engine) mirrorInternalRecord(entry Entry) error {
	var dir string
	switch entry.Provider {
	case ProviderPaymentTrigger:
		dir = "payment-trigger-outbox"
	case ProviderBuyerNotification:
		dir = "buyer-notification-outbox"
	default:
		return nil
	}
	return e.fs.Put(fmt.Sprintf("%s/%s.json", dir, sanitize(entry.IdempotencyKey)), entry.BodyCanonical)
}

func (e *Engine) writeRecord(entry Entry) error {
	return e.fs.Put(fmt.Sprintf("webhook_records/%s_%s.json", sanitize(entry.TenantID), sanitize(entry.IdempotencyKey)), entry.BodyCanonical)
}

// ReplayOptions configures an operator-initiated replay (spec.md §4.6
// step 5).
type ReplayOptions struct {
	Provider        Provider
	ResetAttempts   bool
	UseCurrentSettings bool
	CurrentURL      string
	CurrentSecret   string
}

// Replay moves a dead-lettered entry back to pending. A provider mismatch
// between the stored entry and opts.Provider (when non-empty) returns
// ErrProviderMismatch (409 PROVIDER_MISMATCH in the HTTP layer).
func (e *Engine) Replay(tenantID, token, idempotencyKey string, opts ReplayOptions, now time.Time) (Entry, error) {
	l := e.lockFor(tenantID + ":" + idempotencyKey)
	l.Lock()
	defer l.Unlock()

	entry, err := e.loadEntry(StateDeadLetter, tenantID, token, idempotencyKey)
	if err != nil {
		return Entry{}, ErrNotFound
	}
	if opts.Provider != "" && entry.Provider != opts.Provider {
		return Entry{}, ErrProviderMismatch
	}

	if err := e.fs.Delete(entryPath(StateDeadLetter, tenantID, token, idempotencyKey)); err != nil {
		return Entry{}, err
	}

	entry.State = StatePending
	entry.DeadLetterEmittedAt = nil
	if opts.ResetAttempts {
		entry.AttemptCount = 0
	}
	if opts.UseCurrentSettings {
		entry.URL = opts.CurrentURL
		entry.Secret = opts.CurrentSecret
	}
	entry.NextAttemptAt = now

	if err := e.persistEntry(entry); err != nil {
		return Entry{}, err
	}
	idx := indexRecord{Provider: entry.Provider, State: entry.State, Token: entry.Token}
	raw, err := json.Marshal(idx)
	if err != nil {
		return Entry{}, err
	}
	if err := e.fs.Put(indexPath(tenantID, idempotencyKey), raw); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// PurgeEntriesForToken removes every pending, delivered and dead-lettered
// entry that references token, for retention GC sweeping a run whose
// owning tenant has aged it past its retentionDays. Delivered entries are
// kept in the pending directory with State=delivered, so they are purged
// here too; their writeRecord/email-outbox mirrors are left in place.
func (e *Engine) PurgeEntriesForToken(tenantID, token string) (purged int, err error) {
	for _, state := range []State{StatePending, StateDelivered, StateDeadLetter} {
		entries, listErr := e.list(state, tenantID, "")
		if listErr != nil {
			return purged, listErr
		}
		for _, entry := range entries {
			if entry.Token != token {
				continue
			}
			if delErr := e.fs.Delete(entryPath(entry.State, entry.TenantID, entry.Token, entry.IdempotencyKey)); delErr != nil {
				return purged, delErr
			}
			if delErr := e.fs.Delete(indexPath(entry.TenantID, entry.IdempotencyKey)); delErr != nil {
				return purged, delErr
			}
			purged++
		}
	}
	return purged, nil
}
