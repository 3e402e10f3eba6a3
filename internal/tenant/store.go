package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/store"
)

// thresholdClaimTTL is effectively permanent: a (tenantId, month, threshold)
// alert must be emitted at most once ever, so the claim simply needs to
// outlive the month it covers.
const thresholdClaimTTL = 24 * time.Hour * 62

// ThresholdAlert describes a usage threshold crossing (80% or 100% of
// maxVerificationsPerMonth) for the outbox/audit layer to react to.
type ThresholdAlert struct {
	TenantID    string
	Month       string
	ThresholdPC int
}

// AuditEntry is one line of the append-only per-tenant audit log.
type AuditEntry struct {
	At      time.Time      `json:"at"`
	Kind    string         `json:"kind"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Store implements spec component C2: tenant identity, settings, usage
// counters, and audit log, all read-through over internal/store.FileStore.
// Writes are per-tenant serialized via an in-process mutex table (the
// teacher's settler/billing packages serialize per-sandbox the same way,
// one mutex per key, rather than a single global lock).
type Store struct {
	fs    *store.FileStore
	coord coord.Coordinator

	mu      sync.Mutex
	tenantL map[string]*sync.Mutex
}

func New(fs *store.FileStore, c coord.Coordinator) *Store {
	return &Store{fs: fs, coord: c, tenantL: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.tenantL[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.tenantL[tenantID] = l
	}
	return l
}

func settingsKey(tenantID string) string { return "tenants/" + tenantID + "/settings.json" }
func tenantKey(tenantID string) string   { return "tenants/" + tenantID + "/tenant.json" }
func usageKey(tenantID, month string) string {
	return "usage/" + tenantID + "/" + month + ".json"
}
func auditKey(tenantID, yyyymm string) string {
	return "audit/" + tenantID + "/" + yyyymm + ".jsonl"
}

// GetTenant returns the tenant record, or a fresh pending-status record if
// none exists yet.
func (s *Store) GetTenant(tenantID string) (Tenant, error) {
	raw, err := s.fs.Get(tenantKey(tenantID))
	if err == store.ErrNotFound {
		return Tenant{TenantID: tenantID, Plan: PlanFree, Status: StatusPending}, nil
	}
	if err != nil {
		return Tenant{}, err
	}
	var t Tenant
	if err := json.Unmarshal(raw, &t); err != nil {
		return Tenant{}, fmt.Errorf("tenant: decode %s: %w", tenantID, err)
	}
	return t, nil
}

// PutTenant persists the tenant record.
func (s *Store) PutTenant(t Tenant) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.fs.Put(tenantKey(t.TenantID), raw)
}

// ListTenantIDs returns every tenant ID that has ever been created, for
// retention GC and other sweep-style operators that need to walk every
// tenant rather than look one up by ID.
func (s *Store) ListTenantIDs() ([]string, error) {
	return s.fs.ListDirs("tenants")
}

// GetSettings returns the tenant's settings, defaulting to plan=free
// DefaultSettings() when no settings have ever been written.
func (s *Store) GetSettings(tenantID string) (Settings, error) {
	raw, err := s.fs.Get(settingsKey(tenantID))
	if err == store.ErrNotFound {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("tenant: decode settings %s: %w", tenantID, err)
	}
	return settings, nil
}

// PutSettings validates and merges patch onto the tenant's current
// settings, persists the result, and appends a TENANT_SETTINGS_PUT audit
// line. Writes for a single tenant are serialized.
func (s *Store) PutSettings(tenantID string, patch []byte) (Settings, error) {
	l := s.lockFor(tenantID)
	l.Lock()
	defer l.Unlock()

	current, err := s.GetSettings(tenantID)
	if err != nil {
		return Settings{}, err
	}
	merged, err := current.Merge(patch)
	if err != nil {
		return Settings{}, err
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return Settings{}, err
	}
	if err := s.fs.Put(settingsKey(tenantID), raw); err != nil {
		return Settings{}, err
	}
	if err := s.appendAudit(tenantID, "TENANT_SETTINGS_PUT", nil); err != nil {
		return Settings{}, err
	}
	return merged, nil
}

// GetUsage returns the current usage counter for (tenantID, month),
// defaulting to a zeroed counter.
func (s *Store) GetUsage(tenantID, month string) (UsageCounter, error) {
	raw, err := s.fs.Get(usageKey(tenantID, month))
	if err == store.ErrNotFound {
		return UsageCounter{TenantID: tenantID, Month: month, Thresholds: map[string]*time.Time{}}, nil
	}
	if err != nil {
		return UsageCounter{}, err
	}
	var u UsageCounter
	if err := json.Unmarshal(raw, &u); err != nil {
		return UsageCounter{}, fmt.Errorf("tenant: decode usage %s/%s: %w", tenantID, month, err)
	}
	if u.Thresholds == nil {
		u.Thresholds = map[string]*time.Time{}
	}
	return u, nil
}

// BumpUsage atomically increments the (tenantID, month) counter by one
// verification run and uploadBytes, persists it, and returns any newly
// crossed thresholds (80%, 100% of maxVerificationsPerMonth) that have not
// previously been emitted this month. Emission itself is coalesced via
// Coordinator.Claim keyed (tenantID, month, thresholdPct) so a crash-retry
// or concurrent caller never double-emits.
func (s *Store) BumpUsage(tenantID, month string, uploadBytes int64, maxPerMonth int, now time.Time) (UsageCounter, []ThresholdAlert, error) {
	l := s.lockFor(tenantID + ":" + month)
	l.Lock()
	defer l.Unlock()

	u, err := s.GetUsage(tenantID, month)
	if err != nil {
		return UsageCounter{}, nil, err
	}
	u.VerificationRuns++
	u.UploadedBytes += uploadBytes

	var alerts []ThresholdAlert
	if maxPerMonth > 0 {
		pct := (u.VerificationRuns * 100) / maxPerMonth
		for _, threshold := range []int{80, 100} {
			key := fmt.Sprintf("%d", threshold)
			if pct >= threshold && u.Thresholds[key] == nil {
				claimKey := fmt.Sprintf("usage-threshold:%s:%s:%d", tenantID, month, threshold)
				claimed, cerr := s.coord.Claim(context.Background(), claimKey, thresholdClaimTTL)
				if cerr != nil {
					return UsageCounter{}, nil, cerr
				}
				if claimed {
					ts := now
					u.Thresholds[key] = &ts
					alerts = append(alerts, ThresholdAlert{TenantID: tenantID, Month: month, ThresholdPC: threshold})
				}
			}
		}
	}

	raw, err := json.Marshal(u)
	if err != nil {
		return UsageCounter{}, nil, err
	}
	if err := s.fs.Put(usageKey(tenantID, month), raw); err != nil {
		return UsageCounter{}, nil, err
	}
	for _, a := range alerts {
		_ = s.appendAudit(tenantID, "BILLING_USAGE_THRESHOLD_ALERT_EMITTED", map[string]any{
			"month": a.Month, "thresholdPct": a.ThresholdPC,
		})
	}
	return u, alerts, nil
}

// ListAudit returns every audit entry ever recorded for tenantID, oldest
// first, read across all of that tenant's monthly JSONL shards. Used by
// the security-controls export packet (spec.md §4.10).
func (s *Store) ListAudit(tenantID string) ([]AuditEntry, error) {
	files, err := s.fs.List("audit/" + tenantID)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []AuditEntry
	for _, f := range files {
		raw, err := s.fs.Get(f)
		if err != nil {
			return nil, err
		}
		for _, line := range bytes.Split(raw, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var entry AuditEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				return nil, fmt.Errorf("tenant: decode audit line for %s: %w", tenantID, err)
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// RecordExternalEvent appends an externally-sourced event (e.g. a verified
// inbound Settld ops webhook) to tenantID's audit log under kind, the same
// shard appendAudit's own callers write to.
func (s *Store) RecordExternalEvent(tenantID, kind string, detail map[string]any) error {
	return s.appendAudit(tenantID, kind, detail)
}

// appendAudit appends one JSONL row to this month's audit log for tenantID.
func (s *Store) appendAudit(tenantID, kind string, detail map[string]any) error {
	entry := AuditEntry{At: time.Now().UTC(), Kind: kind, Detail: detail}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	yyyymm := entry.At.Format("2006-01")
	key := auditKey(tenantID, yyyymm)
	existing, err := s.fs.Get(key)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	existing = append(existing, raw...)
	existing = append(existing, '\n')
	return s.fs.Put(key, existing)
}
