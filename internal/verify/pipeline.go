package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/settld/magiclink/internal/canonical"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/vault"
)

// ErrFailOnWarnings / ErrPricingSignerNotAllowed are the vendor-policy
// denial codes appended to Errors per spec.md §4.4 step 5.
const (
	ErrFailOnWarnings           = "FAIL_ON_WARNINGS"
	ErrPricingSignerNotAllowed  = "HOSTED_POLICY_PRICING_MATRIX_SIGNER_KEYID_NOT_ALLOWED"
)

// SideEffects is invoked by Submit for every side effect spec.md §4.4 step
// 8 names. Implemented at the wiring layer (internal/wiring.Effects) by
// adapters over internal/outbox.Engine and internal/decision.Engine — kept as an
// interface here so this package never imports outbox or decision
// directly (mirrors the teacher's BillingHooks decoupling).
type SideEffects interface {
	EnqueueVerificationWebhook(ctx context.Context, tenantID string, run Run, report Report) error
	EnqueueBuyerNotification(ctx context.Context, tenantID string, run Run) error
	EvaluateAutoDecision(ctx context.Context, tenantID string, run Run) error
}

// Pipeline is spec component C4.
type Pipeline struct {
	fs       *store.FileStore
	vault    *vault.Vault
	tenants  *tenant.Store
	verifier Verifier
	effects  SideEffects

	mu        sync.Mutex
	runLocks  map[string]*sync.Mutex
}

func NewPipeline(fs *store.FileStore, v *vault.Vault, tenants *tenant.Store, verifier Verifier, effects SideEffects) *Pipeline {
	return &Pipeline{fs: fs, vault: v, tenants: tenants, verifier: verifier, effects: effects, runLocks: make(map[string]*sync.Mutex)}
}

func (p *Pipeline) lockFor(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.runLocks[key]
	if !ok {
		l = &sync.Mutex{}
		p.runLocks[key] = l
	}
	return l
}

func indexKey(tenantID, zipSha256 string) string {
	return "index/" + tenantID + "/" + zipSha256 + ".json"
}

func runKey(tenantID, token string) string {
	return "runs/" + tenantID + "/" + token + ".json"
}

type dedupeIndex struct {
	Token              string `json:"token"`
	TemplateConfigHash string `json:"templateConfigHash,omitempty"`
}

// Submit runs the full verification pipeline (spec.md §4.4).
func (p *Pipeline) Submit(ctx context.Context, in SubmitInput) (SubmitOutcome, error) {
	lock := p.lockFor(in.TenantID + ":" + zipSha256Hex(in.ZipBytes))
	lock.Lock()
	defer lock.Unlock()

	settings, err := p.tenants.GetSettings(in.TenantID)
	if err != nil {
		return SubmitOutcome{}, err
	}

	zipSha := zipSha256Hex(in.ZipBytes)

	// Step 2: dedupe on (tenantId, zipSha256).
	if raw, err := p.fs.Get(indexKey(in.TenantID, zipSha)); err == nil {
		var idx dedupeIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return SubmitOutcome{}, fmt.Errorf("verify: decode dedupe index: %w", err)
		}
		existingRun, err := p.loadRun(in.TenantID, idx.Token)
		if err != nil {
			return SubmitOutcome{}, err
		}

		rerun := p.shouldRerun(existingRun, settings, in)
		if !rerun {
			return SubmitOutcome{Run: existingRun, Deduped: true}, nil
		}
		return p.runVerification(ctx, in, settings, existingRun.Token, true, false)
	} else if err != store.ErrNotFound {
		return SubmitOutcome{}, err
	}

	// runId idempotency channel: a distinct zipSha256 under the same
	// (tenantId, runId) is accepted but buyer notification is skipped.
	buyerNotifySkipped := false
	if in.RunID != "" {
		if _, err := p.fs.Get(runIDKey(in.TenantID, in.RunID)); err == nil {
			buyerNotifySkipped = true
		} else if err != store.ErrNotFound {
			return SubmitOutcome{}, err
		}
	}

	token, err := p.vault.IssueToken()
	if err != nil {
		return SubmitOutcome{}, err
	}
	outcome, err := p.runVerification(ctx, in, settings, token, false, buyerNotifySkipped)
	if err != nil {
		return SubmitOutcome{}, err
	}
	outcome.BuyerNotifySkipped = buyerNotifySkipped

	if err := p.fs.Put(indexKey(in.TenantID, zipSha), mustJSON(dedupeIndex{Token: token})); err != nil {
		return SubmitOutcome{}, err
	}
	if in.RunID != "" {
		if err := p.fs.Put(runIDKey(in.TenantID, in.RunID), []byte(token)); err != nil {
			return SubmitOutcome{}, err
		}
	}
	return outcome, nil
}

func runIDKey(tenantID, runID string) string {
	return "runid-index/" + tenantID + "/" + runID + ".txt"
}

// shouldRerun implements step 3's "changing settings may promote an
// existing compat run to strict" rule: a rerun happens when the mode that
// would now be resolved differs from the run's stored modeResolved.
func (p *Pipeline) shouldRerun(existing Run, settings tenant.Settings, in SubmitInput) bool {
	resolved := resolveMode(in.Mode, Mode(settings.DefaultMode), settings.GovernanceTrustRootsJSON != "")
	return resolved != existing.ModeResolved
}

func resolveMode(explicit Mode, tenantDefault Mode, trustedRootsConfigured bool) Mode {
	mode := explicit
	if mode == "" {
		mode = tenantDefault
	}
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		if trustedRootsConfigured {
			return ModeStrict
		}
		return ModeCompat
	}
	return mode
}

func (p *Pipeline) runVerification(ctx context.Context, in SubmitInput, settings tenant.Settings, token string, rerun, skipBuyerNotify bool) (SubmitOutcome, error) {
	modeResolved := resolveMode(in.Mode, Mode(settings.DefaultMode), settings.GovernanceTrustRootsJSON != "")

	out, err := p.verifier.Verify(ctx, VerifyContext{
		Mode:                     modeResolved,
		GovernanceTrustRootsJSON: settings.GovernanceTrustRootsJSON,
		PricingSignerKeysJSON:    settings.PricingSignerKeysJSON,
		ZipBytes:                 in.ZipBytes,
	})
	if err != nil {
		return SubmitOutcome{}, err
	}

	p.applyVendorPolicy(&out, settings, in.VendorID)

	status := deriveStatus(out)

	run := Run{
		Token:        token,
		TenantID:     in.TenantID,
		ZipSha256:    zipSha256Hex(in.ZipBytes),
		ModeResolved: modeResolved,
		VerifyOK:     out.OK,
		Status:       status,
		VendorID:     in.VendorID,
		VendorName:   in.VendorName,
		ContractID:   in.ContractID,
		RunID:        in.RunID,
		TemplateID:   in.TemplateID,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if len(in.TemplateConfig) > 0 {
		sum := sha256.Sum256(in.TemplateConfig)
		run.TemplateConfigHash = hex.EncodeToString(sum[:])
	}

	report := Report{
		SchemaVersion: "VerificationReport.v1",
		Token:         token,
		Status:        status,
		ModeResolved:  modeResolved,
		Verify:        out,
		VendorID:      in.VendorID,
		VendorName:    in.VendorName,
		ContractID:    in.ContractID,
		CreatedAt:     run.CreatedAt,
	}

	summaryBytes, err := canonical.Marshal(report)
	if err != nil {
		return SubmitOutcome{}, err
	}
	run.SummaryHash = canonical.SHA256Hex(summaryBytes)

	if err := p.persistRun(run, out, report, in.ZipBytes); err != nil {
		return SubmitOutcome{}, err
	}

	if p.effects != nil {
		if err := p.effects.EnqueueVerificationWebhook(ctx, in.TenantID, run, report); err != nil {
			return SubmitOutcome{}, err
		}
		if !rerun {
			if !skipBuyerNotify {
				if err := p.effects.EnqueueBuyerNotification(ctx, in.TenantID, run); err != nil {
					return SubmitOutcome{}, err
				}
			}
			if err := p.effects.EvaluateAutoDecision(ctx, in.TenantID, run); err != nil {
				return SubmitOutcome{}, err
			}
		}
	}

	return SubmitOutcome{Run: run, Rerun: rerun}, nil
}

// applyVendorPolicy implements step 5: failOnWarnings and pricing-signer
// allowlist enforcement.
func (p *Pipeline) applyVendorPolicy(out *VerifyCliOutput, settings tenant.Settings, vendorID string) {
	if vendorID == "" {
		return
	}
	policy, ok := settings.VendorPolicies[vendorID]
	if !ok {
		return
	}
	if policy.FailOnWarnings && len(out.Warnings) > 0 {
		out.Errors = append(out.Errors, Issue{Code: ErrFailOnWarnings})
		out.OK = false
	}
	if len(policy.RequiredPricingMatrixSignerIDs) > 0 {
		allowed := false
		for _, id := range policy.RequiredPricingMatrixSignerIDs {
			if strings.Contains(settings.PricingSignerKeysJSON, id) {
				allowed = true
				break
			}
		}
		if !allowed {
			out.Errors = append(out.Errors, Issue{Code: ErrPricingSignerNotAllowed})
			out.OK = false
		}
	}
}

// deriveStatus implements step 6.
func deriveStatus(out VerifyCliOutput) Status {
	if !out.OK {
		return StatusRed
	}
	for _, w := range out.Warnings {
		if w.Code == WarnTrustedRootsMissingLenient {
			return StatusAmber
		}
	}
	return StatusGreen
}

func (p *Pipeline) persistRun(run Run, out VerifyCliOutput, report Report, zipBytes []byte) error {
	runRaw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if err := p.fs.Put(runKey(run.TenantID, run.Token), runRaw); err != nil {
		return err
	}
	if err := p.vault.PutTenantID(run.Token, run.TenantID); err != nil {
		return err
	}
	if err := p.vault.Put(run.Token, vault.ArtifactZip, zipBytes); err != nil {
		return err
	}
	verifyRaw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := p.vault.Put(run.Token, vault.ArtifactVerify, verifyRaw); err != nil {
		return err
	}
	reportRaw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return p.vault.Put(run.Token, vault.ArtifactReceipt, reportRaw)
}

func (p *Pipeline) loadRun(tenantID, token string) (Run, error) {
	raw, err := p.fs.Get(runKey(tenantID, token))
	if err != nil {
		return Run{}, err
	}
	var r Run
	if err := json.Unmarshal(raw, &r); err != nil {
		return Run{}, fmt.Errorf("verify: decode run: %w", err)
	}
	return r, nil
}

// GetRun resolves token to its owning tenant via the vault's token index
// and loads the run record. Every /r/:token endpoint reaches a run this
// way since the token alone is the caller's only credential.
func (p *Pipeline) GetRun(token string) (Run, error) {
	tenantID, err := p.vault.TenantIDForToken(token)
	if err != nil {
		return Run{}, err
	}
	return p.loadRun(tenantID, token)
}

// TenantIDForToken exposes the vault's token->tenant index for callers
// (the HTTP layer) that need the tenant before loading the run itself,
// e.g. to enforce tenant-scoped auth on operator-only token endpoints.
func (p *Pipeline) TenantIDForToken(token string) (string, error) {
	return p.vault.TenantIDForToken(token)
}

// Vault exposes the underlying artifact vault for handlers that serve
// artifacts (verify.json, receipt.json, pdf, zip bundles) directly.
func (p *Pipeline) Vault() *vault.Vault { return p.vault }

// ListRuns returns every run recorded for tenantID, for export tooling
// (internal/exportpkg's packet builders, mlctl's audit-packet command)
// that needs the full run history rather than a single token lookup.
func (p *Pipeline) ListRuns(tenantID string) ([]Run, error) {
	keys, err := p.fs.List("runs/" + tenantID)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(keys))
	for _, key := range keys {
		raw, err := p.fs.Get(key)
		if err != nil {
			return nil, err
		}
		var r Run
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("verify: decode run %s: %w", key, err)
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// PurgeArtifacts deletes run's derived artifacts and dedupe index entry
// (retention GC's unit of work), leaving the run record itself at
// runs/<tenantId>/<token>.json untouched so support bundles can still
// cite it after the artifacts age out.
func (p *Pipeline) PurgeArtifacts(run Run) error {
	if err := p.vault.PurgeArtifacts(run.Token); err != nil {
		return err
	}
	return p.fs.Delete(indexKey(run.TenantID, run.ZipSha256))
}

func zipSha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
