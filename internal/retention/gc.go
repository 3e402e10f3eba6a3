// Package retention implements the background retention GC worker
// (spec component, spec.md §6's persisted-layout comment "GC on
// retention" and §4's state diagram "DECIDED -> retention GC / revoke ->
// TERMINAL"): for every run past its owning tenant's retentionDays, it
// deletes the run's derived artifacts, its dedupe index entry, and any
// outbox entries still referencing it, while leaving the run record
// itself in place for support bundles.
//
// Grounded on the teacher's internal/billing.RunGenerator: a
// config-driven time.Ticker loop that, on every tick, scans all owners
// (there: billing sessions; here: tenants) and applies one independent
// unit of work per owner, logging and continuing past per-owner errors
// rather than aborting the sweep.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/settld/magiclink/internal/outbox"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/verify"
)

// RunLister is the subset of *verify.Pipeline the GC needs, kept as an
// interface so tests can exercise sweep logic without a real vault.
type RunLister interface {
	ListRuns(tenantID string) ([]verify.Run, error)
	PurgeArtifacts(run verify.Run) error
}

// OutboxPurger is the subset of *outbox.Engine the GC needs per queue.
type OutboxPurger interface {
	PurgeEntriesForToken(tenantID, token string) (int, error)
}

// GC is spec component: the retention sweep worker.
type GC struct {
	tenants *tenant.Store
	runs    RunLister
	outbox  []OutboxPurger

	log *zap.Logger
	now func() time.Time
}

func New(tenants *tenant.Store, runs RunLister, outboxEngines []*outbox.Engine, log *zap.Logger) *GC {
	purgers := make([]OutboxPurger, len(outboxEngines))
	for i, e := range outboxEngines {
		purgers[i] = e
	}
	return &GC{tenants: tenants, runs: runs, outbox: purgers, log: log, now: time.Now}
}

// Result summarizes one sweep, for operator visibility and tests.
type Result struct {
	TenantsScanned   int
	RunsExpired      int
	ArtifactsPurged  int
	OutboxEntriesPurged int
}

// RunOnce drives one sweep tick across every tenant.
func (g *GC) RunOnce(ctx context.Context) (Result, error) {
	var result Result

	tenantIDs, err := g.tenants.ListTenantIDs()
	if err != nil {
		return result, err
	}

	for _, tenantID := range tenantIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.TenantsScanned++

		settings, err := g.tenants.GetSettings(tenantID)
		if err != nil {
			g.log.Error("retention: get settings", zap.String("tenantId", tenantID), zap.Error(err))
			continue
		}
		if settings.RetentionDays <= 0 {
			continue
		}
		cutoff := g.now().UTC().Add(-time.Duration(settings.RetentionDays) * 24 * time.Hour)

		runs, err := g.runs.ListRuns(tenantID)
		if err != nil {
			g.log.Error("retention: list runs", zap.String("tenantId", tenantID), zap.Error(err))
			continue
		}
		for _, run := range runs {
			createdAt, err := time.Parse(time.RFC3339, run.CreatedAt)
			if err != nil {
				g.log.Error("retention: parse createdAt", zap.String("token", run.Token), zap.Error(err))
				continue
			}
			if !createdAt.Before(cutoff) {
				continue
			}
			g.sweepRun(tenantID, run, &result)
		}
	}
	return result, nil
}

func (g *GC) sweepRun(tenantID string, run verify.Run, result *Result) {
	if err := g.runs.PurgeArtifacts(run); err != nil {
		g.log.Error("retention: purge artifacts", zap.String("token", run.Token), zap.Error(err))
		return
	}
	result.RunsExpired++
	result.ArtifactsPurged++

	for _, q := range g.outbox {
		n, err := q.PurgeEntriesForToken(tenantID, run.Token)
		if err != nil {
			g.log.Error("retention: purge outbox entries", zap.String("token", run.Token), zap.Error(err))
			continue
		}
		result.OutboxEntriesPurged += n
	}
}

// Run ticks RunOnce at interval until ctx is cancelled.
func (g *GC) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.log.Info("retention GC started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			g.log.Info("retention GC stopped")
			return
		case <-ticker.C:
			result, err := g.RunOnce(ctx)
			if err != nil {
				g.log.Error("retention: sweep failed", zap.Error(err))
				continue
			}
			if result.RunsExpired > 0 {
				g.log.Info("retention sweep complete",
					zap.Int("tenantsScanned", result.TenantsScanned),
					zap.Int("runsExpired", result.RunsExpired),
					zap.Int("outboxEntriesPurged", result.OutboxEntriesPurged))
			}
		}
	}
}
