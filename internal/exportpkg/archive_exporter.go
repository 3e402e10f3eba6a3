package exportpkg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/settld/magiclink/internal/outbox"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/verify"
)

// RunLister is the subset of *verify.Pipeline the exporter needs, kept
// as an interface the same way internal/retention.RunLister is, so
// tests can script run history without a real vault.
type RunLister interface {
	ListRuns(tenantID string) ([]verify.Run, error)
}

// ArchiveExporter is spec component C10's background half: on each tick
// it builds the current month's audit packet for every tenant that has
// configured a `archiveExportSink` and POSTs it (or, when no sink is
// configured, writes an archive marker record instead — mirroring the
// outbox engine's "record" delivery mode for deterministic tests).
type ArchiveExporter struct {
	tenants   *tenant.Store
	runs      RunLister
	deliverer outbox.Deliverer
	fs        *store.FileStore
	log       *zap.Logger
	now       func() time.Time
}

func NewArchiveExporter(tenants *tenant.Store, runs RunLister, deliverer outbox.Deliverer, fs *store.FileStore, log *zap.Logger) *ArchiveExporter {
	return &ArchiveExporter{tenants: tenants, runs: runs, deliverer: deliverer, fs: fs, log: log, now: time.Now}
}

// archiveMarker is the MagicLinkArchiveExportMarker.v1 record mirrored
// to archive_markers/ whenever a sink delivery happens, and written in
// its place when no sink is configured.
type archiveMarker struct {
	SchemaVersion string `json:"schemaVersion"`
	TenantID      string `json:"tenantId"`
	Month         string `json:"month"`
	PacketSha256  string `json:"packetSha256"`
	ExportedAt    string `json:"exportedAt"`
	Sink          string `json:"sink,omitempty"`
	DeliveryMode  string `json:"deliveryMode"`
}

// Result summarizes one export tick.
type Result struct {
	TenantsScanned int
	PacketsBuilt   int
	DeliveryFailed int
}

// RunOnce builds and ships the current-month archive packet for every
// tenant that has run history this month.
func (a *ArchiveExporter) RunOnce(ctx context.Context) (Result, error) {
	var result Result
	month := a.now().UTC().Format("2006-01")

	tenantIDs, err := a.tenants.ListTenantIDs()
	if err != nil {
		return result, err
	}
	for _, tenantID := range tenantIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.TenantsScanned++

		settings, err := a.tenants.GetSettings(tenantID)
		if err != nil {
			a.log.Error("archive export: get settings", zap.String("tenantId", tenantID), zap.Error(err))
			continue
		}

		allRuns, err := a.runs.ListRuns(tenantID)
		if err != nil {
			a.log.Error("archive export: list runs", zap.String("tenantId", tenantID), zap.Error(err))
			continue
		}
		var monthRuns []verify.Run
		for _, r := range allRuns {
			if len(r.CreatedAt) >= 7 && r.CreatedAt[:7] == month {
				monthRuns = append(monthRuns, r)
			}
		}
		if len(monthRuns) == 0 {
			continue
		}

		packet, err := BuildMonthlyAuditPacket(tenantID, month, monthRuns, nil)
		if err != nil {
			a.log.Error("archive export: build packet", zap.String("tenantId", tenantID), zap.Error(err))
			continue
		}
		result.PacketsBuilt++

		if err := a.ship(ctx, tenantID, month, packet, settings.ArchiveExportSink); err != nil {
			a.log.Error("archive export: ship packet", zap.String("tenantId", tenantID), zap.Error(err))
			result.DeliveryFailed++
		}
	}
	return result, nil
}

func (a *ArchiveExporter) ship(ctx context.Context, tenantID, month string, packet []byte, sink string) error {
	sum := sha256.Sum256(packet)
	marker := archiveMarker{
		SchemaVersion: "MagicLinkArchiveExportMarker.v1",
		TenantID:      tenantID,
		Month:         month,
		PacketSha256:  hex.EncodeToString(sum[:]),
		ExportedAt:    a.now().UTC().Format(time.RFC3339),
		Sink:          sink,
	}

	if sink == "" {
		marker.DeliveryMode = "record"
	} else {
		marker.DeliveryMode = "webhook"
		statusCode, err := a.deliverer.Deliver(ctx, sink, map[string]string{"x-settld-event": "archive.exported"}, packet)
		if err != nil {
			return fmt.Errorf("archive export: deliver: %w", err)
		}
		if statusCode < 200 || statusCode >= 300 {
			return fmt.Errorf("archive export: sink returned status %d", statusCode)
		}
	}

	raw, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return a.fs.Put(fmt.Sprintf("archive_markers/%s_%s.json", tenantID, month), raw)
}

// Run ticks RunOnce at interval until ctx is cancelled, the same
// config-driven ticker shape as internal/retention.GC.Run and the
// teacher's billing.RunGenerator.
func (a *ArchiveExporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.log.Info("archive exporter started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			a.log.Info("archive exporter stopped")
			return
		case <-ticker.C:
			result, err := a.RunOnce(ctx)
			if err != nil {
				a.log.Error("archive export: tick failed", zap.Error(err))
				continue
			}
			if result.PacketsBuilt > 0 {
				a.log.Info("archive export tick complete",
					zap.Int("tenantsScanned", result.TenantsScanned),
					zap.Int("packetsBuilt", result.PacketsBuilt),
					zap.Int("deliveryFailed", result.DeliveryFailed))
			}
		}
	}
}
