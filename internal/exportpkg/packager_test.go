package exportpkg

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/verify"
	"github.com/settld/magiclink/internal/zipbuild"
)

func sampleRuns() []verify.Run {
	return []verify.Run{
		{Token: "ml_b", ModeResolved: verify.ModeStrict, Status: verify.StatusGreen, VendorID: "v1", CreatedAt: time.Unix(1000, 0).UTC().Format(time.RFC3339)},
		{Token: "ml_a", ModeResolved: verify.ModeCompat, Status: verify.StatusAmber, VendorID: "v2", CreatedAt: time.Unix(2000, 0).UTC().Format(time.RFC3339)},
	}
}

func TestBuildMonthlyAuditPacket_Deterministic(t *testing.T) {
	a, err := BuildMonthlyAuditPacket("tenant_a", "2026-07", sampleRuns(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildMonthlyAuditPacket("tenant_a", "2026-07", sampleRuns(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected identical bytes across builds")
	}

	files, err := zipbuild.Read(a)
	if err != nil {
		t.Fatal(err)
	}
	var index monthlyAuditIndex
	if err := json.Unmarshal(files["index.json"], &index); err != nil {
		t.Fatal(err)
	}
	if index.SchemaVersion != "MagicLinkMonthlyAuditPacketIndex.v1" {
		t.Fatalf("unexpected schema version: %s", index.SchemaVersion)
	}
	if len(index.Runs) != 2 || index.Runs[0].Token != "ml_a" {
		t.Fatalf("expected runs sorted by token, got %+v", index.Runs)
	}
	if _, ok := files["runs.csv"]; !ok {
		t.Fatalf("expected runs.csv present")
	}
}

func TestBuildMonthlyAuditPacket_IncludesWebhookRecordSnapshot(t *testing.T) {
	records := map[string][]byte{"rec1.json": []byte(`{"ok":true}`)}
	out, err := BuildMonthlyAuditPacket("tenant_a", "2026-07", nil, records)
	if err != nil {
		t.Fatal(err)
	}
	files, err := zipbuild.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(files["webhook_records/rec1.json"]) != `{"ok":true}` {
		t.Fatalf("expected webhook record mirrored into packet")
	}
}

func TestBuildSecurityControlsPacket_ChecksumsMatchContents(t *testing.T) {
	out, err := BuildSecurityControlsPacket(SecurityControlsPacketInput{
		TenantID:           "tenant_a",
		AuditLog:           []tenant.AuditEntry{{Kind: "settings.updated"}},
		RedactionAllowlist: map[string]any{"fields": []string{"email"}},
		RetentionBehavior:  map[string]any{"days": 90},
		DataInventory:      map[string]any{"tables": []string{"runs"}},
		PilotKitDocs:       map[string][]byte{"docs/security.md": []byte("# security")},
	})
	if err != nil {
		t.Fatal(err)
	}
	files, err := zipbuild.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	for _, required := range []string{"index.json", "audit_log.jsonl", "redaction_allowlist.json", "retention_behavior.json", "data_inventory.json", "packet_index.json", "checksums.sha256", "docs/security.md"} {
		if _, ok := files[required]; !ok {
			t.Fatalf("expected %s present in packet", required)
		}
	}

	var idx packetIndex
	if err := json.Unmarshal(files["packet_index.json"], &idx); err != nil {
		t.Fatal(err)
	}
	if len(idx.Files) != 1 || idx.Files[0].Path != "docs/security.md" {
		t.Fatalf("unexpected packet index: %+v", idx)
	}

	checksums := string(files["checksums.sha256"])
	if !bytes.Contains([]byte(checksums), []byte("docs/security.md")) {
		t.Fatalf("expected checksums.sha256 to list docs/security.md, got %q", checksums)
	}
}

func TestBuildSupportBundle_RawBundlesOmittedByDefault(t *testing.T) {
	out, err := BuildSupportBundle(SupportBundleInput{
		Settings:   tenant.DefaultSettings(),
		Runs:       sampleRuns(),
		RawBundles: map[string][]byte{"ml_a": []byte("zip-bytes")},
		From:       "2026-07-01", To: "2026-07-31",
	})
	if err != nil {
		t.Fatal(err)
	}
	files, err := zipbuild.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := files["bundles/ml_a.zip"]; ok {
		t.Fatalf("expected raw bundle omitted when IncludeBundles=false")
	}
}

func TestBuildSupportBundle_RawBundlesIncludedWhenRequested(t *testing.T) {
	out, err := BuildSupportBundle(SupportBundleInput{
		Settings:       tenant.DefaultSettings(),
		Runs:           sampleRuns(),
		IncludeBundles: true,
		RawBundles:     map[string][]byte{"ml_a": []byte("zip-bytes")},
	})
	if err != nil {
		t.Fatal(err)
	}
	files, err := zipbuild.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(files["bundles/ml_a.zip"]) != "zip-bytes" {
		t.Fatalf("expected raw bundle included when IncludeBundles=true")
	}
}

func TestBuildVendorOnboardingPack_ContainsIngestKeyVerbatim(t *testing.T) {
	out, err := BuildVendorOnboardingPack("ingest_abc123", "vendor_1", "Acme Vendor", "tenant_a", []byte(`{"rows":[]}`), []byte(`{"sigs":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	files, err := zipbuild.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(files["ingest_key.txt"]) != "ingest_abc123" {
		t.Fatalf("expected ingest key verbatim, got %q", files["ingest_key.txt"])
	}
	var meta VendorOnboardingMetadata
	if err := json.Unmarshal(files["metadata.json"], &meta); err != nil {
		t.Fatal(err)
	}
	if meta.SchemaVersion != "VendorOnboardingPack.v1" || meta.VendorID != "vendor_1" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if _, ok := files["pricing/pricing_matrix.json"]; !ok {
		t.Fatalf("expected pricing matrix present")
	}
}

func TestBuildVendorOnboardingPack_OmitsPricingWhenNotSupplied(t *testing.T) {
	out, err := BuildVendorOnboardingPack("ingest_xyz", "vendor_2", "", "tenant_a", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	files, err := zipbuild.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := files["pricing/pricing_matrix.json"]; ok {
		t.Fatalf("expected pricing matrix omitted when not supplied")
	}
}
