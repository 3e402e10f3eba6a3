// Package exportpkg builds the four deterministic ZIP packet types (spec
// component C10): monthly audit packet, security controls packet, support
// bundle, and vendor onboarding pack.
package exportpkg

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/settld/magiclink/internal/decision"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/verify"
	"github.com/settld/magiclink/internal/zipbuild"
)

// AuditRunRow is one row of the monthly audit packet's index.json.
type AuditRunRow struct {
	Token        string `json:"token"`
	ModeResolved string `json:"modeResolved"`
	Status       string `json:"status"`
	VendorID     string `json:"vendorId,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

type monthlyAuditIndex struct {
	SchemaVersion string        `json:"schemaVersion"`
	TenantID      string        `json:"tenantId"`
	Month         string        `json:"month"`
	Runs          []AuditRunRow `json:"runs"`
}

// BuildMonthlyAuditPacket builds MagicLinkMonthlyAuditPacketIndex.v1.
// webhookRecords, if non-nil, are mirrored verbatim under
// webhook_records/ (spec.md §4.10's "optional webhook record snapshot").
func BuildMonthlyAuditPacket(tenantID, month string, runs []verify.Run, webhookRecords map[string][]byte) ([]byte, error) {
	rows := make([]AuditRunRow, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, AuditRunRow{
			Token:        r.Token,
			ModeResolved: string(r.ModeResolved),
			Status:       string(r.Status),
			VendorID:     r.VendorID,
			CreatedAt:    r.CreatedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Token < rows[j].Token })

	index := monthlyAuditIndex{
		SchemaVersion: "MagicLinkMonthlyAuditPacketIndex.v1",
		TenantID:      tenantID,
		Month:         month,
		Runs:          rows,
	}
	indexJSON, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, err
	}

	csvBytes, err := runsToCSV(rows)
	if err != nil {
		return nil, err
	}

	entries := []zipbuild.Entry{
		{Path: "index.json", Data: indexJSON},
		{Path: "runs.csv", Data: csvBytes},
	}
	for name, data := range webhookRecords {
		entries = append(entries, zipbuild.Entry{Path: "webhook_records/" + name, Data: data})
	}
	return zipbuild.Build(entries)
}

func runsToCSV(rows []AuditRunRow) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)
	if err := w.Write([]string{"token", "modeResolved", "status", "vendorId", "createdAt"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.Token, r.ModeResolved, r.Status, r.VendorID, r.CreatedAt}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SecurityControlsPacketInput bundles the inputs for the security
// controls packet (spec.md §4.10).
type SecurityControlsPacketInput struct {
	TenantID            string
	AuditLog            []tenant.AuditEntry
	RedactionAllowlist  any
	RetentionBehavior   any
	DataInventory       any
	PilotKitDocs        map[string][]byte // path (relative to packet root) -> contents
}

type packetIndexFile struct {
	Path string `json:"path"`
}

type packetIndex struct {
	SchemaVersion string             `json:"schemaVersion"`
	Files         []packetIndexFile  `json:"files"`
}

// BuildSecurityControlsPacket builds the security controls packet.
func BuildSecurityControlsPacket(in SecurityControlsPacketInput) ([]byte, error) {
	auditLogJSONL := new(bytes.Buffer)
	for _, entry := range in.AuditLog {
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		auditLogJSONL.Write(raw)
		auditLogJSONL.WriteByte('\n')
	}

	redactionAllowlist, err := json.MarshalIndent(in.RedactionAllowlist, "", "  ")
	if err != nil {
		return nil, err
	}
	retentionBehavior, err := json.MarshalIndent(in.RetentionBehavior, "", "  ")
	if err != nil {
		return nil, err
	}
	dataInventory, err := json.MarshalIndent(in.DataInventory, "", "  ")
	if err != nil {
		return nil, err
	}

	indexJSON, err := json.MarshalIndent(map[string]string{"tenantId": in.TenantID}, "", "  ")
	if err != nil {
		return nil, err
	}

	entries := []zipbuild.Entry{
		{Path: "index.json", Data: indexJSON},
		{Path: "audit_log.jsonl", Data: auditLogJSONL.Bytes()},
		{Path: "redaction_allowlist.json", Data: redactionAllowlist},
		{Path: "retention_behavior.json", Data: retentionBehavior},
		{Path: "data_inventory.json", Data: dataInventory},
	}

	idx := packetIndex{SchemaVersion: "SecurityControlsPacketIndex.v1"}
	paths := make([]string, 0, len(in.PilotKitDocs))
	for path := range in.PilotKitDocs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		entries = append(entries, zipbuild.Entry{Path: path, Data: in.PilotKitDocs[path]})
		idx.Files = append(idx.Files, packetIndexFile{Path: path})
	}
	idxJSON, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, err
	}
	entries = append(entries, zipbuild.Entry{Path: "packet_index.json", Data: idxJSON})
	entries = append(entries, zipbuild.Entry{Path: "checksums.sha256", Data: checksumsFile(entries)})

	return zipbuild.Build(entries)
}

// checksumsFile renders a sha256sum(1)-style listing of every entry
// already assembled, sorted by path for determinism.
func checksumsFile(entries []zipbuild.Entry) []byte {
	sorted := make([]zipbuild.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	buf := new(bytes.Buffer)
	for _, e := range sorted {
		sum := sha256.Sum256(e.Data)
		fmt.Fprintf(buf, "%s  %s\n", hex.EncodeToString(sum[:]), e.Path)
	}
	return buf.Bytes()
}

// SupportBundleInput bundles the inputs for the support bundle.
type SupportBundleInput struct {
	Settings       tenant.Settings // already redacted by the caller
	Runs           []verify.Run
	VerifyOutputs  map[string]verify.VerifyCliOutput // token -> output, within the from/to window
	IncludeBundles bool
	RawBundles     map[string][]byte // token -> zip bytes, only used when IncludeBundles
	From, To       string
}

// BuildSupportBundle builds the support bundle ZIP.
func BuildSupportBundle(in SupportBundleInput) ([]byte, error) {
	settingsJSON, err := json.MarshalIndent(in.Settings, "", "  ")
	if err != nil {
		return nil, err
	}

	type runMeta struct {
		Token        string `json:"token"`
		ModeResolved string `json:"modeResolved"`
		Status       string `json:"status"`
		CreatedAt    string `json:"createdAt"`
	}
	metas := make([]runMeta, 0, len(in.Runs))
	for _, r := range in.Runs {
		metas = append(metas, runMeta{
			Token: r.Token, ModeResolved: string(r.ModeResolved), Status: string(r.Status),
			CreatedAt: r.CreatedAt,
		})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Token < metas[j].Token })
	runsJSON, err := json.MarshalIndent(map[string]any{"from": in.From, "to": in.To, "runs": metas}, "", "  ")
	if err != nil {
		return nil, err
	}

	entries := []zipbuild.Entry{
		{Path: "tenant_settings.json", Data: settingsJSON},
		{Path: "runs.json", Data: runsJSON},
	}

	tokens := make([]string, 0, len(in.VerifyOutputs))
	for token := range in.VerifyOutputs {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		raw, err := json.MarshalIndent(in.VerifyOutputs[token], "", "  ")
		if err != nil {
			return nil, err
		}
		entries = append(entries, zipbuild.Entry{Path: "verify/" + token + ".json", Data: raw})
	}

	if in.IncludeBundles {
		bundleTokens := make([]string, 0, len(in.RawBundles))
		for token := range in.RawBundles {
			bundleTokens = append(bundleTokens, token)
		}
		sort.Strings(bundleTokens)
		for _, token := range bundleTokens {
			entries = append(entries, zipbuild.Entry{Path: "bundles/" + token + ".zip", Data: in.RawBundles[token]})
		}
	}

	return zipbuild.Build(entries)
}

// BuildClosepack builds the per-token closepack: the verification report
// plus its signed settlement decision report, for GET
// /r/:token/closepack.zip (spec.md §6's route contract).
func BuildClosepack(token string, report verify.Report, decisionReport decision.Report) ([]byte, error) {
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	decisionJSON, err := json.MarshalIndent(decisionReport, "", "  ")
	if err != nil {
		return nil, err
	}
	indexJSON, err := json.MarshalIndent(map[string]string{"schemaVersion": "MagicLinkClosepack.v1", "token": token}, "", "  ")
	if err != nil {
		return nil, err
	}
	return zipbuild.Build([]zipbuild.Entry{
		{Path: "index.json", Data: indexJSON},
		{Path: "receipt.json", Data: reportJSON},
		{Path: "settlement_decision_report.json", Data: decisionJSON},
	})
}

// VendorOnboardingMetadata is the VendorOnboardingPack.v1 metadata.json
// body.
type VendorOnboardingMetadata struct {
	SchemaVersion string `json:"schemaVersion"`
	VendorID      string `json:"vendorId"`
	VendorName    string `json:"vendorName,omitempty"`
	TenantID      string `json:"tenantId"`
}

// BuildVendorOnboardingPack builds the vendor onboarding ZIP. The
// ingestKey is written verbatim so it can be used against the ingest
// endpoint with no additional provisioning (spec.md §4.10).
func BuildVendorOnboardingPack(ingestKey string, vendorID, vendorName, tenantID string, pricingMatrix, pricingSignatures []byte) ([]byte, error) {
	meta := VendorOnboardingMetadata{
		SchemaVersion: "VendorOnboardingPack.v1",
		VendorID:      vendorID,
		VendorName:    vendorName,
		TenantID:      tenantID,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}

	entries := []zipbuild.Entry{
		{Path: "ingest_key.txt", Data: []byte(ingestKey)},
		{Path: "metadata.json", Data: metaJSON},
	}
	if pricingMatrix != nil {
		entries = append(entries, zipbuild.Entry{Path: "pricing/pricing_matrix.json", Data: pricingMatrix})
	}
	if pricingSignatures != nil {
		entries = append(entries, zipbuild.Entry{Path: "pricing/pricing_matrix_signatures.json", Data: pricingSignatures})
	}
	return zipbuild.Build(entries)
}
