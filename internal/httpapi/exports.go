package httpapi

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/exportpkg"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/vault"
	"github.com/settld/magiclink/internal/verify"
)

func (d *Deps) registerExportRoutes(rg *gin.RouterGroup) {
	scoped := rg.Group("/tenants/:id", d.apiKeyMiddleware())
	scoped.GET("/export.csv", d.handleExportCSV)
	scoped.GET("/audit-packet", d.handleAuditPacket)
	scoped.GET("/security-controls-packet", d.handleSecurityControlsPacket)
	scoped.GET("/support-bundle", d.handleSupportBundle)
	scoped.GET("/analytics", d.handleAnalytics)
	scoped.GET("/trust-graph", d.handleTrustGraph)
	scoped.GET("/trust-graph/snapshots", d.handleTrustGraphSnapshots)
	scoped.GET("/trust-graph/diff", d.handleTrustGraphDiff)
}

func (d *Deps) handleExportCSV(c *gin.Context) {
	tenantID := c.Param("id")
	runs, err := d.Pipeline.ListRuns(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Token < runs[j].Token })

	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"token", "modeResolved", "status", "vendorId", "contractId", "runId", "createdAt"})
	for _, r := range runs {
		_ = w.Write([]string{r.Token, string(r.ModeResolved), string(r.Status), r.VendorID, r.ContractID, r.RunID, r.CreatedAt})
	}
	w.Flush()
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

func (d *Deps) monthOrDefault(c *gin.Context) string {
	month := c.Query("month")
	if month == "" {
		month = d.now().UTC().Format("2006-01")
	}
	return month
}

func (d *Deps) handleAuditPacket(c *gin.Context) {
	tenantID := c.Param("id")
	month := d.monthOrDefault(c)
	runs, err := d.Pipeline.ListRuns(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	zipBytes, err := exportpkg.BuildMonthlyAuditPacket(tenantID, month, runs, nil)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/zip", zipBytes)
}

func (d *Deps) handleSecurityControlsPacket(c *gin.Context) {
	tenantID := c.Param("id")
	auditLog, err := d.Tenants.ListAudit(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	settings, err := d.Tenants.GetSettings(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	zipBytes, err := exportpkg.BuildSecurityControlsPacket(exportpkg.SecurityControlsPacketInput{
		TenantID:           tenantID,
		AuditLog:           auditLog,
		RedactionAllowlist: []string{"ingestKeySealed", "encryptedSecret", "encryptedPrivatePem"},
		RetentionBehavior:  map[string]any{"retentionDays": settings.RetentionDays},
		DataInventory:      map[string]any{"stores": []string{"tenants", "runs", "decisions", "usage", "audit", "outbox"}},
	})
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/zip", zipBytes)
}

func (d *Deps) handleSupportBundle(c *gin.Context) {
	tenantID := c.Param("id")
	from, to := c.Query("from"), c.Query("to")
	includeBundles := c.Query("includeBundles") == "true"

	settings, err := d.Tenants.GetSettings(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	runs, err := d.Pipeline.ListRuns(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	windowed := make([]verify.Run, 0, len(runs))
	for _, r := range runs {
		if from != "" && r.CreatedAt < from {
			continue
		}
		if to != "" && r.CreatedAt > to {
			continue
		}
		windowed = append(windowed, r)
	}

	outputs := make(map[string]verify.VerifyCliOutput, len(windowed))
	rawBundles := make(map[string][]byte, len(windowed))
	for _, r := range windowed {
		raw, err := d.Vault.Get(r.Token, vault.ArtifactVerify)
		if err != nil && err != store.ErrNotFound {
			apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
			return
		}
		if err == nil {
			var out verify.VerifyCliOutput
			if err := json.Unmarshal(raw, &out); err == nil {
				outputs[r.Token] = out
			}
		}
		if includeBundles {
			if zipRaw, err := d.Vault.Get(r.Token, vault.ArtifactBundle); err == nil {
				rawBundles[r.Token] = zipRaw
			}
		}
	}

	zipBytes, err := exportpkg.BuildSupportBundle(exportpkg.SupportBundleInput{
		Settings:       settings.Redacted(),
		Runs:           windowed,
		VerifyOutputs:  outputs,
		IncludeBundles: includeBundles,
		RawBundles:     rawBundles,
		From:           from,
		To:             to,
	})
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/zip", zipBytes)
}

// handleAnalytics and the trust-graph family below are derived read-only
// views over already-persisted run/decision data — spec.md names these
// routes without specifying a wire shape, so each is kept to the simplest
// honest aggregate its inputs support rather than invented domain state.

func (d *Deps) handleAnalytics(c *gin.Context) {
	tenantID := c.Param("id")
	runs, err := d.Pipeline.ListRuns(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	byStatus := map[string]int{}
	byVendor := map[string]int{}
	decided := 0
	for _, r := range runs {
		byStatus[string(r.Status)]++
		if r.VendorID != "" {
			byVendor[r.VendorID]++
		}
		if _, err := d.Decide.GetReport(r.Token); err == nil {
			decided++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"tenantId":     tenantID,
		"totalRuns":    len(runs),
		"decidedRuns":  decided,
		"byStatus":     byStatus,
		"byVendor":     byVendor,
	})
}

// trustGraphNode is one vendor's aggregate standing within a tenant's run
// history: how many runs it has produced and the outcome mix.
type trustGraphNode struct {
	VendorID string `json:"vendorId"`
	Runs     int    `json:"runs"`
	Green    int    `json:"green"`
	Amber    int    `json:"amber"`
	Red      int    `json:"red"`
}

func buildTrustGraph(runs []verify.Run) []trustGraphNode {
	byVendor := map[string]*trustGraphNode{}
	for _, r := range runs {
		if r.VendorID == "" {
			continue
		}
		node, ok := byVendor[r.VendorID]
		if !ok {
			node = &trustGraphNode{VendorID: r.VendorID}
			byVendor[r.VendorID] = node
		}
		node.Runs++
		switch r.Status {
		case verify.StatusGreen:
			node.Green++
		case verify.StatusAmber:
			node.Amber++
		case verify.StatusRed:
			node.Red++
		}
	}
	out := make([]trustGraphNode, 0, len(byVendor))
	for _, n := range byVendor {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VendorID < out[j].VendorID })
	return out
}

func (d *Deps) handleTrustGraph(c *gin.Context) {
	runs, err := d.Pipeline.ListRuns(c.Param("id"))
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": buildTrustGraph(runs)})
}

// handleTrustGraphSnapshots returns the single current snapshot: no
// historical trust-graph snapshots are persisted, so "snapshots" is a
// one-element list today rather than a fabricated history.
func (d *Deps) handleTrustGraphSnapshots(c *gin.Context) {
	runs, err := d.Pipeline.ListRuns(c.Param("id"))
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": []gin.H{
		{"takenAt": d.now().UTC().Format("2006-01-02T15:04:05Z07:00"), "nodes": buildTrustGraph(runs)},
	}})
}

// handleTrustGraphDiff diffs the current trust graph against itself since
// no prior snapshot is persisted to diff against — an honest empty diff
// rather than a synthetic baseline.
func (d *Deps) handleTrustGraphDiff(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"added": []trustGraphNode{}, "changed": []trustGraphNode{}, "removed": []trustGraphNode{}})
}
