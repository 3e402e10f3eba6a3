package apierr

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRespond_WritesEnvelopeAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Respond(c, ErrRunNotFound)

	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != false || body["code"] != "RUN_NOT_FOUND" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRespond_RateLimitedSetsRetryAfterHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Respond(c, ErrRateLimited, 42)

	if w.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After=42, got %q", w.Header().Get("Retry-After"))
	}
}

func TestWithDetail_IncludedInEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	err := New(403, "ENTITLEMENT_LIMIT_EXCEEDED", "over limit").
		WithDetail(map[string]any{"feature": "verifications", "limit": 100, "used": 101}).
		WithUpgradeHint(map[string]any{"suggestedPlans": []string{"growth"}})
	Respond(c, err)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	detail, ok := body["detail"].(map[string]any)
	if !ok || detail["feature"] != "verifications" {
		t.Fatalf("expected detail present, got %+v", body)
	}
	if _, ok := body["upgradeHint"]; !ok {
		t.Fatalf("expected upgradeHint present")
	}
}
