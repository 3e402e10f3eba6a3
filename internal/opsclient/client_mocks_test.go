package opsclient

import (
	"context"
	"testing"

	"github.com/settld/magiclink/internal/mocks"
)

// These drive the real Client against the mocks package's fake ops API
// instead of an ad hoc httptest.Server, covering the same chain-hash
// precondition contract the rest of this file's tests assert by hand.

func TestGetChainHash_AgainstFakeOpsAPI(t *testing.T) {
	ops := mocks.NewOpsAPI(t, "")
	c := NewClient(ops.URL(), "tenant_a", "key1", "1.0")

	hash, err := c.GetChainHash(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" {
		t.Fatalf("expected empty chain hash for fresh stream, got %q", hash)
	}
}

func TestAppendEvent_AgainstFakeOpsAPI_SucceedsThenMismatches(t *testing.T) {
	ops := mocks.NewOpsAPI(t, "")
	c := NewClient(ops.URL(), "tenant_a", "key1", "1.0")

	if err := c.AppendEvent(context.Background(), "run-1", map[string]string{"type": "RUN_COMPLETED"}, "", "idem-1"); err != nil {
		t.Fatalf("expected first append to succeed, got %v", err)
	}
	if ops.ChainHash() != "hash_idem-1" {
		t.Fatalf("expected fake chain hash advanced, got %q", ops.ChainHash())
	}

	err := c.AppendEvent(context.Background(), "run-1", map[string]string{"type": "RUN_COMPLETED"}, "", "idem-2")
	if err != ErrPrevChainHashMismatch {
		t.Fatalf("expected ErrPrevChainHashMismatch on stale prev hash, got %v", err)
	}
}
