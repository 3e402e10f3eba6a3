package vault

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/settld/magiclink/internal/store"
)

var (
	ErrTokenRevoked        = errors.New("REVOKED")
	ErrReceiptHashMismatch = errors.New("RECEIPT_HASH_MISMATCH")
)

// ArtifactKey enumerates the artifact slots a token may hold.
type ArtifactKey string

const (
	ArtifactZip        ArtifactKey = "zip"
	ArtifactVerify     ArtifactKey = "verify"
	ArtifactReceipt    ArtifactKey = "receipt"
	ArtifactPDF        ArtifactKey = "pdf"
	ArtifactAudit      ArtifactKey = "audit"
	ArtifactClosepack  ArtifactKey = "closepack"
	ArtifactPublic     ArtifactKey = "public"
	ArtifactBundle     ArtifactKey = "bundle"
)

var validArtifactKeys = map[ArtifactKey]bool{
	ArtifactZip: true, ArtifactVerify: true, ArtifactReceipt: true,
	ArtifactPDF: true, ArtifactAudit: true, ArtifactClosepack: true,
	ArtifactPublic: true, ArtifactBundle: true,
}

// PublicSummary is the redacted, HMAC-signed payload returned by
// GetPublicSummary — MagicLinkPublicReceiptSummary.v1.
type PublicSummary struct {
	Token        string `json:"token"`
	SummaryHash  string `json:"summaryHash"`
	SignatureHex string `json:"signatureHex"`
	BadgeURL     string `json:"badgeUrl"`
	Body         []byte `json:"-"`
}

// Vault maps opaque tokens to verification runs and their derived
// artifacts (spec component C3). Tokens are 192-bit CSPRNG values rendered
// as "ml_" + 48 lowercase hex, generated the way the teacher's federation
// package mints nonces (crypto/rand → hex.EncodeToString), generalized from
// 32 bytes to 24 bytes to match the spec's bit width.
type Vault struct {
	fs         *store.FileStore
	summaryKey []byte
	badgeBase  string
}

func New(fs *store.FileStore, summaryKey []byte, badgeBase string) *Vault {
	return &Vault{fs: fs, summaryKey: summaryKey, badgeBase: badgeBase}
}

// IssueToken mints a new token: "ml_" + 48 lowercase hex (192 bits).
func (v *Vault) IssueToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("vault: token entropy: %w", err)
	}
	return "ml_" + hex.EncodeToString(raw), nil
}

func (v *Vault) metaKey(token string) string {
	return "meta/" + token + ".json"
}

func (v *Vault) artifactKey(token string, key ArtifactKey) (string, error) {
	if !validArtifactKeys[key] {
		return "", fmt.Errorf("vault: unknown artifact key %q", key)
	}
	switch key {
	case ArtifactZip:
		return "zips/" + token + ".zip", nil
	case ArtifactVerify:
		return "verify/" + token + ".json", nil
	case ArtifactPublic:
		return "public/" + token + ".json", nil
	case ArtifactPDF:
		return "pdf/" + token + ".pdf", nil
	default:
		// receipt, audit, closepack, bundle share the meta-adjacent
		// artifacts/<token>/<key> layout — spec.md's persisted-layout
		// table only enumerates the hot paths explicitly, the rest are
		// addressed by token+key the same way.
		return "artifacts/" + token + "/" + string(key), nil
	}
}

func (v *Vault) revokedKey(token string) string {
	return "revoked/" + token + ".json"
}

// Put stores bytes under (token, key). Returns an error if the token has
// been revoked.
func (v *Vault) Put(token string, key ArtifactKey, data []byte) error {
	if v.isRevoked(token) {
		return ErrTokenRevoked
	}
	path, err := v.artifactKey(token, key)
	if err != nil {
		return err
	}
	return v.fs.Put(path, data)
}

// Get retrieves bytes stored under (token, key). Returns store.ErrNotFound
// if absent, ErrTokenRevoked if the token has been revoked.
func (v *Vault) Get(token string, key ArtifactKey) ([]byte, error) {
	if v.isRevoked(token) {
		return nil, ErrTokenRevoked
	}
	path, err := v.artifactKey(token, key)
	if err != nil {
		return nil, err
	}
	return v.fs.Get(path)
}

// Revoke marks token inaccessible. Subsequent Get/Put calls return
// ErrTokenRevoked (surfaced by the HTTP layer as 410 GONE).
func (v *Vault) Revoke(token string) error {
	return v.fs.Put(v.revokedKey(token), []byte(`{"revoked":true}`))
}

func (v *Vault) isRevoked(token string) bool {
	return v.fs.Exists(v.revokedKey(token))
}

type tokenMeta struct {
	TenantID string `json:"tenantId"`
}

// PutTenantID records the owning tenant for token, so a bare token (as
// every /r/:token endpoint receives) can be resolved back to its tenant
// without the caller supplying one.
func (v *Vault) PutTenantID(token, tenantID string) error {
	raw, err := json.Marshal(tokenMeta{TenantID: tenantID})
	if err != nil {
		return err
	}
	return v.fs.Put(v.metaKey(token), raw)
}

// TenantIDForToken returns the tenant that owns token.
func (v *Vault) TenantIDForToken(token string) (string, error) {
	raw, err := v.fs.Get(v.metaKey(token))
	if err != nil {
		return "", err
	}
	var m tokenMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("vault: decode token meta: %w", err)
	}
	return m.TenantID, nil
}

// GetPublicSummary builds the redacted public receipt summary for token,
// signed with the process-wide summary key. If receiptHash is non-empty it
// must match the computed summaryHash or ErrReceiptHashMismatch is
// returned (surfaced as 409 RECEIPT_HASH_MISMATCH).
func (v *Vault) GetPublicSummary(token string, publicBody []byte, receiptHash string) (*PublicSummary, error) {
	if v.isRevoked(token) {
		return nil, ErrTokenRevoked
	}
	summaryHash := sha256Hex(publicBody)
	if receiptHash != "" && receiptHash != summaryHash {
		return nil, ErrReceiptHashMismatch
	}
	mac := hmac.New(sha256.New, v.summaryKey)
	mac.Write([]byte(summaryHash))
	sig := hex.EncodeToString(mac.Sum(nil))
	return &PublicSummary{
		Token:        token,
		SummaryHash:  summaryHash,
		SignatureHex: sig,
		BadgeURL:     fmt.Sprintf("%s/v1/public/receipts/%s/badge.svg?receiptHash=%s", v.badgeBase, token, summaryHash),
		Body:         publicBody,
	}, nil
}

// PurgeArtifacts deletes every artifact slot stored for token. The
// token->tenant meta record is left in place so a link surfaced before
// the purge still resolves ownership and reports NOT_FOUND rather than
// failing to route at all.
func (v *Vault) PurgeArtifacts(token string) error {
	for key := range validArtifactKeys {
		path, err := v.artifactKey(token, key)
		if err != nil {
			return err
		}
		if err := v.fs.Delete(path); err != nil {
			return err
		}
	}
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
