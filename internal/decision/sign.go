package decision

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/settld/magiclink/internal/canonical"
)

// Sign computes the canonical pre-image of report with Signature cleared,
// signs it with the tenant's Ed25519 private key, and returns the hex
// signature. Grounded on the no-ecosystem-Ed25519-wrapper precedent
// observed across the pack (see DESIGN.md) — stdlib crypto/ed25519 is the
// idiomatic choice here.
func Sign(report Report, privateKey ed25519.PrivateKey) (string, error) {
	report.Signature = ""
	preimage, err := canonical.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("decision: canonicalize pre-image: %w", err)
	}
	sig := ed25519.Sign(privateKey, preimage)
	return hex.EncodeToString(sig), nil
}

// Verify checks report.Signature against the canonical pre-image (report
// with Signature cleared) using publicKey. Exposed so an offline verifier
// (external per spec.md §4.5) can be exercised against this package's
// exact pre-image construction in tests.
func Verify(report Report, publicKey ed25519.PublicKey) (bool, error) {
	sigHex := report.Signature
	report.Signature = ""
	preimage, err := canonical.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("decision: canonicalize pre-image: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decision: decode signature: %w", err)
	}
	return ed25519.Verify(publicKey, preimage, sig), nil
}
