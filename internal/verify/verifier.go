package verify

import "context"

// ErrStrictRequiresTrustedRoots is the exact error message spec.md §4.4
// mandates for strict mode without configured trust roots.
const ErrStrictRequiresTrustedRoots = "strict requires trusted governance root keys"

// WarnTrustedRootsMissingLenient is the warning code compat mode without
// trust roots must surface.
const WarnTrustedRootsMissingLenient = "TRUSTED_GOVERNANCE_ROOT_KEYS_MISSING_LENIENT"

// VerifyContext is everything the external verifier needs about the
// resolved tenant/bundle to produce a VerifyCliOutput.v1.
type VerifyContext struct {
	Mode                     Mode
	GovernanceTrustRootsJSON string
	PricingSignerKeysJSON    string
	ZipBytes                 []byte
}

// Verifier is satisfied by the production CLIVerifier (shells out to the
// settld-verify binary, an external collaborator per spec.md §1's
// non-goals) and by FixtureVerifier in tests — decoupled the same way the
// teacher splits BillingHooks from billing.EventHandler so pipeline tests
// never depend on a real binary being on PATH.
type Verifier interface {
	Verify(ctx context.Context, vctx VerifyContext) (VerifyCliOutput, error)
}
