package verify

import "context"

// FixtureVerifier replays canned VerifyCliOutput.v1 results keyed by
// zipSha256, for deterministic pipeline tests — the mock half of the
// BillingHooks-style interface split (internal/proxy/handler_test.go's
// pattern, generalized from sandbox lifecycle callbacks to verification
// output).
//
// It also implements the spec-mandated strict/compat-without-roots
// behavior directly so pipeline tests can exercise that logic without a
// real binary: ZipBytes is ignored and the decision is driven purely by
// Mode and whether GovernanceTrustRootsJSON is set, unless an explicit
// fixture is registered for the requested zipSha256 key (see ByKey).
type FixtureVerifier struct {
	ByKey map[string]VerifyCliOutput
}

func NewFixtureVerifier() *FixtureVerifier {
	return &FixtureVerifier{ByKey: make(map[string]VerifyCliOutput)}
}

// Register installs a canned result for a given key (conventionally the
// zipSha256 of the fixture bundle).
func (f *FixtureVerifier) Register(key string, out VerifyCliOutput) {
	f.ByKey[key] = out
}

func (f *FixtureVerifier) Verify(_ context.Context, vctx VerifyContext) (VerifyCliOutput, error) {
	key := zipSha256Hex(vctx.ZipBytes)
	if out, ok := f.ByKey[key]; ok {
		return out, nil
	}

	if vctx.Mode == ModeStrict && vctx.GovernanceTrustRootsJSON == "" {
		return VerifyCliOutput{
			SchemaVersion: "VerifyCliOutput.v1",
			OK:            false,
			Errors:        []Issue{{Code: ErrStrictRequiresTrustedRoots}},
			Target:        Target{},
		}, nil
	}
	if vctx.Mode == ModeCompat && vctx.GovernanceTrustRootsJSON == "" {
		return VerifyCliOutput{
			SchemaVersion: "VerifyCliOutput.v1",
			OK:            true,
			Warnings:      []Issue{{Code: WarnTrustedRootsMissingLenient}},
			Target:        Target{},
		}, nil
	}
	return VerifyCliOutput{
		SchemaVersion: "VerifyCliOutput.v1",
		OK:            true,
		Target:        Target{},
	}, nil
}
