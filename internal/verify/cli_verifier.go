package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// CLIVerifier shells out to the external settld-verify binary, feeding it
// the upload bytes and resolved mode over stdin and parsing its
// VerifyCliOutput.v1 JSON from stdout. The binary itself is an external
// collaborator (spec.md §1 non-goal); this type is only the thin adapter.
type CLIVerifier struct {
	BinaryPath string
	Timeout    time.Duration
}

func NewCLIVerifier(binaryPath string, timeout time.Duration) *CLIVerifier {
	return &CLIVerifier{BinaryPath: binaryPath, Timeout: timeout}
}

func (v *CLIVerifier) Verify(ctx context.Context, vctx VerifyContext) (VerifyCliOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	args := []string{"--mode", string(vctx.Mode)}
	if vctx.GovernanceTrustRootsJSON != "" {
		args = append(args, "--trust-roots", vctx.GovernanceTrustRootsJSON)
	}
	if vctx.PricingSignerKeysJSON != "" {
		args = append(args, "--pricing-signers", vctx.PricingSignerKeysJSON)
	}

	cmd := exec.CommandContext(ctx, v.BinaryPath, args...)
	cmd.Stdin = bytes.NewReader(vctx.ZipBytes)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return VerifyCliOutput{}, fmt.Errorf("verify: run settld-verify: %w", err)
		}
		// A non-zero exit is how the verifier reports ok=false; fall
		// through and parse stdout as usual.
	}

	var out VerifyCliOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return VerifyCliOutput{}, fmt.Errorf("verify: parse settld-verify output: %w (stderr: %s)", err, stderr.String())
	}
	return out, nil
}
