// Package autopay implements the X402 autopay interceptor (spec
// component C9): transparently pays HTTP 402 challenges by replaying the
// original request with the gate id the challenge returned.
package autopay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/settld/magiclink/internal/b64url"
	"github.com/settld/magiclink/internal/canonical"
)

var ErrBodyNotReplayable = errors.New("SETTLD_AUTOPAY_BODY_NOT_REPLAYABLE")

// ChallengeMetadata is the parsed x-payment-required field set
// (spec.md §4.9 step 3).
type ChallengeMetadata struct {
	SpendAuthorizationMode string `json:"spendAuthorizationMode,omitempty"`
	RequestBindingMode     string `json:"requestBindingMode,omitempty"`
	RequestBindingSha256   string `json:"requestBindingSha256,omitempty"`
	QuoteRequired          bool   `json:"quoteRequired,omitempty"`
	QuoteID                string `json:"quoteId,omitempty"`
	ProviderID             string `json:"providerId,omitempty"`
	ToolID                 string `json:"toolId,omitempty"`
	PolicyRef              string `json:"policyRef,omitempty"`
	PolicyVersion          string `json:"policyVersion,omitempty"`
	PolicyHash             string `json:"policyHash,omitempty"`
	PolicyFingerprint      string `json:"policyFingerprint,omitempty"`
	SponsorRef             string `json:"sponsorRef,omitempty"`
	SponsorWalletRef       string `json:"sponsorWalletRef,omitempty"`
}

// Challenge is everything extracted from a 402 response.
type Challenge struct {
	GateID                  string
	Metadata                ChallengeMetadata
	ProviderQuote           json.RawMessage
	ProviderQuoteSignature  json.RawMessage
}

// Options configures one Client.Do call.
type Options struct {
	AgentPassport any // marshaled as canonical JSON, base64url-encoded into x-settld-agent-passport
	GateIDHeader  string
	MaxAttempts   int
	OnChallenge   func(Challenge)
}

func (o Options) gateIDHeader() string {
	if o.GateIDHeader != "" {
		return o.GateIDHeader
	}
	return "x-settld-gate-id"
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 2
}

// Client wraps *http.Client with the 402-challenge-and-replay loop.
type Client struct {
	http *http.Client
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient}
}

// Do performs req, transparently paying a single X402 challenge if one is
// returned, and bounds total attempts by opts.MaxAttempts (default 2).
// req must carry a working GetBody (as net/http does for any request
// built with NewRequestWithContext from a []byte/*bytes.Reader/*strings.Reader
// body) for the replay step to be possible; a request with a body but no
// GetBody fails deterministically with ErrBodyNotReplayable once a 402 is
// actually encountered.
func (c *Client) Do(ctx context.Context, req *http.Request, opts Options) (*http.Response, error) {
	if opts.AgentPassport != nil {
		passport, err := canonical.Marshal(opts.AgentPassport)
		if err != nil {
			return nil, fmt.Errorf("autopay: canonicalize agent passport: %w", err)
		}
		req.Header.Set("x-settld-agent-passport", b64url.EncodeJSON(passport))
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := parseChallenge(resp, opts.gateIDHeader())
	if err != nil {
		return resp, err
	}
	if opts.OnChallenge != nil {
		func() {
			defer func() { recover() }()
			opts.OnChallenge(challenge)
		}()
	}

	if req.Body != nil && req.GetBody == nil {
		return resp, ErrBodyNotReplayable
	}

	attempt := resp
	for i := 1; i < opts.maxAttempts(); i++ {
		replay, err := cloneRequest(req)
		if err != nil {
			return attempt, err
		}
		replay.Header.Set(opts.gateIDHeader(), challenge.GateID)

		next, err := c.http.Do(replay.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		attempt = next
		if attempt.StatusCode != http.StatusPaymentRequired {
			break
		}
	}
	return attempt, nil
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

func parseChallenge(resp *http.Response, gateHeader string) (Challenge, error) {
	ch := Challenge{GateID: resp.Header.Get(gateHeader)}

	if raw := resp.Header.Get("x-payment-required"); raw != "" {
		meta, err := parsePaymentRequired(raw)
		if err != nil {
			return Challenge{}, fmt.Errorf("autopay: parse x-payment-required: %w", err)
		}
		ch.Metadata = meta
	}

	if raw := resp.Header.Get("x-settld-provider-quote"); raw != "" {
		decoded, err := b64url.DecodeJSON(raw)
		if err != nil {
			return Challenge{}, fmt.Errorf("autopay: decode provider quote: %w", err)
		}
		ch.ProviderQuote = json.RawMessage(decoded)
	}
	if raw := resp.Header.Get("x-settld-provider-quote-signature"); raw != "" {
		decoded, err := b64url.DecodeJSON(raw)
		if err != nil {
			return Challenge{}, fmt.Errorf("autopay: decode provider quote signature: %w", err)
		}
		ch.ProviderQuoteSignature = json.RawMessage(decoded)
	}
	return ch, nil
}

// parsePaymentRequired accepts either a JSON object or a "k=v;k2=v2" field
// set (spec.md §4.9 step 3).
func parsePaymentRequired(raw string) (ChallengeMetadata, error) {
	var meta ChallengeMetadata
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &meta); err != nil {
			return ChallengeMetadata{}, err
		}
		return meta, nil
	}

	fields := map[string]string{}
	for _, part := range strings.Split(trimmed, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	meta.SpendAuthorizationMode = fields["spendAuthorizationMode"]
	meta.RequestBindingMode = fields["requestBindingMode"]
	meta.RequestBindingSha256 = fields["requestBindingSha256"]
	meta.QuoteRequired = fields["quoteRequired"] == "true"
	meta.QuoteID = fields["quoteId"]
	meta.ProviderID = fields["providerId"]
	meta.ToolID = fields["toolId"]
	meta.PolicyRef = fields["policyRef"]
	meta.PolicyVersion = fields["policyVersion"]
	meta.PolicyHash = fields["policyHash"]
	meta.PolicyFingerprint = fields["policyFingerprint"]
	meta.SponsorRef = fields["sponsorRef"]
	meta.SponsorWalletRef = fields["sponsorWalletRef"]
	return meta, nil
}
