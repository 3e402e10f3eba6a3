// Package opsclient is a REST client for the external Settld ops API
// (spec component C8's runtime coupling): tenant API key issuance and
// chained-event stream writes guarded by expected-prev-chain-hash
// preconditions.
package opsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrPrevChainHashMismatch = errors.New("PREV_CHAIN_HASH_MISMATCH")

// Client is an authenticated ops API client, shaped after teacher's
// internal/daytona.Client: a thin do() wrapper injecting auth headers
// over a single base URL.
type Client struct {
	baseURL  string
	tenantID string
	apiKey   string
	protocol string
	http     *http.Client
}

func NewClient(baseURL, tenantID, apiKey, protocol string) *Client {
	return &Client{
		baseURL:  baseURL,
		tenantID: tenantID,
		apiKey:   apiKey,
		protocol: protocol,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, extraHeaders map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-proxy-tenant-id", c.tenantID)
	req.Header.Set("x-proxy-api-key", c.apiKey)
	req.Header.Set("x-settld-protocol", c.protocol)
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

// Call performs a JSON request against path and decodes the response body
// into out (if non-nil). Used for the ops endpoints that don't need
// chain-hash preconditions: register payer/payee, credit, RFQ, bid.
func (c *Client) Call(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opsclient: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type chainHashResponse struct {
	ChainHash *string `json:"chainHash"`
}

// GetChainHash returns the last observed chain hash for stream, or ""
// when the stream has no prior events (the wire value "null").
func (c *Client) GetChainHash(ctx context.Context, stream string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/streams/"+stream+"/chain-hash", nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("opsclient: GetChainHash %s: status %d", stream, resp.StatusCode)
	}
	var out chainHashResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ChainHash == nil {
		return "", nil
	}
	return *out.ChainHash, nil
}

// AppendEvent appends event to stream, sending expectedPrevHash (""
// serializes to the wire value "null") as x-proxy-expected-prev-chain-hash
// and idempotencyKey as x-idempotency-key. A 409 from the ops API is
// translated to ErrPrevChainHashMismatch (spec.md §3, §4.8).
func (c *Client) AppendEvent(ctx context.Context, stream string, event any, expectedPrevHash, idempotencyKey string) error {
	headerHash := expectedPrevHash
	if headerHash == "" {
		headerHash = "null"
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/streams/"+stream+"/events", event, map[string]string{
		"x-proxy-expected-prev-chain-hash": headerHash,
		"x-idempotency-key":                idempotencyKey,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return ErrPrevChainHashMismatch
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opsclient: AppendEvent %s: status %d", stream, resp.StatusCode)
	}
	return nil
}

// Bootstrap issues a tenant API key and derives the MCP environment block
// (spec.md §4.8).
type Bootstrap struct {
	TenantID         string `json:"tenantId"`
	BaseURL          string `json:"baseUrl"`
	APIKey           string `json:"apiKey"`
	PaidToolsBaseURL string `json:"paidToolsBaseUrl,omitempty"`
}

func (b Bootstrap) MCPEnv() map[string]string {
	env := map[string]string{
		"SETTLD_TENANT_ID": b.TenantID,
		"SETTLD_BASE_URL":  b.BaseURL,
		"SETTLD_API_KEY":   b.APIKey,
	}
	if b.PaidToolsBaseURL != "" {
		env["SETTLD_PAID_TOOLS_BASE_URL"] = b.PaidToolsBaseURL
	}
	return env
}

// Bootstrap calls the ops API's tenant-bootstrap endpoint.
func (c *Client) Bootstrap(ctx context.Context) (Bootstrap, error) {
	var out Bootstrap
	err := c.Call(ctx, http.MethodPost, "/v1/tenants/"+c.tenantID+"/bootstrap", nil, &out)
	return out, err
}
