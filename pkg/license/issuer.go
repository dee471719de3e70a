package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/types"
)

const issuerProduct = "marchproxy"

// HTTPIssuer talks to the external license server over HTTPS.
type HTTPIssuer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIssuer creates an issuer client for the given base URL.
func NewHTTPIssuer(baseURL string) *HTTPIssuer {
	return &HTTPIssuer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
	Product    string `json:"product"`
}

type validateResponse struct {
	Valid      bool     `json:"valid"`
	Tier       string   `json:"tier"`
	MaxProxies int      `json:"max_proxies"`
	Features   []string `json:"features"`
	ExpiresAt  int64    `json:"expires_at"`
	Message    string   `json:"message,omitempty"`
}

// Validate submits the key to the issuer and returns the resulting record.
// A reachable issuer rejecting the key is not an error here; the record
// comes back with Valid=false and the enforcer decides what that means.
func (i *HTTPIssuer) Validate(ctx context.Context, key string) (*types.License, error) {
	var resp validateResponse
	if err := i.post(ctx, "/api/v1/license/validate", validateRequest{LicenseKey: key, Product: issuerProduct}, &resp); err != nil {
		return nil, err
	}

	rec := &types.License{
		Tier:       types.LicenseTier(resp.Tier),
		Valid:      resp.Valid,
		MaxProxies: resp.MaxProxies,
		Features:   resp.Features,
	}
	if resp.ExpiresAt > 0 {
		rec.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	}
	return rec, nil
}

// Keepalive tells the issuer the license is in active use.
func (i *HTTPIssuer) Keepalive(ctx context.Context, key string) error {
	return i.post(ctx, "/api/v1/license/keepalive", validateRequest{LicenseKey: key, Product: issuerProduct}, nil)
}

func (i *HTTPIssuer) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("issuer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("issuer returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode issuer response: %w", err)
	}
	return nil
}
