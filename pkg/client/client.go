package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/registrar"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// Client is the typed HTTP client proxies use against the control plane.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the control plane at baseURL,
// authenticating with the cluster API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Register admits this proxy into the cluster.
func (c *Client) Register(ctx context.Context, req *registrar.RegisterRequest) (*registrar.RegisterResponse, error) {
	req.ClusterAPIKey = c.apiKey
	var resp registrar.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/proxy/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type heartbeatBody struct {
	ClusterAPIKey string `json:"cluster_api_key"`
	ProxyName     string `json:"proxy_name"`
	registrar.HeartbeatRequest
}

// Heartbeat reports liveness and the currently applied config version.
func (c *Client) Heartbeat(ctx context.Context, proxyName string, req *registrar.HeartbeatRequest) (*registrar.HeartbeatResponse, error) {
	body := heartbeatBody{ClusterAPIKey: c.apiKey, ProxyName: proxyName}
	if req != nil {
		body.HeartbeatRequest = *req
	}
	var resp registrar.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/proxy/heartbeat", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProxyConfig fetches this proxy's capability-filtered snapshot.
func (c *Client) GetProxyConfig(ctx context.Context, proxyName string) (*types.ConfigSnapshot, error) {
	var snap types.ConfigSnapshot
	if err := c.do(ctx, http.MethodGet, "/proxy/config/"+url.PathEscape(proxyName), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetClusterConfig fetches the cluster's full snapshot.
func (c *Client) GetClusterConfig(ctx context.Context, clusterID string) (*types.ConfigSnapshot, error) {
	var snap types.ConfigSnapshot
	if err := c.do(ctx, http.MethodGet, "/cluster/config/"+url.PathEscape(clusterID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// pollResponse distinguishes a fresh snapshot from a no-change answer.
type pollResponse struct {
	NoChange bool `json:"no_change"`
	types.ConfigSnapshot
}

// PollChanges long-polls for a config version different from lastSeen.
// Returns (nil, nil) when the poll timed out without a change.
func (c *Client) PollChanges(ctx context.Context, clusterID, lastSeen string, maxWait time.Duration) (*types.ConfigSnapshot, error) {
	path := "/cluster/config/" + url.PathEscape(clusterID) + "/poll?last_seen=" + url.QueryEscape(lastSeen) +
		"&max_wait_seconds=" + strconv.Itoa(int(maxWait/time.Second))

	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.NoChange {
		return nil, nil
	}
	snap := resp.ConfigSnapshot
	return &snap, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return types.NewError(types.ErrorKind(apiErr.Error), "%s", apiErr.Message)
		}
		return fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
