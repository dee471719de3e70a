package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/penguintechinc/marchproxy/pkg/configdist"
	"github.com/penguintechinc/marchproxy/pkg/license"
	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/registrar"
	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

const adminToken = "admin-secret"

type noopIssuer struct{}

func (noopIssuer) Validate(ctx context.Context, key string) (*types.License, error) {
	return &types.License{Tier: types.TierCommunity, Valid: true, MaxProxies: types.CommunityMaxProxies}, nil
}

func (noopIssuer) Keepalive(ctx context.Context, key string) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	enforcer := license.NewEnforcer(store, noopIssuer{}, "")
	reg := registrar.NewRegistrar(store, enforcer, nil, registrar.DefaultConfig())
	dist := configdist.NewDistributor(store)
	server := NewServer(store, reg, dist, enforcer, nil, adminToken)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func request(t *testing.T, ts *httptest.Server, method, path, bearer string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, payload)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, data
}

func createCluster(t *testing.T, ts *httptest.Server, name string, maxProxies int) *types.Cluster {
	t.Helper()
	resp, body := request(t, ts, http.MethodPost, "/admin/clusters", adminToken, map[string]interface{}{
		"name":        name,
		"max_proxies": maxProxies,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create cluster status = %d: %s", resp.StatusCode, body)
	}
	var cluster types.Cluster
	if err := json.Unmarshal(body, &cluster); err != nil {
		t.Fatalf("failed to decode cluster: %v", err)
	}
	return &cluster
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := request(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := request(t, ts, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("marchproxy_")) {
		t.Error("metrics output missing marchproxy_ series")
	}
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := request(t, ts, http.MethodGet, "/admin/clusters", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}
	resp, _ = request(t, ts, http.MethodGet, "/admin/clusters", "wrong-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", resp.StatusCode)
	}
}

func TestClusterCreateAndDuplicate(t *testing.T) {
	ts, _ := newTestServer(t)

	cluster := createCluster(t, ts, "edge", 5)
	if len(cluster.APIKey) != 64 {
		t.Errorf("API key length = %d, want 64", len(cluster.APIKey))
	}

	resp, body := request(t, ts, http.MethodPost, "/admin/clusters", adminToken, map[string]interface{}{"name": "edge"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate cluster status = %d, want 409: %s", resp.StatusCode, body)
	}
}

func TestProxyRegisterHeartbeatFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	cluster := createCluster(t, ts, "edge", 5)

	resp, body := request(t, ts, http.MethodPost, "/proxy/register", "", map[string]interface{}{
		"cluster_api_key": cluster.APIKey,
		"name":            "edge-1",
		"hostname":        "edge-1.internal",
		"address":         "10.0.0.10",
		"port":            8443,
		"version":         "1.4.0",
		"capabilities":    []string{"tcp", "mtls"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d: %s", resp.StatusCode, body)
	}
	var reg registrar.RegisterResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		t.Fatalf("failed to decode register response: %v", err)
	}
	if reg.Status != "registering" {
		t.Errorf("status = %s, want registering", reg.Status)
	}

	resp, body = request(t, ts, http.MethodPost, "/proxy/heartbeat", "", map[string]interface{}{
		"cluster_api_key": cluster.APIKey,
		"proxy_name":      "edge-1",
		"config_version":  "v-abc",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d: %s", resp.StatusCode, body)
	}
	var hb registrar.HeartbeatResponse
	if err := json.Unmarshal(body, &hb); err != nil {
		t.Fatalf("failed to decode heartbeat response: %v", err)
	}
	if !hb.Acknowledged || hb.NextIntervalSeconds <= 0 {
		t.Errorf("heartbeat response = %+v", hb)
	}

	// Wrong key is a 401, not a hint about what was wrong.
	resp, _ = request(t, ts, http.MethodPost, "/proxy/register", "", map[string]interface{}{
		"cluster_api_key": "bogus",
		"name":            "edge-2",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("register with bad key status = %d, want 401", resp.StatusCode)
	}
}

func TestCapacityReturns429(t *testing.T) {
	ts, _ := newTestServer(t)
	cluster := createCluster(t, ts, "edge", 1)

	register := func(name string) int {
		resp, _ := request(t, ts, http.MethodPost, "/proxy/register", "", map[string]interface{}{
			"cluster_api_key": cluster.APIKey,
			"name":            name,
		})
		return resp.StatusCode
	}
	if code := register("edge-1"); code != http.StatusCreated {
		t.Fatalf("first register status = %d", code)
	}
	if code := register("edge-2"); code != http.StatusTooManyRequests {
		t.Errorf("over-capacity register status = %d, want 429", code)
	}
}

func TestClusterConfigEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	cluster := createCluster(t, ts, "edge", 5)

	resp, body := request(t, ts, http.MethodGet, "/cluster/config/"+cluster.ID, cluster.APIKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config status = %d: %s", resp.StatusCode, body)
	}
	var snap types.ConfigSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.Cluster.ID != cluster.ID {
		t.Errorf("snapshot cluster = %s, want %s", snap.Cluster.ID, cluster.ID)
	}
	if len(snap.Version) != 64 {
		t.Errorf("version length = %d, want 64", len(snap.Version))
	}

	// A valid key for a different cluster's path is rejected.
	resp, _ = request(t, ts, http.MethodGet, "/cluster/config/other-cluster", cluster.APIKey, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("mismatched cluster path status = %d, want 401", resp.StatusCode)
	}
}

func TestRotateKeyInvalidatesOldKey(t *testing.T) {
	ts, _ := newTestServer(t)
	cluster := createCluster(t, ts, "edge", 5)

	resp, body := request(t, ts, http.MethodPost, "/cluster/"+cluster.ID+"/rotate-key", adminToken, map[string]interface{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status = %d: %s", resp.StatusCode, body)
	}
	var rotated map[string]string
	if err := json.Unmarshal(body, &rotated); err != nil {
		t.Fatalf("failed to decode rotation response: %v", err)
	}
	newKey := rotated["api_key"]
	if newKey == "" || newKey == cluster.APIKey {
		t.Fatalf("rotation returned key %q", newKey)
	}

	resp, _ = request(t, ts, http.MethodGet, "/cluster/config/"+cluster.ID, cluster.APIKey, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("old key status = %d, want 401", resp.StatusCode)
	}
	resp, _ = request(t, ts, http.MethodGet, "/cluster/config/"+cluster.ID, newKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("new key status = %d, want 200", resp.StatusCode)
	}
}

func TestServiceValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	cluster := createCluster(t, ts, "edge", 5)

	// symmetric_token without a token value is rejected.
	resp, _ := request(t, ts, http.MethodPost, "/admin/clusters/"+cluster.ID+"/services", adminToken, map[string]interface{}{
		"Name":      "db",
		"Host":      "10.0.1.5",
		"Port":      5432,
		"Transport": "tcp",
		"AuthType":  "symmetric_token",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("invalid auth material status = %d, want 409", resp.StatusCode)
	}

	resp, body := request(t, ts, http.MethodPost, "/admin/clusters/"+cluster.ID+"/services", adminToken, map[string]interface{}{
		"Name":       "db",
		"Host":       "10.0.1.5",
		"Port":       5432,
		"Transport":  "tcp",
		"AuthType":   "symmetric_token",
		"TokenValue": "s3cret",
		"Active":     true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create service status = %d: %s", resp.StatusCode, body)
	}
	var svc types.Service
	if err := json.Unmarshal(body, &svc); err != nil {
		t.Fatalf("failed to decode service: %v", err)
	}
	if svc.NumericID == 0 {
		t.Error("numeric ID not assigned")
	}

	// Duplicate name in the same cluster conflicts.
	resp, _ = request(t, ts, http.MethodPost, "/admin/clusters/"+cluster.ID+"/services", adminToken, map[string]interface{}{
		"Name": "db", "Host": "10.0.1.6", "Port": 5433, "Transport": "tcp",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate service status = %d, want 409", resp.StatusCode)
	}
}

func TestMappingCrossClusterRefRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	first := createCluster(t, ts, "edge", 5)
	second := createCluster(t, ts, "core", 5)

	resp, body := request(t, ts, http.MethodPost, "/admin/clusters/"+second.ID+"/services", adminToken, map[string]interface{}{
		"Name": "db", "Host": "10.0.1.5", "Port": 5432, "Transport": "tcp", "Active": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create service status = %d: %s", resp.StatusCode, body)
	}
	var foreign types.Service
	if err := json.Unmarshal(body, &foreign); err != nil {
		t.Fatalf("failed to decode service: %v", err)
	}

	resp, _ = request(t, ts, http.MethodPost, "/admin/clusters/"+first.ID+"/mappings", adminToken, map[string]interface{}{
		"Name":      "bad",
		"SourceIDs": []string{foreign.ID},
		"DestIDs":   []string{foreign.ID},
		"Ports":     []map[string]int{{"start": 80, "end": 80}},
		"Protocols": []string{"tcp"},
		"Active":    true,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cross-cluster mapping status = %d, want 409", resp.StatusCode)
	}
}

func TestLicenseStatus(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := request(t, ts, http.MethodGet, "/license/status", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("license status = %d: %s", resp.StatusCode, body)
	}
	var status licenseStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("failed to decode license status: %v", err)
	}
	if status.State != string(license.StateValid) {
		t.Errorf("state = %s, want valid", status.State)
	}
	if status.MaxProxies != types.CommunityMaxProxies {
		t.Errorf("max proxies = %d, want community default", status.MaxProxies)
	}
}
