package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/penguintechinc/marchproxy/pkg/types"
)

// AdminClient drives the operator-facing surface: cluster, service,
// mapping and certificate management. It authenticates with the admin
// token rather than a cluster API key.
type AdminClient struct {
	c *Client
}

// NewAdminClient creates an admin client for the control plane at baseURL.
func NewAdminClient(baseURL, adminToken string) *AdminClient {
	return &AdminClient{c: NewClient(baseURL, adminToken)}
}

// CreateClusterRequest mirrors the admin create/update cluster body.
type CreateClusterRequest struct {
	Name       string               `json:"name"`
	MaxProxies int                  `json:"max_proxies"`
	Logging    *types.LoggingConfig `json:"logging,omitempty"`
	IsDefault  bool                 `json:"is_default"`
}

// CreateCluster creates a cluster; the response carries its generated API key.
func (a *AdminClient) CreateCluster(ctx context.Context, req *CreateClusterRequest) (*types.Cluster, error) {
	var cluster types.Cluster
	if err := a.c.do(ctx, http.MethodPost, "/admin/clusters", req, &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

// ListClusters returns all clusters.
func (a *AdminClient) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	if err := a.c.do(ctx, http.MethodGet, "/admin/clusters", nil, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// FindCluster resolves a cluster by name, or not_found.
func (a *AdminClient) FindCluster(ctx context.Context, name string) (*types.Cluster, error) {
	clusters, err := a.ListClusters(ctx)
	if err != nil {
		return nil, err
	}
	for _, cluster := range clusters {
		if cluster.Name == name {
			return cluster, nil
		}
	}
	return nil, types.NewError(types.KindNotFound, "cluster '%s' not found", name)
}

// UpdateCluster applies a partial cluster update.
func (a *AdminClient) UpdateCluster(ctx context.Context, id string, req *CreateClusterRequest) (*types.Cluster, error) {
	var cluster types.Cluster
	if err := a.c.do(ctx, http.MethodPut, "/admin/clusters/"+url.PathEscape(id), req, &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

// RotateKey replaces a cluster's API key and returns the new one.
func (a *AdminClient) RotateKey(ctx context.Context, clusterID string) (string, error) {
	var resp map[string]string
	if err := a.c.do(ctx, http.MethodPost, "/cluster/"+url.PathEscape(clusterID)+"/rotate-key", nil, &resp); err != nil {
		return "", err
	}
	return resp["api_key"], nil
}

// ListProxies returns a cluster's proxies, optionally filtered by status.
func (a *AdminClient) ListProxies(ctx context.Context, clusterID string, status types.ProxyStatus) ([]*types.Proxy, error) {
	path := "/admin/clusters/" + url.PathEscape(clusterID) + "/proxies"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var proxies []*types.Proxy
	if err := a.c.do(ctx, http.MethodGet, path, nil, &proxies); err != nil {
		return nil, err
	}
	return proxies, nil
}

// CreateService creates a service in the cluster.
func (a *AdminClient) CreateService(ctx context.Context, clusterID string, svc *types.Service) (*types.Service, error) {
	var created types.Service
	if err := a.c.do(ctx, http.MethodPost, "/admin/clusters/"+url.PathEscape(clusterID)+"/services", svc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListServices returns a cluster's services.
func (a *AdminClient) ListServices(ctx context.Context, clusterID string) ([]*types.Service, error) {
	var services []*types.Service
	if err := a.c.do(ctx, http.MethodGet, "/admin/clusters/"+url.PathEscape(clusterID)+"/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// UpdateService replaces a service's mutable fields.
func (a *AdminClient) UpdateService(ctx context.Context, id string, svc *types.Service) (*types.Service, error) {
	var updated types.Service
	if err := a.c.do(ctx, http.MethodPut, "/admin/services/"+url.PathEscape(id), svc, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteService removes a service.
func (a *AdminClient) DeleteService(ctx context.Context, id string) error {
	return a.c.do(ctx, http.MethodDelete, "/admin/services/"+url.PathEscape(id), nil, nil)
}

// CreateMapping creates a mapping in the cluster.
func (a *AdminClient) CreateMapping(ctx context.Context, clusterID string, m *types.Mapping) (*types.Mapping, error) {
	var created types.Mapping
	if err := a.c.do(ctx, http.MethodPost, "/admin/clusters/"+url.PathEscape(clusterID)+"/mappings", m, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListMappings returns a cluster's mappings.
func (a *AdminClient) ListMappings(ctx context.Context, clusterID string) ([]*types.Mapping, error) {
	var mappings []*types.Mapping
	if err := a.c.do(ctx, http.MethodGet, "/admin/clusters/"+url.PathEscape(clusterID)+"/mappings", nil, &mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

// UpdateMapping replaces a mapping's mutable fields.
func (a *AdminClient) UpdateMapping(ctx context.Context, id string, m *types.Mapping) (*types.Mapping, error) {
	var updated types.Mapping
	if err := a.c.do(ctx, http.MethodPut, "/admin/mappings/"+url.PathEscape(id), m, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// UploadCertificateRequest mirrors the admin certificate upload body.
type UploadCertificateRequest struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Source string `json:"source"`
	PEM    string `json:"pem"`
}

// UploadCertificate registers PEM material with the control plane.
func (a *AdminClient) UploadCertificate(ctx context.Context, req *UploadCertificateRequest) (*types.Certificate, error) {
	var cert types.Certificate
	if err := a.c.do(ctx, http.MethodPost, "/admin/certificates", req, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// RevokeCertificate marks a certificate revoked and records it on the CRL.
func (a *AdminClient) RevokeCertificate(ctx context.Context, id, reason string) (*types.Certificate, error) {
	var cert types.Certificate
	body := map[string]string{"reason": reason}
	if err := a.c.do(ctx, http.MethodPost, "/admin/certificates/"+url.PathEscape(id)+"/revoke", body, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}
