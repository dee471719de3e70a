package storage

import (
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// ClusterView is a consistent point-in-time read of a cluster's
// renderable configuration.
type ClusterView struct {
	Services     []*types.Service
	Mappings     []*types.Mapping
	Certificates []*types.Certificate
	Revocations  []*types.Revocation
}

// Store defines the interface for control-plane state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Clusters
	CreateCluster(cluster *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	GetClusterByName(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(cluster *types.Cluster) error
	DeleteCluster(id string) error

	// Proxies
	CreateProxy(proxy *types.Proxy) error
	GetProxy(id string) (*types.Proxy, error)
	GetProxyByName(clusterID, name string) (*types.Proxy, error)
	ListProxies() ([]*types.Proxy, error)
	ListProxiesByCluster(clusterID string) ([]*types.Proxy, error)
	UpdateProxy(proxy *types.Proxy) error
	DeleteProxy(id string) error

	// Services
	CreateService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	GetServiceByName(clusterID, name string) (*types.Service, error)
	ListServicesByCluster(clusterID string) ([]*types.Service, error)
	UpdateService(service *types.Service) error
	DeleteService(id string) error

	// Mappings
	CreateMapping(mapping *types.Mapping) error
	GetMapping(id string) (*types.Mapping, error)
	ListMappingsByCluster(clusterID string) ([]*types.Mapping, error)
	UpdateMapping(mapping *types.Mapping) error
	DeleteMapping(id string) error

	// Certificates
	CreateCertificate(cert *types.Certificate) error
	GetCertificate(id string) (*types.Certificate, error)
	ListCertificates() ([]*types.Certificate, error)
	UpdateCertificate(cert *types.Certificate) error
	DeleteCertificate(id string) error

	// Revocations
	AddRevocation(rev *types.Revocation) error
	ListRevocations() ([]*types.Revocation, error)

	// License cache
	SaveLicense(license *types.License) error
	GetLicense() (*types.License, error)

	// GetClusterView reads everything a config render needs in a single
	// transaction, so a snapshot never mixes pre- and post-mutation state.
	GetClusterView(clusterID string) (*ClusterView, error)

	// Utility
	Close() error
}
