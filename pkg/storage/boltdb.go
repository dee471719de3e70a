package storage

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/penguintechinc/marchproxy/pkg/security"
	"github.com/penguintechinc/marchproxy/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClusters     = []byte("clusters")
	bucketProxies      = []byte("proxies")
	bucketServices     = []byte("services")
	bucketMappings     = []byte("mappings")
	bucketCertificates = []byte("certificates")
	bucketRevocations  = []byte("revocations")
	bucketLicense      = []byte("license")
	bucketMeta         = []byte("meta")

	metaSecretsKey = []byte("secrets_key")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db      *bolt.DB
	secrets *security.SecretsManager
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "marchproxy.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets and load (or generate) the secrets key used to
	// encrypt service auth material at rest.
	var secretsKey []byte
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClusters,
			bucketProxies,
			bucketServices,
			bucketMappings,
			bucketCertificates,
			bucketRevocations,
			bucketLicense,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if existing := meta.Get(metaSecretsKey); existing != nil {
			secretsKey = append([]byte(nil), existing...)
			return nil
		}
		secretsKey = make([]byte, 32)
		if _, err := rand.Read(secretsKey); err != nil {
			return fmt.Errorf("failed to generate secrets key: %w", err)
		}
		return meta.Put(metaSecretsKey, secretsKey)
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	sm, err := security.NewSecretsManager(secretsKey)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, secrets: sm}, nil
}

// marshalService encrypts the service's auth secret material before it is
// written. The caller's struct is not modified.
func (s *BoltStore) marshalService(service *types.Service) ([]byte, error) {
	sealed := *service
	var err error
	if sealed.TokenValue != "" {
		if sealed.TokenValue, err = s.secrets.EncryptString(sealed.TokenValue); err != nil {
			return nil, err
		}
	}
	if sealed.SignedToken != nil {
		st := *sealed.SignedToken
		if st.Secret, err = s.secrets.EncryptString(st.Secret); err != nil {
			return nil, err
		}
		sealed.SignedToken = &st
	}
	return json.Marshal(&sealed)
}

func (s *BoltStore) unmarshalService(data []byte, service *types.Service) error {
	if err := json.Unmarshal(data, service); err != nil {
		return err
	}
	var err error
	if service.TokenValue != "" {
		if service.TokenValue, err = s.secrets.DecryptString(service.TokenValue); err != nil {
			return fmt.Errorf("failed to decrypt token value: %w", err)
		}
	}
	if service.SignedToken != nil && service.SignedToken.Secret != "" {
		if service.SignedToken.Secret, err = s.secrets.DecryptString(service.SignedToken.Secret); err != nil {
			return fmt.Errorf("failed to decrypt signing secret: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Cluster operations
func (s *BoltStore) CreateCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data, err := json.Marshal(cluster)
		if err != nil {
			return err
		}
		return b.Put([]byte(cluster.ID), data)
	})
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "cluster not found: %s", id)
		}
		return json.Unmarshal(data, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) GetClusterByName(name string) (*types.Cluster, error) {
	var found *types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				continue
			}
			if cluster.Name == name {
				found = &cluster
				return nil
			}
		}
		return types.NewError(types.KindNotFound, "cluster not found: %s", name)
	})
	return found, err
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		return b.ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			clusters = append(clusters, &cluster)
			return nil
		})
	})
	return clusters, err
}

func (s *BoltStore) UpdateCluster(cluster *types.Cluster) error {
	return s.CreateCluster(cluster) // Same as create (upsert)
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		return b.Delete([]byte(id))
	})
}

// Proxy operations
func (s *BoltStore) CreateProxy(proxy *types.Proxy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProxies)
		data, err := json.Marshal(proxy)
		if err != nil {
			return err
		}
		return b.Put([]byte(proxy.ID), data)
	})
}

func (s *BoltStore) GetProxy(id string) (*types.Proxy, error) {
	var proxy types.Proxy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProxies)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "proxy not found: %s", id)
		}
		return json.Unmarshal(data, &proxy)
	})
	if err != nil {
		return nil, err
	}
	return &proxy, nil
}

func (s *BoltStore) GetProxyByName(clusterID, name string) (*types.Proxy, error) {
	var found *types.Proxy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProxies)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proxy types.Proxy
			if err := json.Unmarshal(v, &proxy); err != nil {
				continue
			}
			if proxy.ClusterID == clusterID && proxy.Name == name {
				found = &proxy
				return nil
			}
		}
		return types.NewError(types.KindNotFound, "proxy not found: %s", name)
	})
	return found, err
}

func (s *BoltStore) ListProxies() ([]*types.Proxy, error) {
	var proxies []*types.Proxy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProxies)
		return b.ForEach(func(k, v []byte) error {
			var proxy types.Proxy
			if err := json.Unmarshal(v, &proxy); err != nil {
				return err
			}
			proxies = append(proxies, &proxy)
			return nil
		})
	})
	return proxies, err
}

func (s *BoltStore) ListProxiesByCluster(clusterID string) ([]*types.Proxy, error) {
	proxies, err := s.ListProxies()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Proxy
	for _, proxy := range proxies {
		if proxy.ClusterID == clusterID {
			filtered = append(filtered, proxy)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateProxy(proxy *types.Proxy) error {
	return s.CreateProxy(proxy)
}

func (s *BoltStore) DeleteProxy(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProxies)
		return b.Delete([]byte(id))
	})
}

// Service operations
func (s *BoltStore) CreateService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		// Assign the numeric signed-token identity once, from the
		// bucket sequence.
		if service.NumericID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			service.NumericID = int64(seq)
		}
		data, err := s.marshalService(service)
		if err != nil {
			return err
		}
		return b.Put([]byte(service.ID), data)
	})
}

func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "service not found: %s", id)
		}
		return s.unmarshalService(data, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) GetServiceByName(clusterID, name string) (*types.Service, error) {
	var found *types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var service types.Service
			if err := s.unmarshalService(v, &service); err != nil {
				continue
			}
			if service.ClusterID == clusterID && service.Name == name {
				found = &service
				return nil
			}
		}
		return types.NewError(types.KindNotFound, "service not found: %s", name)
	})
	return found, err
}

func (s *BoltStore) ListServicesByCluster(clusterID string) ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := s.unmarshalService(v, &service); err != nil {
				return err
			}
			if service.ClusterID == clusterID {
				services = append(services, &service)
			}
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) UpdateService(service *types.Service) error {
	return s.CreateService(service)
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.Delete([]byte(id))
	})
}

// Mapping operations
func (s *BoltStore) CreateMapping(mapping *types.Mapping) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMappings)
		data, err := json.Marshal(mapping)
		if err != nil {
			return err
		}
		return b.Put([]byte(mapping.ID), data)
	})
}

func (s *BoltStore) GetMapping(id string) (*types.Mapping, error) {
	var mapping types.Mapping
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMappings)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "mapping not found: %s", id)
		}
		return json.Unmarshal(data, &mapping)
	})
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (s *BoltStore) ListMappingsByCluster(clusterID string) ([]*types.Mapping, error) {
	var mappings []*types.Mapping
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMappings)
		return b.ForEach(func(k, v []byte) error {
			var mapping types.Mapping
			if err := json.Unmarshal(v, &mapping); err != nil {
				return err
			}
			if mapping.ClusterID == clusterID {
				mappings = append(mappings, &mapping)
			}
			return nil
		})
	})
	return mappings, err
}

func (s *BoltStore) UpdateMapping(mapping *types.Mapping) error {
	return s.CreateMapping(mapping)
}

func (s *BoltStore) DeleteMapping(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMappings)
		return b.Delete([]byte(id))
	})
}

// Certificate operations
func (s *BoltStore) CreateCertificate(cert *types.Certificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		return b.Put([]byte(cert.ID), data)
	})
}

func (s *BoltStore) GetCertificate(id string) (*types.Certificate, error) {
	var cert types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.KindNotFound, "certificate not found: %s", id)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificates() ([]*types.Certificate, error) {
	var certs []*types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
		}
		return nil
	})
	return certs, err
}

func (s *BoltStore) UpdateCertificate(cert *types.Certificate) error {
	return s.CreateCertificate(cert)
}

func (s *BoltStore) DeleteCertificate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.Delete([]byte(id))
	})
}

// Revocation operations
func (s *BoltStore) AddRevocation(rev *types.Revocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevocations)
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return b.Put([]byte(rev.SerialNumber), data)
	})
}

func (s *BoltStore) ListRevocations() ([]*types.Revocation, error) {
	var revs []*types.Revocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevocations)
		return b.ForEach(func(k, v []byte) error {
			var rev types.Revocation
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			revs = append(revs, &rev)
			return nil
		})
	})
	return revs, err
}

// GetClusterView reads the cluster's services, mappings, certificates and
// revocations inside one View transaction.
func (s *BoltStore) GetClusterView(clusterID string) (*ClusterView, error) {
	view := &ClusterView{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var service types.Service
			if err := s.unmarshalService(v, &service); err != nil {
				return err
			}
			if service.ClusterID == clusterID {
				view.Services = append(view.Services, &service)
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketMappings).ForEach(func(k, v []byte) error {
			var mapping types.Mapping
			if err := json.Unmarshal(v, &mapping); err != nil {
				return err
			}
			if mapping.ClusterID == clusterID {
				view.Mappings = append(view.Mappings, &mapping)
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			view.Certificates = append(view.Certificates, &cert)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketRevocations).ForEach(func(k, v []byte) error {
			var rev types.Revocation
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			view.Revocations = append(view.Revocations, &rev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// License cache operations
func (s *BoltStore) SaveLicense(license *types.License) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLicense)
		data, err := json.Marshal(license)
		if err != nil {
			return err
		}
		// Fixed key; at most one cached license record
		return b.Put([]byte("license"), data)
	})
}

func (s *BoltStore) GetLicense() (*types.License, error) {
	var license types.License
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLicense)
		data := b.Get([]byte("license"))
		if data == nil {
			return types.NewError(types.KindNotFound, "no cached license")
		}
		return json.Unmarshal(data, &license)
	})
	if err != nil {
		return nil, err
	}
	return &license, nil
}
