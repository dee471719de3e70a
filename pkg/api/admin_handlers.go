package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/penguintechinc/marchproxy/pkg/events"
	"github.com/penguintechinc/marchproxy/pkg/security"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// --- Clusters ---

type createClusterRequest struct {
	Name       string               `json:"name"`
	MaxProxies int                  `json:"max_proxies"`
	Logging    *types.LoggingConfig `json:"logging,omitempty"`
	IsDefault  bool                 `json:"is_default"`
}

func (s *Server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	var req createClusterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, types.NewError(types.KindConflict, "cluster name is required"))
		return
	}
	if existing, err := s.store.GetClusterByName(req.Name); err == nil && existing != nil {
		s.writeError(w, types.NewError(types.KindConflict, "cluster '%s' already exists", req.Name))
		return
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to generate API key: %v", err))
		return
	}

	now := time.Now()
	cluster := &types.Cluster{
		ID:         uuid.New().String(),
		Name:       req.Name,
		APIKey:     apiKey,
		MaxProxies: req.MaxProxies,
		Logging:    req.Logging,
		IsDefault:  req.IsDefault,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateCluster(cluster); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to create cluster: %v", err))
		return
	}
	s.logger.Info().Str("cluster", cluster.Name).Msg("cluster created")
	s.writeJSON(w, http.StatusCreated, cluster)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.store.ListClusters()
	if err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to list clusters: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.store.GetCluster(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleUpdateCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.store.GetCluster(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req createClusterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name != "" {
		cluster.Name = req.Name
	}
	cluster.MaxProxies = req.MaxProxies
	cluster.Logging = req.Logging
	cluster.UpdatedAt = time.Now()

	if err := s.store.UpdateCluster(cluster); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to update cluster: %v", err))
		return
	}
	// Logging configuration is part of the rendered snapshot.
	s.dist.Invalidate(cluster.ID)
	s.writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.store.GetCluster(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to generate API key: %v", err))
		return
	}

	// The store write replaces the key atomically; the previous value is
	// unusable as soon as this returns.
	cluster.APIKey = apiKey
	cluster.UpdatedAt = time.Now()
	if err := s.store.UpdateCluster(cluster); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to rotate key: %v", err))
		return
	}

	if s.broker != nil {
		s.broker.Publish(events.New(events.EventKeyRotated, "cluster '"+cluster.Name+"' API key rotated", map[string]string{
			"cluster_id": cluster.ID,
			"cluster":    cluster.Name,
		}))
	}
	s.logger.Info().Str("cluster", cluster.Name).Msg("cluster API key rotated")
	s.writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.registrar.ListProxies(r.PathValue("id"), types.ProxyStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proxies)
}

// --- Services ---

// validateServiceAuth enforces that exactly one auth type's secret
// material is populated.
func validateServiceAuth(svc *types.Service) error {
	switch svc.AuthType {
	case types.AuthNone, "":
		svc.AuthType = types.AuthNone
		if svc.TokenValue != "" || svc.SignedToken != nil {
			return types.NewError(types.KindConflict, "auth_type none must not carry token material")
		}
	case types.AuthSymmetricToken:
		if svc.TokenValue == "" {
			return types.NewError(types.KindConflict, "symmetric_token requires token_value")
		}
		if svc.SignedToken != nil {
			return types.NewError(types.KindConflict, "symmetric_token must not carry signed-token material")
		}
	case types.AuthSignedToken:
		if svc.SignedToken == nil || svc.SignedToken.Secret == "" {
			return types.NewError(types.KindConflict, "signed_token requires a secret")
		}
		if svc.TokenValue != "" {
			return types.NewError(types.KindConflict, "signed_token must not carry a symmetric token value")
		}
		if svc.SignedToken.Algorithm == "" {
			svc.SignedToken.Algorithm = "HS256"
		}
		if svc.SignedToken.ExpirySeconds <= 0 {
			svc.SignedToken.ExpirySeconds = 3600
		}
	default:
		return types.NewError(types.KindConflict, "unknown auth_type %q", svc.AuthType)
	}
	return nil
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.store.GetCluster(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var svc types.Service
	if !s.decode(w, r, &svc) {
		return
	}
	if svc.Name == "" {
		s.writeError(w, types.NewError(types.KindConflict, "service name is required"))
		return
	}
	if existing, err := s.store.GetServiceByName(cluster.ID, svc.Name); err == nil && existing != nil {
		s.writeError(w, types.NewError(types.KindConflict, "service '%s' already exists", svc.Name))
		return
	}
	if err := validateServiceAuth(&svc); err != nil {
		s.writeError(w, err)
		return
	}

	svc.ID = uuid.New().String()
	svc.NumericID = 0 // assigned by the store
	svc.ClusterID = cluster.ID
	svc.CreatedAt = time.Now()
	svc.UpdatedAt = svc.CreatedAt

	if err := s.store.CreateService(&svc); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to create service: %v", err))
		return
	}
	s.dist.Invalidate(cluster.ID)
	s.writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServicesByCluster(r.PathValue("id"))
	if err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to list services: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetService(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var svc types.Service
	if !s.decode(w, r, &svc) {
		return
	}
	if err := validateServiceAuth(&svc); err != nil {
		s.writeError(w, err)
		return
	}

	// Identity fields are immutable.
	svc.ID = existing.ID
	svc.NumericID = existing.NumericID
	svc.ClusterID = existing.ClusterID
	svc.CreatedAt = existing.CreatedAt
	svc.UpdatedAt = time.Now()

	if err := s.store.UpdateService(&svc); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to update service: %v", err))
		return
	}
	s.dist.Invalidate(svc.ClusterID)
	s.writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetService(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteService(existing.ID); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to delete service: %v", err))
		return
	}
	s.dist.Invalidate(existing.ClusterID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Mappings ---

// validateMappingRefs checks that every referenced service exists in the
// mapping's cluster. Creation-time dangling references are conflicts;
// references that go dangling later are elided at render time.
func (s *Server) validateMappingRefs(m *types.Mapping) error {
	for _, id := range append(append([]string{}, m.SourceIDs...), m.DestIDs...) {
		svc, err := s.store.GetService(id)
		if err != nil {
			return types.NewError(types.KindConflict, "mapping references unknown service %s", id)
		}
		if svc.ClusterID != m.ClusterID {
			return types.NewError(types.KindConflict, "service '%s' belongs to a different cluster", svc.Name)
		}
	}
	for _, spec := range m.Ports {
		if spec.Start <= 0 || spec.End < spec.Start || spec.End > 65535 {
			return types.NewError(types.KindConflict, "invalid port range %d-%d", spec.Start, spec.End)
		}
	}
	return nil
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.store.GetCluster(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var m types.Mapping
	if !s.decode(w, r, &m) {
		return
	}
	m.ID = uuid.New().String()
	m.ClusterID = cluster.ID
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt

	if err := s.validateMappingRefs(&m); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CreateMapping(&m); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to create mapping: %v", err))
		return
	}
	s.dist.Invalidate(cluster.ID)
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListMappingsByCluster(r.PathValue("id"))
	if err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to list mappings: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetMapping(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var m types.Mapping
	if !s.decode(w, r, &m) {
		return
	}
	m.ID = existing.ID
	m.ClusterID = existing.ClusterID
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = time.Now()

	if err := s.validateMappingRefs(&m); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateMapping(&m); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to update mapping: %v", err))
		return
	}
	s.dist.Invalidate(m.ClusterID)
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetMapping(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteMapping(existing.ID); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to delete mapping: %v", err))
		return
	}
	s.dist.Invalidate(existing.ClusterID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Certificates ---

type uploadCertificateRequest struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Source string `json:"source"`
	PEM    string `json:"pem"`
}

func (s *Server) handleUploadCertificate(w http.ResponseWriter, r *http.Request) {
	var req uploadCertificateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" {
		req.Source = string(types.CertSourceUpload)
	}

	record, err := security.CertificateRecord(uuid.New().String(), req.Name, types.CertType(req.Type), types.CertSource(req.Source), []byte(req.PEM))
	if err != nil {
		s.writeError(w, types.NewError(types.KindConflict, "invalid certificate: %v", err))
		return
	}
	if err := s.store.CreateCertificate(record); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to store certificate: %v", err))
		return
	}
	s.invalidateAllClusters()
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.store.ListCertificates()
	if err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to list certificates: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, certs)
}

type revokeCertificateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.store.GetCertificate(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req revokeCertificateRequest
	if !s.decode(w, r, &req) {
		return
	}

	now := time.Now()
	cert.Revoked = true
	cert.RevokedAt = now
	cert.RevocationReason = req.Reason
	if err := s.store.UpdateCertificate(cert); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to revoke certificate: %v", err))
		return
	}
	if err := s.store.AddRevocation(&types.Revocation{
		SerialNumber: cert.SerialNumber,
		RevokedAt:    now,
		Reason:       req.Reason,
	}); err != nil {
		s.writeError(w, types.NewError(types.KindStoreUnavailable, "failed to record revocation: %v", err))
		return
	}

	if s.broker != nil {
		s.broker.Publish(events.New(events.EventCertRevoked, "certificate '"+cert.Name+"' revoked", map[string]string{
			"certificate_id": cert.ID,
			"serial":         cert.SerialNumber,
			"reason":         req.Reason,
		}))
	}
	s.invalidateAllClusters()
	s.writeJSON(w, http.StatusOK, cert)
}

// invalidateAllClusters wakes pollers everywhere; certificate material is
// shared across clusters.
func (s *Server) invalidateAllClusters() {
	clusters, err := s.store.ListClusters()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list clusters for invalidation")
		return
	}
	for _, cluster := range clusters {
		s.dist.Invalidate(cluster.ID)
	}
}

// --- License ---

type licenseStatusResponse struct {
	State      string    `json:"state"`
	Tier       string    `json:"tier,omitempty"`
	Valid      bool      `json:"valid"`
	MaxProxies int       `json:"max_proxies"`
	Features   []string  `json:"features,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Stale      bool      `json:"stale,omitempty"`
}

func (s *Server) handleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	resp := licenseStatusResponse{
		State:      string(s.enforcer.State()),
		MaxProxies: s.enforcer.Capacity(),
	}
	if rec := s.enforcer.Record(); rec != nil {
		resp.Tier = string(rec.Tier)
		resp.Valid = rec.Valid
		resp.Features = rec.Features
		resp.ExpiresAt = rec.ExpiresAt
		resp.Stale = rec.Stale
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLicenseValidate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.enforcer.Validate(r.Context(), true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
