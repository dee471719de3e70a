package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/configdist"
	"github.com/penguintechinc/marchproxy/pkg/events"
	"github.com/penguintechinc/marchproxy/pkg/license"
	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/metrics"
	"github.com/penguintechinc/marchproxy/pkg/registrar"
	"github.com/penguintechinc/marchproxy/pkg/security"
	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// Server is the control plane's HTTP surface: the proxy-facing
// register/heartbeat/config endpoints and the operator-facing admin API.
type Server struct {
	store     storage.Store
	registrar *registrar.Registrar
	dist      *configdist.Distributor
	enforcer  *license.Enforcer
	broker    *events.Broker

	// adminToken authenticates operator endpoints. Set once at boot.
	adminToken string

	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates the API server.
func NewServer(store storage.Store, reg *registrar.Registrar, dist *configdist.Distributor, enforcer *license.Enforcer, broker *events.Broker, adminToken string) *Server {
	return &Server{
		store:      store,
		registrar:  reg,
		dist:       dist,
		enforcer:   enforcer,
		broker:     broker,
		adminToken: adminToken,
		logger:     log.WithComponent("api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Proxy-facing endpoints.
	mux.Handle("POST /proxy/register", s.instrument("proxy_register", http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /proxy/heartbeat", s.instrument("proxy_heartbeat", http.HandlerFunc(s.handleHeartbeat)))
	mux.Handle("GET /proxy/config/{proxy_name}", s.instrument("proxy_config", http.HandlerFunc(s.handleProxyConfig)))
	mux.Handle("GET /cluster/config/{cluster_id}", s.instrument("cluster_config", http.HandlerFunc(s.handleClusterConfig)))
	mux.Handle("GET /cluster/config/{cluster_id}/poll", s.instrument("cluster_poll", http.HandlerFunc(s.handlePollChanges)))

	// Operator endpoints.
	mux.Handle("POST /cluster/{id}/rotate-key", s.operator("rotate_key", s.handleRotateKey))
	mux.Handle("GET /license/status", s.operator("license_status", s.handleLicenseStatus))
	mux.Handle("POST /license/validate", s.operator("license_validate", s.handleLicenseValidate))

	mux.Handle("POST /admin/clusters", s.operator("clusters", s.handleCreateCluster))
	mux.Handle("GET /admin/clusters", s.operator("clusters", s.handleListClusters))
	mux.Handle("GET /admin/clusters/{id}", s.operator("clusters", s.handleGetCluster))
	mux.Handle("PUT /admin/clusters/{id}", s.operator("clusters", s.handleUpdateCluster))
	mux.Handle("GET /admin/clusters/{id}/proxies", s.operator("proxies", s.handleListProxies))

	mux.Handle("POST /admin/clusters/{id}/services", s.operator("services", s.handleCreateService))
	mux.Handle("GET /admin/clusters/{id}/services", s.operator("services", s.handleListServices))
	mux.Handle("PUT /admin/services/{id}", s.operator("services", s.handleUpdateService))
	mux.Handle("DELETE /admin/services/{id}", s.operator("services", s.handleDeleteService))

	mux.Handle("POST /admin/clusters/{id}/mappings", s.operator("mappings", s.handleCreateMapping))
	mux.Handle("GET /admin/clusters/{id}/mappings", s.operator("mappings", s.handleListMappings))
	mux.Handle("PUT /admin/mappings/{id}", s.operator("mappings", s.handleUpdateMapping))
	mux.Handle("DELETE /admin/mappings/{id}", s.operator("mappings", s.handleDeleteMapping))

	mux.Handle("POST /admin/certificates", s.operator("certificates", s.handleUploadCertificate))
	mux.Handle("GET /admin/certificates", s.operator("certificates", s.handleListCertificates))
	mux.Handle("POST /admin/certificates/{id}/revoke", s.operator("certificates", s.handleRevokeCertificate))

	// Unauthenticated.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// instrument wraps a handler with request counting and latency observation.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	})
}

// operator wraps a handler with admin token authentication.
func (s *Server) operator(route string, next http.HandlerFunc) http.Handler {
	return s.instrument(route, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || !security.ConstantTimeEquals([]byte(bearerToken(r)), []byte(s.adminToken)) {
			s.writeError(w, types.NewError(types.KindAuth, "operator authentication required"))
			return
		}
		next(w, r)
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the stable error shape external callers receive: a kind
// tag and a human-readable message, nothing more.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindAuth:
		return http.StatusUnauthorized
	case types.KindCapacity, types.KindTooManyRequests:
		return http.StatusTooManyRequests
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindStoreUnavailable, types.KindBreakerOpen:
		return http.StatusServiceUnavailable
	case types.KindLicenseInvalid:
		return http.StatusForbidden
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	if kind == "" {
		s.logger.Error().Err(err).Msg("unclassified error")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
		return
	}
	s.writeJSON(w, statusForKind(kind), errorResponse{Error: string(kind), Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid JSON body"})
		return false
	}
	return true
}
