package registrar

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/events"
	"github.com/penguintechinc/marchproxy/pkg/license"
	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/metrics"
	"github.com/penguintechinc/marchproxy/pkg/security"
	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

const (
	// DefaultStaleThreshold is how long after the last heartbeat a proxy is
	// marked stale.
	DefaultStaleThreshold = 10 * time.Minute

	// DefaultRetireThreshold is how long after the last heartbeat a stale
	// proxy is retired. Retired proxies must register again.
	DefaultRetireThreshold = 30 * time.Minute

	// DefaultHeartbeatInterval is the cadence proxies are told to report at.
	DefaultHeartbeatInterval = 30 * time.Second

	reaperSweepInterval = time.Minute
)

// Config tunes the registrar's liveness thresholds.
type Config struct {
	StaleThreshold    time.Duration
	RetireThreshold   time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard liveness thresholds.
func DefaultConfig() Config {
	return Config{
		StaleThreshold:    DefaultStaleThreshold,
		RetireThreshold:   DefaultRetireThreshold,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// RegisterRequest is a proxy's admission request.
type RegisterRequest struct {
	ClusterAPIKey string   `json:"cluster_api_key"`
	Name          string   `json:"name"`
	Hostname      string   `json:"hostname"`
	Address       string   `json:"address"`
	Port          int      `json:"port"`
	Version       string   `json:"version"`
	Capabilities  []string `json:"capabilities"`
}

// RegisterResponse identifies the admitted proxy.
type RegisterResponse struct {
	ProxyID   string `json:"proxy_id"`
	ClusterID string `json:"cluster_id"`
	Status    string `json:"status"`
}

// HeartbeatRequest is a proxy's periodic liveness report.
type HeartbeatRequest struct {
	Version       string              `json:"version,omitempty"`
	Capabilities  []string            `json:"capabilities,omitempty"`
	ConfigVersion string              `json:"config_version,omitempty"`
	Metrics       *types.ProxyMetrics `json:"metrics,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat and tells the proxy when to
// report next.
type HeartbeatResponse struct {
	Acknowledged        bool `json:"acknowledged"`
	NextIntervalSeconds int  `json:"next_interval_seconds"`
}

// Registrar admits proxies into clusters, tracks their liveness, and
// retires the ones that stop reporting.
type Registrar struct {
	store    storage.Store
	enforcer *license.Enforcer
	broker   *events.Broker
	config   Config

	// admitMu serializes admissions (registration and stale revival) so
	// the capacity count and the write it guards happen as one logical
	// step.
	admitMu sync.Mutex

	logger zerolog.Logger
	now    func() time.Time
	stopCh chan struct{}
}

// NewRegistrar creates a registrar.
func NewRegistrar(store storage.Store, enforcer *license.Enforcer, broker *events.Broker, config Config) *Registrar {
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = DefaultStaleThreshold
	}
	if config.RetireThreshold <= 0 {
		config.RetireThreshold = DefaultRetireThreshold
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Registrar{
		store:    store,
		enforcer: enforcer,
		broker:   broker,
		config:   config,
		logger:   log.WithComponent("registrar"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// AuthenticateCluster resolves a cluster API key to its cluster. Key
// comparison is constant-time; a matching but inactive cluster still fails
// auth.
func (r *Registrar) AuthenticateCluster(apiKey string) (*types.Cluster, error) {
	clusters, err := r.store.ListClusters()
	if err != nil {
		return nil, types.NewError(types.KindStoreUnavailable, "failed to list clusters: %v", err)
	}

	for _, cluster := range clusters {
		if security.ConstantTimeEquals([]byte(apiKey), []byte(cluster.APIKey)) {
			if !cluster.Active {
				return nil, types.NewError(types.KindAuth, "cluster inactive")
			}
			return cluster, nil
		}
	}
	return nil, types.NewError(types.KindAuth, "unknown cluster API key")
}

// Register admits a proxy into the cluster identified by its API key. A
// proxy re-registering under an existing (cluster, name) reuses that slot
// regardless of its previous status.
func (r *Registrar) Register(req *RegisterRequest) (*RegisterResponse, error) {
	cluster, err := r.AuthenticateCluster(req.ClusterAPIKey)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("auth").Inc()
		return nil, err
	}
	if req.Name == "" {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, types.NewError(types.KindConflict, "proxy name is required")
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	now := r.now()
	existing, err := r.store.GetProxyByName(cluster.ID, req.Name)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, types.NewError(types.KindStoreUnavailable, "failed to look up proxy: %v", err)
	}

	// A slot is only consumed when the name is new or the previous record
	// already released its slot by going stale or retired.
	needsSlot := existing == nil || !existing.Status.Counted()
	if needsSlot {
		if err := r.checkCapacity(cluster); err != nil {
			metrics.RegistrationsTotal.WithLabelValues("capacity").Inc()
			return nil, err
		}
	}

	proxy := existing
	if proxy == nil {
		proxy = &types.Proxy{
			ID:        uuid.New().String(),
			Name:      req.Name,
			ClusterID: cluster.ID,
			CreatedAt: now,
		}
	}
	proxy.Hostname = req.Hostname
	proxy.Address = req.Address
	proxy.Port = req.Port
	proxy.Version = req.Version
	proxy.Capabilities = req.Capabilities
	proxy.Status = types.ProxyStatusRegistering
	proxy.LastHeartbeat = now

	if existing == nil {
		err = r.store.CreateProxy(proxy)
	} else {
		err = r.store.UpdateProxy(proxy)
	}
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, types.NewError(types.KindStoreUnavailable, "failed to persist proxy: %v", err)
	}

	metrics.RegistrationsTotal.WithLabelValues("ok").Inc()
	r.publish(events.EventProxyRegistered, proxy, cluster.Name, fmt.Sprintf("proxy '%s' registered", proxy.Name))
	r.logger.Info().
		Str("proxy", proxy.Name).
		Str("cluster", cluster.Name).
		Str("address", proxy.Address).
		Msg("proxy registered")

	return &RegisterResponse{
		ProxyID:   proxy.ID,
		ClusterID: cluster.ID,
		Status:    string(proxy.Status),
	}, nil
}

func (r *Registrar) checkCapacity(cluster *types.Cluster) error {
	proxies, err := r.store.ListProxiesByCluster(cluster.ID)
	if err != nil {
		return types.NewError(types.KindStoreUnavailable, "failed to count proxies: %v", err)
	}

	counted := 0
	for _, p := range proxies {
		if p.Status.Counted() {
			counted++
		}
	}

	limit := cluster.MaxProxies
	if licensed := r.enforcer.Capacity(); licensed < limit || limit <= 0 {
		limit = licensed
	}
	if counted >= limit {
		return types.NewError(types.KindCapacity, "cluster '%s' is at capacity (%d/%d)", cluster.Name, counted, limit)
	}
	return nil
}

// Heartbeat records a proxy's liveness report. A heartbeat from an unknown
// or retired proxy fails auth; the proxy is expected to register again.
// Retries are idempotent.
func (r *Registrar) Heartbeat(apiKey, proxyName string, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	cluster, err := r.AuthenticateCluster(apiKey)
	if err != nil {
		return nil, err
	}

	proxy, err := r.store.GetProxyByName(cluster.ID, proxyName)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.NewError(types.KindAuth, "unknown proxy '%s'", proxyName)
		}
		return nil, types.NewError(types.KindStoreUnavailable, "failed to look up proxy: %v", err)
	}
	if proxy.Status == types.ProxyStatusRetired {
		return nil, types.NewError(types.KindAuth, "proxy '%s' is retired, re-register", proxyName)
	}
	if proxy.Status == types.ProxyStatusStale {
		// The slot was released when the proxy went stale; winning it
		// back is an admission and must not race registrations past
		// the capacity gate.
		r.admitMu.Lock()
		defer r.admitMu.Unlock()
		if err := r.checkCapacity(cluster); err != nil {
			return nil, err
		}
	}

	prev := proxy.Status
	proxy.LastHeartbeat = r.now()
	proxy.Status = types.ProxyStatusActive
	if req != nil {
		if req.Version != "" {
			proxy.Version = req.Version
		}
		if req.Capabilities != nil {
			proxy.Capabilities = req.Capabilities
		}
		if req.ConfigVersion != "" {
			proxy.ConfigVersion = req.ConfigVersion
		}
		if req.Metrics != nil {
			proxy.Metrics = req.Metrics
		}
	}

	if err := r.store.UpdateProxy(proxy); err != nil {
		return nil, types.NewError(types.KindStoreUnavailable, "failed to persist heartbeat: %v", err)
	}

	metrics.HeartbeatsTotal.Inc()
	if prev != types.ProxyStatusActive {
		r.publish(events.EventProxyActive, proxy, cluster.Name, fmt.Sprintf("proxy '%s' became active", proxy.Name))
		r.logger.Info().
			Str("proxy", proxy.Name).
			Str("cluster", cluster.Name).
			Str("previous", string(prev)).
			Msg("proxy active")
	}

	return &HeartbeatResponse{
		Acknowledged:        true,
		NextIntervalSeconds: int(r.config.HeartbeatInterval / time.Second),
	}, nil
}

// ListProxies returns the cluster's proxies ordered by name, optionally
// filtered by status.
func (r *Registrar) ListProxies(clusterID string, status types.ProxyStatus) ([]*types.Proxy, error) {
	proxies, err := r.store.ListProxiesByCluster(clusterID)
	if err != nil {
		return nil, types.NewError(types.KindStoreUnavailable, "failed to list proxies: %v", err)
	}

	filtered := proxies[:0]
	for _, p := range proxies {
		if status == "" || p.Status == status {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Name < filtered[j].Name })
	return filtered, nil
}

// Reap sweeps all proxies, marking silent ones stale and long-silent stale
// ones retired. Returns the number of transitions applied.
func (r *Registrar) Reap(now time.Time) int {
	proxies, err := r.store.ListProxies()
	if err != nil {
		r.logger.Error().Err(err).Msg("reaper failed to list proxies")
		return 0
	}

	cleaned := 0
	for _, proxy := range proxies {
		silence := now.Sub(proxy.LastHeartbeat)

		switch {
		case proxy.Status == types.ProxyStatusStale && silence > r.config.RetireThreshold:
			proxy.Status = types.ProxyStatusRetired
			if err := r.store.UpdateProxy(proxy); err != nil {
				r.logger.Error().Err(err).Str("proxy", proxy.Name).Msg("reaper failed to retire proxy")
				continue
			}
			cleaned++
			metrics.ProxiesReaped.WithLabelValues("retired").Inc()
			r.publish(events.EventProxyRetired, proxy, "", fmt.Sprintf("proxy '%s' retired after %s of silence", proxy.Name, silence.Round(time.Second)))
			r.logger.Warn().Str("proxy", proxy.Name).Dur("silence", silence).Msg("proxy retired")

		case proxy.Status.Counted() && silence > r.config.StaleThreshold:
			proxy.Status = types.ProxyStatusStale
			if err := r.store.UpdateProxy(proxy); err != nil {
				r.logger.Error().Err(err).Str("proxy", proxy.Name).Msg("reaper failed to mark proxy stale")
				continue
			}
			cleaned++
			metrics.ProxiesReaped.WithLabelValues("stale").Inc()
			r.publish(events.EventProxyStale, proxy, "", fmt.Sprintf("proxy '%s' went stale after %s of silence", proxy.Name, silence.Round(time.Second)))
			r.logger.Warn().Str("proxy", proxy.Name).Dur("silence", silence).Msg("proxy stale")
		}
	}
	return cleaned
}

// Start runs the periodic reaper sweep until Stop.
func (r *Registrar) Start() {
	go func() {
		ticker := time.NewTicker(reaperSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap(r.now())
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the reaper loop.
func (r *Registrar) Stop() {
	close(r.stopCh)
}

func (r *Registrar) publish(eventType events.EventType, proxy *types.Proxy, clusterName, message string) {
	if r.broker == nil {
		return
	}
	meta := map[string]string{
		"proxy_id":   proxy.ID,
		"proxy_name": proxy.Name,
		"cluster_id": proxy.ClusterID,
	}
	if clusterName != "" {
		meta["cluster"] = clusterName
	}
	r.broker.Publish(events.New(eventType, message, meta))
}
