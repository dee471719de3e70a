package proxy

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/auth"
	"github.com/penguintechinc/marchproxy/pkg/breaker"
	"github.com/penguintechinc/marchproxy/pkg/client"
	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/mtls"
	"github.com/penguintechinc/marchproxy/pkg/registrar"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

const (
	// DefaultRefreshInterval is the fallback full-refresh cadence. Change
	// delivery normally happens through the long poll; the refresh is a
	// safety net against missed invalidations.
	DefaultRefreshInterval = 5 * time.Minute

	// DefaultRefreshJitter spreads refreshes so a fleet restarted together
	// does not hammer the control plane in lockstep.
	DefaultRefreshJitter = 0.2

	// DefaultHeartbeatInterval applies until the control plane dictates one.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultPollWait is the long-poll hold time per request.
	DefaultPollWait = 30 * time.Second

	registerBackoffStart = time.Second
	registerBackoffMax   = 30 * time.Second
)

// Config describes this proxy instance to the control plane and tunes the
// runtime loops.
type Config struct {
	Name         string
	Hostname     string
	Address      string
	Port         int
	Version      string
	Capabilities []string

	RefreshInterval time.Duration
	RefreshJitter   float64
	PollWait        time.Duration

	// BreakerDefaults seeds every per-backend breaker. Name is set per
	// backend by the table.
	BreakerDefaults breaker.Settings

	// MTLS, when set, attaches a peer validator fed revocations from each
	// config snapshot.
	MTLS *mtls.Config
}

// Runtime is the data-plane side: it registers with the control plane,
// keeps the config snapshot fresh, and owns the per-connection enforcement
// objects (authenticator, breaker table, mTLS validator, health monitor).
type Runtime struct {
	client *client.Client
	cfg    Config

	auth      *auth.Authenticator
	breakers  *breaker.Table
	validator *mtls.Validator
	monitor   *monitor

	snapshot atomic.Pointer[types.ConfigSnapshot]
	services atomic.Pointer[map[string]*types.SnapshotService]

	mu            sync.Mutex
	clusterID     string
	proxyID       string
	heartbeatWait time.Duration

	logger zerolog.Logger
	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRuntime creates a runtime around an authenticated control-plane
// client. Start must be called before serving traffic.
func NewRuntime(c *client.Client, cfg Config) *Runtime {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RefreshJitter <= 0 || cfg.RefreshJitter >= 1 {
		cfg.RefreshJitter = DefaultRefreshJitter
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = DefaultPollWait
	}

	r := &Runtime{
		client:        c,
		cfg:           cfg,
		auth:          auth.NewAuthenticator(),
		breakers:      breaker.NewTable(cfg.BreakerDefaults),
		monitor:       newMonitor(),
		heartbeatWait: DefaultHeartbeatInterval,
		logger:        log.WithComponent("proxy-runtime").With().Str("proxy", cfg.Name).Logger(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	if cfg.MTLS != nil {
		r.validator = mtls.NewValidator(*cfg.MTLS)
	}
	empty := make(map[string]*types.SnapshotService)
	r.services.Store(&empty)
	return r
}

// Start registers with the control plane, loads the initial snapshot, and
// launches the heartbeat, long-poll and refresh loops. It blocks until
// registration succeeds or ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}

	snap, err := r.client.GetProxyConfig(ctx, r.cfg.Name)
	if err != nil {
		return err
	}
	r.applySnapshot(snap)

	r.logger.Info().
		Str("cluster_id", r.clusterID).
		Str("config_version", snap.Version).
		Msg("proxy runtime started")

	r.wg.Add(3)
	go r.heartbeatLoop()
	go r.pollLoop()
	go r.refreshLoop()
	return nil
}

// Stop halts the background loops and health monitoring.
func (r *Runtime) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.monitor.stop()
	r.logger.Info().Msg("proxy runtime stopped")
}

// Snapshot returns the currently applied config snapshot.
func (r *Runtime) Snapshot() *types.ConfigSnapshot {
	return r.snapshot.Load()
}

// Service looks up a service by name in the current snapshot.
func (r *Runtime) Service(name string) (*types.SnapshotService, bool) {
	svc, ok := (*r.services.Load())[name]
	return svc, ok
}

// Validator returns the mTLS validator, or nil when mTLS is not enabled.
func (r *Runtime) Validator() *mtls.Validator {
	return r.validator
}

// Breakers exposes the per-backend breaker table.
func (r *Runtime) Breakers() *breaker.Table {
	return r.breakers
}

// Authenticate checks a credential against the named service. An unknown
// service is indistinguishable from a bad credential to the caller.
func (r *Runtime) Authenticate(serviceName string, credential []byte) error {
	svc, ok := r.Service(serviceName)
	if !ok {
		r.logger.Warn().
			Str("service", serviceName).
			Str("reason", "unknown_service").
			Msg("authentication rejected")
		return types.NewError(types.KindAuth, "authentication failed")
	}
	return r.auth.Authenticate(svc, credential)
}

// Execute runs fn against the service's backend through its circuit
// breaker, honoring the breaker's timeout and concurrency cap.
func (r *Runtime) Execute(ctx context.Context, svc *types.SnapshotService, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cb := r.breakers.Get(backendKey(svc))
	return cb.ExecuteWithContext(ctx, fn)
}

// Healthy reports whether a service's backend currently passes its health
// check. Services without a health check are always healthy.
func (r *Runtime) Healthy(serviceID string) bool {
	return r.monitor.healthy(serviceID)
}

func backendKey(svc *types.SnapshotService) string {
	return net.JoinHostPort(svc.Host, strconv.Itoa(svc.Port))
}

func (r *Runtime) register(ctx context.Context) error {
	req := &registrar.RegisterRequest{
		Name:         r.cfg.Name,
		Hostname:     r.cfg.Hostname,
		Address:      r.cfg.Address,
		Port:         r.cfg.Port,
		Version:      r.cfg.Version,
		Capabilities: r.cfg.Capabilities,
	}

	backoff := registerBackoffStart
	for {
		resp, err := r.client.Register(ctx, req)
		if err == nil {
			r.mu.Lock()
			r.clusterID = resp.ClusterID
			r.proxyID = resp.ProxyID
			r.mu.Unlock()
			return nil
		}
		// Auth and capacity rejections are deliberate decisions by the
		// control plane, not transient faults.
		if types.IsKind(err, types.KindAuth) || types.IsKind(err, types.KindCapacity) {
			return err
		}

		r.logger.Warn().
			Err(err).
			Dur("retry_in", backoff).
			Msg("registration failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return types.NewError(types.KindTimeout, "runtime stopped during registration")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > registerBackoffMax {
			backoff = registerBackoffMax
		}
	}
}

func (r *Runtime) heartbeatLoop() {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		wait := r.heartbeatWait
		r.mu.Unlock()

		select {
		case <-r.stopCh:
			return
		case <-time.After(wait):
		}

		snap := r.snapshot.Load()
		version := ""
		if snap != nil {
			version = snap.Version
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := r.client.Heartbeat(ctx, r.cfg.Name, &registrar.HeartbeatRequest{
			Version:       r.cfg.Version,
			Capabilities:  r.cfg.Capabilities,
			ConfigVersion: version,
		})
		cancel()

		switch {
		case err == nil:
			if resp.NextIntervalSeconds > 0 {
				r.mu.Lock()
				r.heartbeatWait = time.Duration(resp.NextIntervalSeconds) * time.Second
				r.mu.Unlock()
			}
		case types.IsKind(err, types.KindAuth):
			// Retired while we were away. Re-admit and refetch.
			r.logger.Warn().Msg("heartbeat rejected, re-registering")
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := r.register(ctx); err != nil {
				r.logger.Error().Err(err).Msg("re-registration failed")
			} else if snap, err := r.client.GetProxyConfig(ctx, r.cfg.Name); err == nil {
				r.applySnapshot(snap)
			}
			cancel()
		default:
			r.logger.Warn().Err(err).Msg("heartbeat failed")
		}
	}
}

// pollLoop holds a long poll open against the control plane and applies
// each changed snapshot as it arrives.
func (r *Runtime) pollLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.mu.Lock()
		clusterID := r.clusterID
		r.mu.Unlock()
		lastSeen := ""
		if snap := r.snapshot.Load(); snap != nil {
			lastSeen = snap.Version
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PollWait+10*time.Second)
		snap, err := r.client.PollChanges(ctx, clusterID, lastSeen, r.cfg.PollWait)
		cancel()

		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("config poll failed")
			select {
			case <-r.stopCh:
				return
			case <-time.After(registerBackoffStart):
			}
		case snap != nil:
			r.applySnapshot(snap)
		}
	}
}

// refreshLoop is the jittered safety net: a periodic full fetch that
// catches anything the long poll missed.
func (r *Runtime) refreshLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.jitteredInterval()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		snap, err := r.client.GetProxyConfig(ctx, r.cfg.Name)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Msg("config refresh failed")
			continue
		}
		current := r.snapshot.Load()
		if current == nil || current.Version != snap.Version {
			r.applySnapshot(snap)
		}
	}
}

func (r *Runtime) jitteredInterval() time.Duration {
	base := float64(r.cfg.RefreshInterval)
	spread := base * r.cfg.RefreshJitter
	return time.Duration(base - spread + rand.Float64()*2*spread)
}

// applySnapshot atomically swaps in a new snapshot and rebuilds the
// enforcement state derived from it. Traffic in flight keeps the snapshot
// it resolved against.
func (r *Runtime) applySnapshot(snap *types.ConfigSnapshot) {
	index := make(map[string]*types.SnapshotService, len(snap.Services))
	for i := range snap.Services {
		svc := &snap.Services[i]
		index[svc.Name] = svc
	}

	r.snapshot.Store(snap)
	r.services.Store(&index)

	if r.validator != nil {
		r.validator.SetRevocations(snap.Revocations)
	}
	r.monitor.apply(snap)

	r.logger.Info().
		Str("config_version", snap.Version).
		Int("services", len(snap.Services)).
		Int("mappings", len(snap.Mappings)).
		Int("revocations", len(snap.Revocations)).
		Msg("config snapshot applied")
}
