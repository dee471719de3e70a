package license

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/metrics"
	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// State is the enforcer's view of the license key.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateValidating    State = "validating"
	StateValid         State = "valid"
	StateGrace         State = "grace"
	StateInvalid       State = "invalid"
)

const (
	// DefaultGraceWindow is how long a previously valid license keeps
	// working after expiry or issuer unreachability.
	DefaultGraceWindow = 24 * time.Hour

	// DefaultKeepaliveInterval is how often the enforcer pings the issuer.
	DefaultKeepaliveInterval = time.Hour

	keepaliveBackoffStart = time.Second
	keepaliveBackoffCap   = 5 * time.Minute
)

// Issuer validates license keys and accepts keepalives. Implemented by the
// HTTP client in this package; tests substitute fakes.
type Issuer interface {
	Validate(ctx context.Context, key string) (*types.License, error)
	Keepalive(ctx context.Context, key string) error
}

// Enforcer caches the license record, gates registration capacity and
// feature access, and keeps the issuer informed that the key is in use.
// Without a key it runs in community mode with a fixed proxy allowance.
type Enforcer struct {
	store  storage.Store
	issuer Issuer
	key    string

	graceWindow       time.Duration
	keepaliveInterval time.Duration

	mu     sync.RWMutex
	state  State
	record *types.License

	logger zerolog.Logger
	now    func() time.Time
	stopCh chan struct{}
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithGraceWindow overrides the post-expiry grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(e *Enforcer) { e.graceWindow = d }
}

// WithKeepaliveInterval overrides the keepalive period.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(e *Enforcer) { e.keepaliveInterval = d }
}

// NewEnforcer creates an enforcer for the given key. A cached record from a
// previous run is loaded from the store so a restart inside the grace window
// does not lock out the fleet.
func NewEnforcer(store storage.Store, issuer Issuer, key string, opts ...Option) *Enforcer {
	e := &Enforcer{
		store:             store,
		issuer:            issuer,
		key:               key,
		graceWindow:       DefaultGraceWindow,
		keepaliveInterval: DefaultKeepaliveInterval,
		state:             StateUninitialized,
		logger:            log.WithComponent("license"),
		now:               time.Now,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if key == "" {
		e.record = communityRecord()
		e.state = StateValid
		e.logger.Info().Int("max_proxies", types.CommunityMaxProxies).Msg("no license key configured, running in community mode")
		return e
	}

	if cached, err := store.GetLicense(); err == nil && cached != nil {
		e.record = cached
		e.state = e.stateFor(cached, e.now())
		e.logger.Info().
			Str("tier", string(cached.Tier)).
			Str("state", string(e.state)).
			Msg("loaded cached license record")
	}
	return e
}

func communityRecord() *types.License {
	return &types.License{
		Tier:       types.TierCommunity,
		Valid:      true,
		MaxProxies: types.CommunityMaxProxies,
	}
}

// stateFor derives the effective state of a record at the given time. A
// valid record past its expiry rides the grace window before going invalid.
func (e *Enforcer) stateFor(rec *types.License, now time.Time) State {
	if rec == nil {
		return StateUninitialized
	}
	if !rec.Valid {
		return StateInvalid
	}
	if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
		return StateValid
	}
	if now.Before(rec.ExpiresAt.Add(e.graceWindow)) {
		return StateGrace
	}
	return StateInvalid
}

// State returns the current effective state.
func (e *Enforcer) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == StateUninitialized || e.state == StateValidating {
		return e.state
	}
	return e.stateFor(e.record, e.now())
}

// Validate returns the cached record, refreshing from the issuer when the
// cache is missing, expired, or forceRefresh is set. An unreachable issuer
// inside the grace window returns the cached record flagged stale.
func (e *Enforcer) Validate(ctx context.Context, forceRefresh bool) (*types.License, error) {
	e.mu.Lock()
	now := e.now()
	if !forceRefresh && e.record != nil && e.stateFor(e.record, now) == StateValid {
		rec := *e.record
		e.mu.Unlock()
		return &rec, nil
	}
	e.state = StateValidating
	e.mu.Unlock()

	rec, err := e.issuer.Validate(ctx, e.key)
	if err != nil {
		return e.refreshFailed(err)
	}
	return e.refreshSucceeded(rec)
}

func (e *Enforcer) refreshSucceeded(rec *types.License) (*types.License, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record = rec
	e.state = e.stateFor(rec, e.now())
	if err := e.store.SaveLicense(rec); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist license record")
	}

	if e.state == StateInvalid {
		// The issuer rejecting the key overrides any grace.
		metrics.LicenseValid.Set(0)
		e.logger.Warn().Str("tier", string(rec.Tier)).Msg("issuer declared license invalid")
		out := *rec
		return &out, types.NewError(types.KindLicenseInvalid, "license key rejected by issuer")
	}

	metrics.LicenseValid.Set(1)
	e.logger.Info().
		Str("tier", string(rec.Tier)).
		Int("max_proxies", rec.MaxProxies).
		Time("expires_at", rec.ExpiresAt).
		Msg("license validated")
	out := *rec
	return &out, nil
}

func (e *Enforcer) refreshFailed(cause error) (*types.License, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.record != nil && e.record.Valid && now.Before(e.graceDeadline(now)) {
		e.state = StateGrace
		e.logger.Warn().Err(cause).Msg("license issuer unreachable, serving cached record")
		rec := *e.record
		rec.Stale = true
		return &rec, nil
	}

	e.state = StateInvalid
	metrics.LicenseValid.Set(0)
	e.logger.Error().Err(cause).Msg("license validation failed outside grace window")
	return nil, types.NewError(types.KindLicenseInvalid, "license validation failed: %v", cause)
}

// graceDeadline is the instant after which an unreachable issuer stops
// being forgivable: the later of expiry and last successful keepalive, plus
// the grace window.
func (e *Enforcer) graceDeadline(now time.Time) time.Time {
	anchor := e.record.ExpiresAt
	if e.record.LastKeepalive.After(anchor) {
		anchor = e.record.LastKeepalive
	}
	if anchor.IsZero() {
		anchor = now
	}
	return anchor.Add(e.graceWindow)
}

// Record returns a copy of the cached record, or nil before first
// validation.
func (e *Enforcer) Record() *types.License {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.record == nil {
		return nil
	}
	rec := *e.record
	return &rec
}

// CheckFeature consults the cached record's feature set. Invalid or absent
// licenses have no features.
func (e *Enforcer) CheckFeature(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.record == nil {
		return false
	}
	switch e.stateFor(e.record, e.now()) {
	case StateValid, StateGrace:
		return e.record.HasFeature(name)
	default:
		return false
	}
}

// Capacity returns the licensed proxy ceiling. During invalid the community
// default applies.
func (e *Enforcer) Capacity() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.record == nil {
		return types.CommunityMaxProxies
	}
	switch e.stateFor(e.record, e.now()) {
	case StateValid, StateGrace:
		return e.record.MaxProxies
	default:
		return types.CommunityMaxProxies
	}
}

// Keepalive signals the issuer that the license is in use. Failures are
// logged and counted but never flip state outside the grace machinery.
func (e *Enforcer) Keepalive(ctx context.Context) error {
	if e.key == "" {
		return nil
	}
	if err := e.issuer.Keepalive(ctx, e.key); err != nil {
		metrics.LicenseKeepaliveFailures.Inc()
		e.logger.Warn().Err(err).Msg("license keepalive failed")
		return err
	}

	e.mu.Lock()
	if e.record != nil {
		e.record.LastKeepalive = e.now()
		if err := e.store.SaveLicense(e.record); err != nil {
			e.logger.Error().Err(err).Msg("failed to persist keepalive timestamp")
		}
	}
	e.mu.Unlock()
	return nil
}

// Start runs the periodic keepalive loop until Stop.
func (e *Enforcer) Start() {
	if e.key == "" {
		return
	}
	go e.keepaliveLoop()
}

// Stop terminates the keepalive loop.
func (e *Enforcer) Stop() {
	close(e.stopCh)
}

func (e *Enforcer) keepaliveLoop() {
	backoff := keepaliveBackoffStart
	wait := e.keepaliveInterval

	for {
		select {
		case <-time.After(wait):
		case <-e.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := e.Keepalive(ctx)
		cancel()

		if err != nil {
			wait = backoff
			backoff *= 2
			if backoff > keepaliveBackoffCap {
				backoff = keepaliveBackoffCap
			}
			continue
		}
		backoff = keepaliveBackoffStart
		wait = e.keepaliveInterval
	}
}
