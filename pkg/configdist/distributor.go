package configdist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/metrics"
	"github.com/penguintechinc/marchproxy/pkg/security"
	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// DefaultMaxWait bounds a change-poll when the caller does not say.
const DefaultMaxWait = 30 * time.Second

// Distributor renders per-cluster configuration snapshots and serves them
// to proxies, with long-poll change notification. Renders are pure reads
// over the store; mutation endpoints call Invalidate to wake pollers.
type Distributor struct {
	store storage.Store

	mu     sync.Mutex
	notify map[string]chan struct{} // closed and replaced on Invalidate

	logger zerolog.Logger
	now    func() time.Time
}

// NewDistributor creates a distributor over the given store.
func NewDistributor(store storage.Store) *Distributor {
	return &Distributor{
		store:  store,
		notify: make(map[string]chan struct{}),
		logger: log.WithComponent("configdist"),
		now:    time.Now,
	}
}

func (d *Distributor) authenticate(apiKey string) (*types.Cluster, error) {
	clusters, err := d.store.ListClusters()
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

// GetClusterConfig renders the full snapshot for the cluster identified by
// its API key.
func (d *Distributor) GetClusterConfig(apiKey string) (*types.ConfigSnapshot, error) {
	cluster, err := d.authenticate(apiKey)
	if err != nil {
		return nil, err
	}
	return d.render(cluster, nil)
}

// GetProxyConfig renders the snapshot subset matching the named proxy's
// capability set. A proxy without the mtls capability receives no
// certificate material; services and mappings outside its transports are
// dropped.
func (d *Distributor) GetProxyConfig(apiKey, proxyName string) (*types.ConfigSnapshot, error) {
	cluster, err := d.authenticate(apiKey)
	if err != nil {
		return nil, err
	}
	proxy, err := d.store.GetProxyByName(cluster.ID, proxyName)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.NewError(types.KindNotFound, "unknown proxy '%s'", proxyName)
		}
		return nil, types.NewError(types.KindStoreUnavailable, "failed to look up proxy: %v", err)
	}
	return d.render(cluster, proxy.Capabilities)
}

// PollChanges blocks until the cluster's config version differs from
// lastSeen, maxWait elapses, or ctx is cancelled. A nil snapshot with a nil
// error means no change.
func (d *Distributor) PollChanges(ctx context.Context, apiKey, lastSeen string, maxWait time.Duration) (*types.ConfigSnapshot, error) {
	cluster, err := d.authenticate(apiKey)
	if err != nil {
		return nil, err
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		// Subscribe before rendering so an invalidation racing the render
		// cannot be missed.
		changed := d.changeSignal(cluster.ID)

		snap, err := d.render(cluster, nil)
		if err != nil {
			return nil, err
		}
		if snap.Version != lastSeen {
			metrics.ConfigPollsTotal.WithLabelValues("changed").Inc()
			return snap, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			metrics.ConfigPollsTotal.WithLabelValues("no_change").Inc()
			return nil, nil
		case <-ctx.Done():
			metrics.ConfigPollsTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
	}
}

func (d *Distributor) changeSignal(clusterID string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.notify[clusterID]
	if !ok {
		ch = make(chan struct{})
		d.notify[clusterID] = ch
	}
	return ch
}

// Invalidate wakes pollers for the cluster. Call after any mutation to the
// cluster's services, mappings, certificates, or logging configuration.
func (d *Distributor) Invalidate(clusterID string) {
	d.mu.Lock()
	if ch, ok := d.notify[clusterID]; ok {
		close(ch)
	}
	d.notify[clusterID] = make(chan struct{})
	d.mu.Unlock()
	d.logger.Debug().Str("cluster_id", clusterID).Msg("config invalidated")
}
