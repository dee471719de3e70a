package registrar

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/penguintechinc/marchproxy/pkg/license"
	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

type fixedIssuer struct {
	record *types.License
}

func (f *fixedIssuer) Validate(ctx context.Context, key string) (*types.License, error) {
	rec := *f.record
	return &rec, nil
}

func (f *fixedIssuer) Keepalive(ctx context.Context, key string) error { return nil }

type env struct {
	store     storage.Store
	registrar *Registrar
	cluster   *types.Cluster
}

// newEnv builds a registrar over a fresh store with one active cluster and
// the given capacity limits.
func newEnv(t *testing.T, clusterMax, licenseMax int) *env {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var enforcer *license.Enforcer
	if licenseMax == types.CommunityMaxProxies {
		enforcer = license.NewEnforcer(store, &fixedIssuer{}, "")
	} else {
		issuer := &fixedIssuer{record: &types.License{
			Tier:       types.TierEnterprise,
			Valid:      true,
			MaxProxies: licenseMax,
			ExpiresAt:  time.Now().Add(24 * time.Hour),
		}}
		enforcer = license.NewEnforcer(store, issuer, "test-key")
		if _, err := enforcer.Validate(context.Background(), false); err != nil {
			t.Fatalf("failed to prime license: %v", err)
		}
	}

	cluster := &types.Cluster{
		ID:         uuid.New().String(),
		Name:       "default",
		APIKey:     "cluster-key-1",
		MaxProxies: clusterMax,
		IsDefault:  true,
		Active:     true,
	}
	if err := store.CreateCluster(cluster); err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}

	return &env{
		store:     store,
		registrar: NewRegistrar(store, enforcer, nil, DefaultConfig()),
		cluster:   cluster,
	}
}

func registerReq(name string) *RegisterRequest {
	return &RegisterRequest{
		ClusterAPIKey: "cluster-key-1",
		Name:          name,
		Hostname:      name + ".internal",
		Address:       "10.0.0.10",
		Port:          8443,
		Version:       "1.4.0",
		Capabilities:  []string{"tcp", "udp", "mtls"},
	}
}

func TestRegisterAndHeartbeatLifecycle(t *testing.T) {
	e := newEnv(t, 10, 50)

	resp, err := e.registrar.Register(registerReq("edge-1"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if resp.Status != string(types.ProxyStatusRegistering) {
		t.Errorf("status = %s, want registering", resp.Status)
	}
	if resp.ClusterID != e.cluster.ID {
		t.Errorf("cluster ID = %s, want %s", resp.ClusterID, e.cluster.ID)
	}

	// First heartbeat promotes registering to active.
	hb, err := e.registrar.Heartbeat("cluster-key-1", "edge-1", &HeartbeatRequest{
		ConfigVersion: "abc123",
		Metrics:       &types.ProxyMetrics{Connections: 42},
	})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !hb.Acknowledged {
		t.Error("heartbeat not acknowledged")
	}
	if hb.NextIntervalSeconds != 30 {
		t.Errorf("next interval = %d, want 30", hb.NextIntervalSeconds)
	}

	proxy, err := e.store.GetProxyByName(e.cluster.ID, "edge-1")
	if err != nil {
		t.Fatalf("GetProxyByName() error = %v", err)
	}
	if proxy.Status != types.ProxyStatusActive {
		t.Errorf("status = %s, want active", proxy.Status)
	}
	if proxy.ConfigVersion != "abc123" {
		t.Errorf("config version = %s, want abc123", proxy.ConfigVersion)
	}
	if proxy.Metrics == nil || proxy.Metrics.Connections != 42 {
		t.Errorf("metrics = %+v, want connections 42", proxy.Metrics)
	}

	// Heartbeats are idempotent under retries.
	if _, err := e.registrar.Heartbeat("cluster-key-1", "edge-1", nil); err != nil {
		t.Fatalf("repeated Heartbeat() error = %v", err)
	}
}

func TestRegisterAuthFailures(t *testing.T) {
	e := newEnv(t, 10, 50)

	_, err := e.registrar.Register(&RegisterRequest{ClusterAPIKey: "wrong-key", Name: "edge-1"})
	if !types.IsKind(err, types.KindAuth) {
		t.Errorf("Register() with bad key = %v, want auth", err)
	}

	e.cluster.Active = false
	if err := e.store.UpdateCluster(e.cluster); err != nil {
		t.Fatalf("UpdateCluster() error = %v", err)
	}
	_, err = e.registrar.Register(registerReq("edge-1"))
	if !types.IsKind(err, types.KindAuth) {
		t.Errorf("Register() into inactive cluster = %v, want auth", err)
	}
}

func TestRegisterCapacityClusterLimit(t *testing.T) {
	e := newEnv(t, 2, 50)

	for i := 0; i < 2; i++ {
		if _, err := e.registrar.Register(registerReq(fmt.Sprintf("edge-%d", i))); err != nil {
			t.Fatalf("Register() %d error = %v", i, err)
		}
	}

	_, err := e.registrar.Register(registerReq("edge-overflow"))
	if !types.IsKind(err, types.KindCapacity) {
		t.Errorf("Register() over cluster limit = %v, want capacity", err)
	}
}

func TestRegisterCapacityLicenseLimit(t *testing.T) {
	// Community license caps the fleet below the cluster's own limit.
	e := newEnv(t, 10, types.CommunityMaxProxies)

	for i := 0; i < types.CommunityMaxProxies; i++ {
		if _, err := e.registrar.Register(registerReq(fmt.Sprintf("edge-%d", i))); err != nil {
			t.Fatalf("Register() %d error = %v", i, err)
		}
	}

	_, err := e.registrar.Register(registerReq("edge-overflow"))
	if !types.IsKind(err, types.KindCapacity) {
		t.Errorf("Register() over license limit = %v, want capacity", err)
	}
}

func TestReRegisterReusesSlot(t *testing.T) {
	e := newEnv(t, 1, 50)

	first, err := e.registrar.Register(registerReq("edge-1"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Same (cluster, name) at capacity: reuses the slot instead of failing.
	req := registerReq("edge-1")
	req.Version = "1.5.0"
	second, err := e.registrar.Register(req)
	if err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	if second.ProxyID != first.ProxyID {
		t.Errorf("proxy ID changed on re-registration: %s != %s", second.ProxyID, first.ProxyID)
	}

	proxies, err := e.store.ListProxiesByCluster(e.cluster.ID)
	if err != nil {
		t.Fatalf("ListProxiesByCluster() error = %v", err)
	}
	if len(proxies) != 1 {
		t.Fatalf("proxy count = %d, want 1", len(proxies))
	}
	if proxies[0].Version != "1.5.0" {
		t.Errorf("version = %s, want 1.5.0", proxies[0].Version)
	}
}

func TestHeartbeatUnknownProxy(t *testing.T) {
	e := newEnv(t, 10, 50)

	_, err := e.registrar.Heartbeat("cluster-key-1", "ghost", nil)
	if !types.IsKind(err, types.KindAuth) {
		t.Errorf("Heartbeat() for unknown proxy = %v, want auth", err)
	}
}

func TestReaperLifecycle(t *testing.T) {
	e := newEnv(t, 10, 50)
	base := time.Now()

	if _, err := e.registrar.Register(registerReq("edge-1")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := e.registrar.Heartbeat("cluster-key-1", "edge-1", nil); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	// Inside the stale threshold: nothing to do.
	if n := e.registrar.Reap(base.Add(5 * time.Minute)); n != 0 {
		t.Errorf("Reap() = %d, want 0 inside stale threshold", n)
	}

	// Past the stale threshold: active -> stale.
	if n := e.registrar.Reap(base.Add(11 * time.Minute)); n != 1 {
		t.Errorf("Reap() = %d, want 1 stale transition", n)
	}
	proxy, _ := e.store.GetProxyByName(e.cluster.ID, "edge-1")
	if proxy.Status != types.ProxyStatusStale {
		t.Fatalf("status = %s, want stale", proxy.Status)
	}

	// A heartbeat rescues a stale proxy.
	if _, err := e.registrar.Heartbeat("cluster-key-1", "edge-1", nil); err != nil {
		t.Fatalf("Heartbeat() for stale proxy error = %v", err)
	}
	proxy, _ = e.store.GetProxyByName(e.cluster.ID, "edge-1")
	if proxy.Status != types.ProxyStatusActive {
		t.Fatalf("status = %s, want active after rescue", proxy.Status)
	}

	// Silent again: stale, then retired past the retire threshold.
	silentSince := proxy.LastHeartbeat
	if n := e.registrar.Reap(silentSince.Add(11 * time.Minute)); n != 1 {
		t.Errorf("Reap() = %d, want 1 stale transition", n)
	}
	if n := e.registrar.Reap(silentSince.Add(31 * time.Minute)); n != 1 {
		t.Errorf("Reap() = %d, want 1 retire transition", n)
	}
	proxy, _ = e.store.GetProxyByName(e.cluster.ID, "edge-1")
	if proxy.Status != types.ProxyStatusRetired {
		t.Fatalf("status = %s, want retired", proxy.Status)
	}

	// Retired proxies cannot heartbeat back to life.
	_, err := e.registrar.Heartbeat("cluster-key-1", "edge-1", nil)
	if !types.IsKind(err, types.KindAuth) {
		t.Errorf("Heartbeat() for retired proxy = %v, want auth", err)
	}

	// But they can register again, reusing their slot.
	resp, err := e.registrar.Register(registerReq("edge-1"))
	if err != nil {
		t.Fatalf("re-Register() after retirement error = %v", err)
	}
	if resp.Status != string(types.ProxyStatusRegistering) {
		t.Errorf("status = %s, want registering", resp.Status)
	}
}

func TestStaleProxyFreesSlot(t *testing.T) {
	e := newEnv(t, 1, 50)

	if _, err := e.registrar.Register(registerReq("edge-1")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// With the only slot taken, a second registration is refused.
	_, err := e.registrar.Register(registerReq("edge-2"))
	if !types.IsKind(err, types.KindCapacity) {
		t.Errorf("Register() at capacity = %v, want capacity", err)
	}

	// Going stale releases the slot.
	e.registrar.Reap(time.Now().Add(11 * time.Minute))
	if _, err := e.registrar.Register(registerReq("edge-2")); err != nil {
		t.Errorf("Register() after occupant went stale error = %v", err)
	}

	// The stale proxy cannot heartbeat its slot back while edge-2 holds it.
	_, err = e.registrar.Heartbeat("cluster-key-1", "edge-1", nil)
	if !types.IsKind(err, types.KindCapacity) {
		t.Errorf("Heartbeat() from displaced stale proxy = %v, want capacity", err)
	}
}

// slowCountStore stretches the capacity count so overlapping admissions
// would observe the same pre-admission state if they were not serialized.
type slowCountStore struct {
	storage.Store
	delay time.Duration
}

func (s *slowCountStore) ListProxiesByCluster(clusterID string) ([]*types.Proxy, error) {
	time.Sleep(s.delay)
	return s.Store.ListProxiesByCluster(clusterID)
}

func TestStaleRevivalSerializedWithRegistration(t *testing.T) {
	e := newEnv(t, 1, 50)

	if _, err := e.registrar.Register(registerReq("edge-1")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	e.registrar.Reap(time.Now().Add(11 * time.Minute))

	e.registrar.store = &slowCountStore{Store: e.store, delay: 50 * time.Millisecond}

	// A revival heartbeat and a fresh registration race for the single
	// freed slot.
	var wg sync.WaitGroup
	var hbErr, regErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, hbErr = e.registrar.Heartbeat("cluster-key-1", "edge-1", nil)
	}()
	go func() {
		defer wg.Done()
		_, regErr = e.registrar.Register(registerReq("edge-2"))
	}()
	wg.Wait()

	if (hbErr == nil) == (regErr == nil) {
		t.Fatalf("exactly one admission should win: heartbeat err = %v, register err = %v", hbErr, regErr)
	}
	loser := hbErr
	if loser == nil {
		loser = regErr
	}
	if !types.IsKind(loser, types.KindCapacity) {
		t.Errorf("losing admission = %v, want capacity", loser)
	}

	proxies, err := e.store.ListProxiesByCluster(e.cluster.ID)
	if err != nil {
		t.Fatalf("ListProxiesByCluster() error = %v", err)
	}
	counted := 0
	for _, p := range proxies {
		if p.Status.Counted() {
			counted++
		}
	}
	if counted > 1 {
		t.Fatalf("%d counted proxies in a cluster with max 1", counted)
	}
}

func TestListProxiesOrderAndFilter(t *testing.T) {
	e := newEnv(t, 10, 50)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := e.registrar.Register(registerReq(name)); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	if _, err := e.registrar.Heartbeat("cluster-key-1", "bravo", nil); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	all, err := e.registrar.ListProxies(e.cluster.ID, "")
	if err != nil {
		t.Fatalf("ListProxies() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("proxy count = %d, want 3", len(all))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if all[i].Name != want {
			t.Errorf("proxies[%d] = %s, want %s", i, all[i].Name, want)
		}
	}

	active, err := e.registrar.ListProxies(e.cluster.ID, types.ProxyStatusActive)
	if err != nil {
		t.Fatalf("ListProxies(active) error = %v", err)
	}
	if len(active) != 1 || active[0].Name != "bravo" {
		t.Errorf("active = %v, want [bravo]", active)
	}
}
