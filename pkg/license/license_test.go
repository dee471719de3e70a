package license

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

type fakeIssuer struct {
	record        *types.License
	validateErr   error
	keepaliveErr  error
	validateCalls int
	keepaliveCall int
}

func (f *fakeIssuer) Validate(ctx context.Context, key string) (*types.License, error) {
	f.validateCalls++
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	rec := *f.record
	return &rec, nil
}

func (f *fakeIssuer) Keepalive(ctx context.Context, key string) error {
	f.keepaliveCall++
	return f.keepaliveErr
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func enterpriseRecord(expiresAt time.Time) *types.License {
	return &types.License{
		Tier:       types.TierEnterprise,
		Valid:      true,
		MaxProxies: 50,
		Features:   []string{"mtls", "letsencrypt"},
		ExpiresAt:  expiresAt,
	}
}

func TestCommunityModeWithoutKey(t *testing.T) {
	e := NewEnforcer(newTestStore(t), &fakeIssuer{}, "")

	if e.State() != StateValid {
		t.Errorf("state = %s, want valid", e.State())
	}
	if got := e.Capacity(); got != types.CommunityMaxProxies {
		t.Errorf("capacity = %d, want %d", got, types.CommunityMaxProxies)
	}
	if e.CheckFeature("mtls") {
		t.Error("community mode granted a licensed feature")
	}
}

func TestValidateCachesRecord(t *testing.T) {
	store := newTestStore(t)
	issuer := &fakeIssuer{record: enterpriseRecord(time.Now().Add(30 * 24 * time.Hour))}
	e := NewEnforcer(store, issuer, "key-123")

	rec, err := e.Validate(context.Background(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if rec.MaxProxies != 50 {
		t.Errorf("max proxies = %d, want 50", rec.MaxProxies)
	}

	// Second call is served from cache.
	if _, err := e.Validate(context.Background(), false); err != nil {
		t.Fatalf("cached Validate() error = %v", err)
	}
	if issuer.validateCalls != 1 {
		t.Errorf("issuer calls = %d, want 1", issuer.validateCalls)
	}

	// Force refresh goes back to the issuer.
	if _, err := e.Validate(context.Background(), true); err != nil {
		t.Fatalf("forced Validate() error = %v", err)
	}
	if issuer.validateCalls != 2 {
		t.Errorf("issuer calls = %d, want 2", issuer.validateCalls)
	}

	// The record was persisted for the next process.
	persisted, err := store.GetLicense()
	if err != nil {
		t.Fatalf("GetLicense() error = %v", err)
	}
	if persisted.Tier != types.TierEnterprise {
		t.Errorf("persisted tier = %s, want enterprise", persisted.Tier)
	}
}

func TestIssuerRejectionFlipsInvalidImmediately(t *testing.T) {
	issuer := &fakeIssuer{record: &types.License{Tier: types.TierEnterprise, Valid: false}}
	e := NewEnforcer(newTestStore(t), issuer, "revoked-key")

	_, err := e.Validate(context.Background(), false)
	if !types.IsKind(err, types.KindLicenseInvalid) {
		t.Fatalf("Validate() error = %v, want license_invalid", err)
	}
	if e.State() != StateInvalid {
		t.Errorf("state = %s, want invalid", e.State())
	}
	if got := e.Capacity(); got != types.CommunityMaxProxies {
		t.Errorf("capacity = %d, want community default %d", got, types.CommunityMaxProxies)
	}
	if e.CheckFeature("mtls") {
		t.Error("invalid license granted a feature")
	}
}

func TestIssuerOutageWithinGraceServesCache(t *testing.T) {
	store := newTestStore(t)
	issuer := &fakeIssuer{record: enterpriseRecord(time.Now().Add(time.Hour))}
	e := NewEnforcer(store, issuer, "key-123")

	if _, err := e.Validate(context.Background(), false); err != nil {
		t.Fatalf("initial Validate() error = %v", err)
	}

	issuer.validateErr = errors.New("connection refused")
	rec, err := e.Validate(context.Background(), true)
	if err != nil {
		t.Fatalf("Validate() during outage error = %v", err)
	}
	if !rec.Stale {
		t.Error("cached record not flagged stale")
	}
	if e.State() != StateGrace {
		t.Errorf("state = %s, want grace", e.State())
	}
	if got := e.Capacity(); got != 50 {
		t.Errorf("capacity = %d, want licensed 50 during grace", got)
	}
}

func TestIssuerOutageWithoutCacheFails(t *testing.T) {
	issuer := &fakeIssuer{validateErr: errors.New("connection refused")}
	e := NewEnforcer(newTestStore(t), issuer, "key-123")

	_, err := e.Validate(context.Background(), false)
	if !types.IsKind(err, types.KindLicenseInvalid) {
		t.Fatalf("Validate() error = %v, want license_invalid", err)
	}
	if e.State() != StateInvalid {
		t.Errorf("state = %s, want invalid", e.State())
	}
}

func TestExpiryRidesGraceThenInvalid(t *testing.T) {
	store := newTestStore(t)
	expiry := time.Now().Add(time.Hour)
	issuer := &fakeIssuer{record: enterpriseRecord(expiry)}
	e := NewEnforcer(store, issuer, "key-123", WithGraceWindow(6*time.Hour))

	if _, err := e.Validate(context.Background(), false); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	// Just past expiry: grace, licensed capacity still applies.
	e.now = func() time.Time { return expiry.Add(time.Minute) }
	if e.State() != StateGrace {
		t.Errorf("state = %s, want grace just past expiry", e.State())
	}
	if got := e.Capacity(); got != 50 {
		t.Errorf("capacity = %d, want 50 during grace", got)
	}
	if !e.CheckFeature("mtls") {
		t.Error("grace period dropped a licensed feature")
	}

	// Past the grace window: invalid, community capacity.
	e.now = func() time.Time { return expiry.Add(7 * time.Hour) }
	if e.State() != StateInvalid {
		t.Errorf("state = %s, want invalid past grace window", e.State())
	}
	if got := e.Capacity(); got != types.CommunityMaxProxies {
		t.Errorf("capacity = %d, want community default", got)
	}
}

func TestKeepaliveFailureDoesNotFlipState(t *testing.T) {
	store := newTestStore(t)
	issuer := &fakeIssuer{record: enterpriseRecord(time.Now().Add(time.Hour))}
	e := NewEnforcer(store, issuer, "key-123")

	if _, err := e.Validate(context.Background(), false); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	issuer.keepaliveErr = errors.New("connection refused")
	if err := e.Keepalive(context.Background()); err == nil {
		t.Fatal("Keepalive() error = nil, want error")
	}
	if e.State() != StateValid {
		t.Errorf("state = %s, want valid after failed keepalive", e.State())
	}

	// Successful keepalive records the timestamp.
	issuer.keepaliveErr = nil
	if err := e.Keepalive(context.Background()); err != nil {
		t.Fatalf("Keepalive() error = %v", err)
	}
	persisted, err := store.GetLicense()
	if err != nil {
		t.Fatalf("GetLicense() error = %v", err)
	}
	if persisted.LastKeepalive.IsZero() {
		t.Error("keepalive timestamp not persisted")
	}
}

func TestCachedRecordSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	issuer := &fakeIssuer{record: enterpriseRecord(time.Now().Add(time.Hour))}
	first := NewEnforcer(store, issuer, "key-123")
	if _, err := first.Validate(context.Background(), false); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	store.Close()

	reopened, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	// A new enforcer starts from the persisted record, no issuer call needed.
	second := NewEnforcer(reopened, &fakeIssuer{validateErr: errors.New("down")}, "key-123")
	if second.State() != StateValid {
		t.Errorf("state = %s, want valid from cache", second.State())
	}
	if got := second.Capacity(); got != 50 {
		t.Errorf("capacity = %d, want 50 from cache", got)
	}
}
