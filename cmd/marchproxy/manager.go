package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/penguintechinc/marchproxy/pkg/api"
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

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the control plane",
	Long: `Run the MarchProxy control plane: the HTTP API for proxy
registration, heartbeats and config distribution, the staleness reaper,
license enforcement, and the metrics endpoint.

Configuration comes from flags and the environment:
  STORE_URL                   path of the state store (default ./marchproxy.db)
  BASE_URL                    advertised external base URL
  LICENSE_KEY                 optional; empty runs the community tier
  LICENSE_ISSUER_URL          license validate/keepalive endpoint
  ADMIN_BOOTSTRAP_PASSWORD    admin token; seeds the default cluster on an empty store
  PROXY_STALE_SECONDS         silence before a proxy goes stale (default 600)
  PROXY_RETIRE_SECONDS        silence before a stale proxy is retired (default 1800)
  KEEPALIVE_INTERVAL_SECONDS  license keepalive cadence (default 3600)`,
	RunE: runManager,
}

func init() {
	managerCmd.Flags().String("listen", ":8080", "HTTP listen address")
	managerCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	managerCmd.Flags().Bool("json-logs", true, "Emit JSON logs")
}

// managerConfig is the resolved environment configuration.
type managerConfig struct {
	storePath         string
	baseURL           string
	licenseKey        string
	licenseIssuerURL  string
	adminToken        string
	staleThreshold    time.Duration
	retireThreshold   time.Duration
	keepaliveInterval time.Duration
}

func loadManagerConfig() (*managerConfig, error) {
	cfg := &managerConfig{
		storePath:        envOr("STORE_URL", "./marchproxy.db"),
		baseURL:          os.Getenv("BASE_URL"),
		licenseKey:       os.Getenv("LICENSE_KEY"),
		licenseIssuerURL: os.Getenv("LICENSE_ISSUER_URL"),
		adminToken:       os.Getenv("ADMIN_BOOTSTRAP_PASSWORD"),
	}

	var err error
	if cfg.staleThreshold, err = envSeconds("PROXY_STALE_SECONDS", 600); err != nil {
		return nil, err
	}
	if cfg.retireThreshold, err = envSeconds("PROXY_RETIRE_SECONDS", 1800); err != nil {
		return nil, err
	}
	if cfg.keepaliveInterval, err = envSeconds("KEEPALIVE_INTERVAL_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.retireThreshold <= cfg.staleThreshold {
		return nil, fmt.Errorf("PROXY_RETIRE_SECONDS must exceed PROXY_STALE_SECONDS")
	}
	if cfg.licenseKey != "" && cfg.licenseIssuerURL == "" {
		return nil, fmt.Errorf("LICENSE_KEY is set but LICENSE_ISSUER_URL is empty")
	}
	return cfg, nil
}

func envSeconds(key string, fallback int) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(fallback) * time.Second, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return time.Duration(n) * time.Second, nil
}

func runManager(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	logLevel, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})
	logger := log.WithComponent("manager")

	cfg, err := loadManagerConfig()
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}

	store, err := storage.NewBoltStore(cfg.storePath)
	if err != nil {
		return &exitError{code: exitStoreUnreachable, err: fmt.Errorf("failed to open store at %s: %v", cfg.storePath, err)}
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	enforcer := license.NewEnforcer(store, license.NewHTTPIssuer(cfg.licenseIssuerURL), cfg.licenseKey,
		license.WithKeepaliveInterval(cfg.keepaliveInterval))
	if cfg.licenseKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		rec, err := enforcer.Validate(ctx, true)
		cancel()
		if err != nil {
			return &exitError{code: exitLicenseInvalid, err: fmt.Errorf("license validation failed: %v", err)}
		}
		logger.Info().
			Str("tier", string(rec.Tier)).
			Int("max_proxies", rec.MaxProxies).
			Time("expires_at", rec.ExpiresAt).
			Msg("license validated")
		enforcer.Start()
		defer enforcer.Stop()
	} else {
		logger.Info().Int("max_proxies", types.CommunityMaxProxies).Msg("running community tier")
	}

	if err := bootstrapDefaultCluster(store, logger); err != nil {
		return &exitError{code: exitStoreUnreachable, err: err}
	}
	if cfg.adminToken == "" {
		logger.Warn().Msg("ADMIN_BOOTSTRAP_PASSWORD not set, admin endpoints disabled")
	}

	reg := registrar.NewRegistrar(store, enforcer, broker, registrar.Config{
		StaleThreshold:    cfg.staleThreshold,
		RetireThreshold:   cfg.retireThreshold,
		HeartbeatInterval: registrar.DefaultHeartbeatInterval,
	})
	reg.Start()
	defer reg.Stop()

	dist := configdist.NewDistributor(store)

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(store, reg, dist, enforcer, broker, cfg.adminToken)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(listen); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Str("listen", listen).
		Str("base_url", cfg.baseURL).
		Str("store", cfg.storePath).
		Msg("control plane running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("API server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %v", err)
	}
	return nil
}

// bootstrapDefaultCluster seeds an empty store with a default cluster so a
// fresh install can admit proxies without an admin round-trip. The
// generated API key is logged exactly once.
func bootstrapDefaultCluster(store storage.Store, logger zerolog.Logger) error {
	clusters, err := store.ListClusters()
	if err != nil {
		return fmt.Errorf("failed to list clusters: %v", err)
	}
	if len(clusters) > 0 {
		return nil
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate API key: %v", err)
	}
	now := time.Now()
	cluster := &types.Cluster{
		ID:        uuid.New().String(),
		Name:      "default",
		APIKey:    apiKey,
		IsDefault: true,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateCluster(cluster); err != nil {
		return fmt.Errorf("failed to create default cluster: %v", err)
	}
	logger.Info().
		Str("cluster_id", cluster.ID).
		Str("api_key", apiKey).
		Msg("seeded default cluster; store this API key")
	return nil
}
