package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/penguintechinc/marchproxy/pkg/client"
	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a data-plane proxy",
	Long: `Run a data-plane proxy instance: register with the control plane,
heartbeat, and keep the local config snapshot fresh via long poll.

The cluster API key comes from --api-key or CLUSTER_API_KEY.`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().String("manager", "http://localhost:8080", "Control plane base URL (or BASE_URL)")
	proxyCmd.Flags().String("api-key", "", "Cluster API key (or CLUSTER_API_KEY)")
	proxyCmd.Flags().String("name", "", "Proxy name, unique within the cluster (default: hostname)")
	proxyCmd.Flags().String("address", "", "Advertised address")
	proxyCmd.Flags().Int("port", 8443, "Advertised port")
	proxyCmd.Flags().StringSlice("capabilities", nil, "Supported capabilities (http, https, mtls, tcp, udp); empty means unrestricted")
	proxyCmd.Flags().Duration("refresh-interval", proxy.DefaultRefreshInterval, "Full config refresh interval")
	proxyCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	proxyCmd.Flags().Bool("json-logs", true, "Emit JSON logs")
}

func runProxy(cmd *cobra.Command, args []string) error {
	manager, _ := cmd.Flags().GetString("manager")
	apiKey, _ := cmd.Flags().GetString("api-key")
	name, _ := cmd.Flags().GetString("name")
	address, _ := cmd.Flags().GetString("address")
	port, _ := cmd.Flags().GetInt("port")
	capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
	refreshInterval, _ := cmd.Flags().GetDuration("refresh-interval")
	logLevel, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})

	if apiKey == "" {
		apiKey = os.Getenv("CLUSTER_API_KEY")
	}
	if apiKey == "" {
		return &exitError{code: exitConfigError, err: fmt.Errorf("cluster API key required (--api-key or CLUSTER_API_KEY)")}
	}
	if base := os.Getenv("BASE_URL"); base != "" && !cmd.Flags().Changed("manager") {
		manager = base
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if name == "" {
		name = hostname
	}

	runtime := proxy.NewRuntime(client.NewClient(manager, apiKey), proxy.Config{
		Name:            name,
		Hostname:        hostname,
		Address:         address,
		Port:            port,
		Version:         Version,
		Capabilities:    capabilities,
		RefreshInterval: refreshInterval,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = runtime.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start proxy runtime: %v", err)
	}

	fmt.Printf("Proxy '%s' running against %s. Press Ctrl+C to stop.\n", name, manager)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	runtime.Stop()
	return nil
}
