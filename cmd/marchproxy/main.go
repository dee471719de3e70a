package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes for the manager process.
const (
	exitConfigError      = 1
	exitStoreUnreachable = 2
	exitLicenseInvalid   = 3
)

// exitError carries a process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "marchproxy",
	Short: "MarchProxy - control plane and data plane for coordinated proxy fleets",
	Long: `MarchProxy coordinates fleets of data-plane proxies from a single
control plane: cluster-scoped registration and heartbeats, versioned
config snapshot distribution, license-gated capacity, and mTLS
certificate lifecycle.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"MarchProxy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(tokenCmd)
}

// envOr returns the environment value or a fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
