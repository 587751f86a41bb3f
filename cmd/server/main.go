// Package main is the entry point for the Lock Code Manager server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

type flags struct {
	configPath string
	addr       string
	dataDir    string
}

func main() {
	// Allow overriding version via environment (e.g., injected by container build/runtime)
	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "lock-code-manager",
		Short:         "Keep lock user codes in sync with their access schedules",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}

	cmd.PersistentFlags().StringVar(&f.configPath, "config", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&f.addr, "addr", "", "HTTP server address (overrides server.addr)")
	cmd.Flags().StringVar(&f.dataDir, "data", "", "Data directory for the SQLite database (overrides database.path)")

	cmd.AddCommand(newHealthCheckCommand(f), newVersionCommand())
	return cmd
}

// newHealthCheckCommand backs the Docker HEALTHCHECK.
func newHealthCheckCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Check the health of a running server and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := f.addr
			if addr == "" {
				cfg, err := loadConfig(f)
				if err != nil {
					return err
				}
				addr = cfg.Server.Addr
			}
			return runHealthCheck(addr)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + host + "/api/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}
