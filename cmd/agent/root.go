package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leonardcser/offline-agent/internal/config"
	"github.com/leonardcser/offline-agent/internal/control"
)

var (
	// Global flags
	configPath string
	socketPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "offline-agent",
	Short: "Local caching proxy that keeps an app usable while its backend is unreachable",
	Long: `offline-agent sits between a web app and its backend.

Reads are answered by per-kind caching strategies, writes that cannot be
delivered are queued on disk and replayed once the backend is reachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal-aware context.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Run 'offline-agent -h' for help")
		cancel()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newInvalidateCmd())
	rootCmd.AddCommand(newQueueCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.Socket = socketPath
	}
	return cfg, nil
}

func newClient() (*control.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Socket), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
