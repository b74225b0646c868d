package main

import (
	"github.com/spf13/cobra"

	"github.com/leonardcser/offline-agent/internal/agent"
	"github.com/leonardcser/offline-agent/internal/logger"
)

func newServeCmd() *cobra.Command {
	var logPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon",
		Long: `Run the agent daemon.

Serves the caching proxy and admin routes over HTTP and the control socket
used by the other commands and the MCP server. Cached namespaces and pending
writes are persisted in the bbolt database between runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if logPath != "" {
				if err := logger.Init(logPath); err != nil {
					return err
				}
			} else if err := logger.InitFromEnv(); err != nil {
				return err
			}
			defer logger.Close()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := agent.New(cfg, agent.WithLogger(logger.L()))
			if err != nil {
				return err
			}
			logger.Infof("Starting offline agent for %s on %s", cfg.Upstream, cfg.Listen)
			if err := a.Run(cmd.Context()); err != nil {
				logger.Errorf("agent stopped: %v", err)
				return err
			}
			logger.Infof("Offline agent stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "Log file path, or - for stderr")
	return cmd
}
