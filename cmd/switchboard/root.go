package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/client"
	"github.com/ShayCichocki/switchboard/internal/config"
)

var (
	configPath string
	serverAddr string
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Ticket routing and agent scheduling",
	Long: `Switchboard turns tickets into work for a hierarchy of AI agents.

Tickets pass a clarity gate, are classified onto team queues with elastic
slots, and run through agent pipelines whose output is verified before the
ticket resolves. A supervisor loop keeps the queues moving, rebalances
slots between teams and escalates what it cannot fix.

Run 'switchboard serve' to start the scheduler, then use the ticket,
queues, tree and boss commands against it.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user and project config)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "Server address (default: server.addr from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(ticketCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(bossCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, otherwise the layered config.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section. CLI output
// goes to stdout, so logs always go to stderr.
func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// apiClient returns a client for --addr or the configured server address.
func apiClient() (*client.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	return client.New(addr, 30*time.Second), nil
}
