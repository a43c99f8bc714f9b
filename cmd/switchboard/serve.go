package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/scheduler"
	"github.com/ShayCichocki/switchboard/internal/tools"
	"github.com/ShayCichocki/switchboard/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and its HTTP API",
	Long: `Start the scheduler: the supervisor loop, agent pipelines, signal
watcher, digest cron and optional Redis event sink, plus the HTTP API and
websocket event stream on server.addr.

Tickets left queued or mid-run by a previous process are recovered on
start. Stop with Ctrl-C; running pipelines are cancelled and requeued on
the next start.`,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the agent tools over MCP stdio",
	Long: `Expose getNextTask, reportTaskDone, askQuestion, getErrors, callAgent
and scanCodeBase as MCP tools on stdin/stdout, for an external agent
runner to pull and complete tickets.

The supervisor is not started in this mode; the runner owns dispatch.`,
	RunE: runMCP,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}
	logger := newLogger(cfg.Log)

	s, err := scheduler.New(cfg, scheduler.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	logger.Info("serving", "addr", cfg.Server.Addr, "version", version.Get())
	return s.Server().ListenAndServe(ctx, cfg.Server.Addr)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	s, err := scheduler.New(cfg, scheduler.Deps{Logger: logger, Root: cwd})
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.Orchestrator.Recover(cmd.Context()); err != nil {
		return fmt.Errorf("recover queues: %w", err)
	}
	return tools.ServeStdio(tools.NewMCPServer(s.Tools, version.Get()))
}
