// Package main provides the semflow binary entry point.
// Semflow coordinates multi-stage delivery workflows by dispatching tasks
// to agents over NATS and reconciling their results.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"

	shutdownTimeout = 30 * time.Second
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-stage delivery pipeline orchestrator",
		Long: `Semflow coordinates software-delivery workflows. Each workflow moves
through a fixed sequence of stages; every stage is dispatched as a task to
an agent over NATS, and agent results drive the workflow state machine.

Run "semflow serve" for the orchestrator and "semflow agent" for agents.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")

	cmd.AddCommand(serveCmd(&flags), agentCmd(&flags), versionCmd())
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var withAgents bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: dispatcher, reconciler and deadline sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, func(ctx context.Context, app *App) error {
				if err := app.StartOrchestrator(ctx); err != nil {
					return err
				}
				if withAgents {
					return app.StartAgents(ctx, agentTypes(app.engine.Definitions()), 0, echoExecutor{})
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withAgents, "with-agents", false, "Also run echo agents for every agent type in process")
	return cmd
}

func agentCmd(flags *globalFlags) *cobra.Command {
	var (
		types       []string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run echo agents that answer every task with a summary of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, func(ctx context.Context, app *App) error {
				if len(types) == 0 {
					defs, err := definitions(app.cfg)
					if err != nil {
						return err
					}
					types = agentTypes(defs)
				}
				return app.StartAgents(ctx, types, concurrency, echoExecutor{})
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Agent types to run (default: every agent type a workflow stage uses)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Concurrent tasks per agent type")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// run loads config, opens the adapters, calls start and blocks until a
// shutdown signal.
func run(ctx context.Context, flags *globalFlags, start func(ctx context.Context, app *App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.NewLoader(slog.Default()).WithFile(flags.configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Open(signalCtx); err != nil {
		app.Shutdown(shutdownTimeout)
		return err
	}
	if err := start(signalCtx, app); err != nil {
		app.Shutdown(shutdownTimeout)
		return err
	}

	logger.Info("Semflow ready", "version", Version, "namespace", cfg.Namespace)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	app.Shutdown(shutdownTimeout)
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// agentTypes returns the distinct agent types the definitions dispatch to.
func agentTypes(defs workflow.Definitions) []string {
	seen := make(map[string]bool)
	var types []string
	for _, def := range defs {
		for _, st := range def.Stages {
			if !seen[st.AgentType] {
				seen[st.AgentType] = true
				types = append(types, st.AgentType)
			}
		}
	}
	sort.Strings(types)
	return types
}
