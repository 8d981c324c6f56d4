package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/semflow/agent"
	"github.com/c360studio/semflow/bus/natsbus"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/contract"
	"github.com/c360studio/semflow/control"
	"github.com/c360studio/semflow/coordinator"
	"github.com/c360studio/semflow/deadline"
	"github.com/c360studio/semflow/dispatcher"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/kv/memkv"
	"github.com/c360studio/semflow/kv/natskv"
	"github.com/c360studio/semflow/kv/rediskv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/observability"
	"github.com/c360studio/semflow/reconciler"
	"github.com/c360studio/semflow/registry"
	"github.com/c360studio/semflow/reliability"
	"github.com/c360studio/semflow/storage/kvstore"
	"github.com/c360studio/semflow/storage/sqlstore"
	"github.com/c360studio/semflow/workflow"
)

// repository is what the orchestrator persists to.
type repository interface {
	workflow.Repository
	coordinator.DeadLetterSink
}

// App wires the ports, adapters and coordinators of one process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream
	// storeDir is removed on shutdown when the app created it.
	storeDir string

	bus       *natsbus.Bus
	kv        kv.Store
	repo      repository
	closeRepo func() error
	validator *contract.Validator

	metrics    *metrics.Collector
	tracing    *observability.TracerSetup
	tracer     trace.Tracer
	httpServer *http.Server

	engine     *workflow.Engine
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler
	sweeper    *deadline.Sweeper
	control    *control.Service
	agents     []*agent.Runner
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := contract.New()
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		metrics:   metrics.NewCollector(),
	}, nil
}

// Open connects the adapters every role needs: NATS, the bus, the KV
// store, persistence and tracing.
func (a *App) Open(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	busCfg := natsbus.DefaultConfig(a.cfg.Namespace)
	if a.cfg.NATS.Stream != "" {
		busCfg.StreamName = a.cfg.NATS.Stream
	}
	b, err := natsbus.New(ctx, a.natsConn, busCfg, a.logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	a.bus = b

	if err := a.openKV(ctx); err != nil {
		return fmt.Errorf("open kv: %w", err)
	}
	if err := a.openStorage(); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	setup, err := observability.NewTracerSetup(ctx, &a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	a.tracing = setup
	a.tracer = setup.Tracer()

	a.registry = registry.New(a.kv,
		registry.WithMetrics(a.metrics),
		registry.WithLogger(a.logger))

	a.logger.Info("Adapters ready",
		"namespace", a.cfg.Namespace,
		"kv_backend", a.cfg.KV.Backend,
		"storage_driver", a.cfg.Storage.Driver,
		"tracing", a.cfg.Tracing.Enabled)
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name("semflow"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		storeDir := a.cfg.NATS.StoreDir
		if storeDir == "" {
			dir, err := os.MkdirTemp("", "semflow-nats-*")
			if err != nil {
				return fmt.Errorf("create JetStream store dir: %w", err)
			}
			storeDir = dir
			a.storeDir = dir
		}
		a.logger.Info("Starting embedded NATS server", "store_dir", storeDir)
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  storeDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func (a *App) openKV(ctx context.Context) error {
	switch a.cfg.KV.Backend {
	case config.KVBackendRedis:
		store, err := rediskv.Dial(ctx, a.cfg.KV.RedisAddr, a.cfg.KV.RedisPassword, a.cfg.KV.RedisDB, a.cfg.Namespace)
		if err != nil {
			return err
		}
		a.kv = store
	case config.KVBackendMemory:
		a.kv = memkv.New()
	default:
		store, err := natskv.New(ctx, a.js, natskv.DefaultConfig(a.cfg.KV.Bucket), a.logger)
		if err != nil {
			return err
		}
		a.kv = store
	}
	return nil
}

func (a *App) openStorage() error {
	if a.cfg.Storage.Driver == config.StorageDriverKV {
		a.repo = kvstore.New(a.kv, a.logger)
		a.closeRepo = func() error { return nil }
		return nil
	}
	store, err := sqlstore.Open(sqlstore.Config{
		Driver: a.cfg.Storage.Driver,
		DSN:    a.cfg.Storage.DSN,
	}, a.logger)
	if err != nil {
		return err
	}
	a.repo = store
	a.closeRepo = store.Close
	return nil
}

func (a *App) retryPolicy() reliability.Policy {
	return reliability.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Jitter:      a.cfg.Retry.Jitter,
	}
}

// definitions returns the built-in workflow types with the configured
// overrides applied.
func definitions(cfg *config.Config) (workflow.Definitions, error) {
	defs := workflow.DefaultDefinitions()
	for name, wf := range cfg.Workflows {
		def := workflow.Definition{Type: name}
		for _, sc := range wf.Stages {
			st := workflow.NewStage(sc.Name)
			st.AgentType = sc.AgentType
			st.ContinueOnFailure = sc.ContinueOnFailure
			if sc.TimeoutMS > 0 {
				st.TimeoutMS = sc.TimeoutMS
			}
			if sc.MaxRetries > 0 {
				st.MaxRetries = sc.MaxRetries
			}
			def.Stages = append(def.Stages, st)
		}
		if err := defs.Set(def); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// StartOrchestrator builds the workflow engine and starts the enabled
// coordinators and the metrics endpoint. Open must have succeeded.
func (a *App) StartOrchestrator(ctx context.Context) error {
	defs, err := definitions(a.cfg)
	if err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}

	a.engine = workflow.NewEngine(defs, a.repo,
		workflow.WithEventLog(a.repo),
		workflow.WithLocks(a.kv, a.cfg.KV.LockTTL),
		workflow.WithMetrics(a.metrics),
		workflow.WithLogger(a.logger))
	a.control = control.New(a.engine, a.repo, a.repo, a.logger)

	coords := a.cfg.Coordinators
	if coords.Dispatcher.IsEnabled() {
		d, err := dispatcher.New(a.engine, dispatcher.Deps{
			Bus:      a.bus,
			KV:       a.kv,
			Tasks:    a.repo,
			Registry: a.registry,
			Logger:   a.logger,
			Metrics:  a.metrics,
			Tracer:   a.tracer,
		}, a.cfg.KV.DefaultTTL)
		if err != nil {
			return err
		}
		a.dispatcher = d
	}

	if coords.Reconciler.IsEnabled() {
		r, err := reconciler.New(reconciler.Config{
			Concurrency:    coords.Reconciler.Concurrency,
			Retry:          a.retryPolicy(),
			IdempotencyTTL: a.cfg.KV.DefaultTTL,
			MaxDeliver:     a.cfg.NATS.MaxDeliver,
			AckWait:        a.cfg.NATS.AckWait,
		}, reconciler.Deps{
			Bus:         a.bus,
			KV:          a.kv,
			Tasks:       a.repo,
			Validator:   a.validator,
			Logger:      a.logger,
			Metrics:     a.metrics,
			Tracer:      a.tracer,
			DeadLetters: a.repo,
		}, a.engine)
		if err != nil {
			return err
		}
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start reconciler: %w", err)
		}
		a.reconciler = r
	}

	if coords.Sweeper.IsEnabled() && a.dispatcher != nil {
		s, err := deadline.New(deadline.Config{
			Schedule: a.cfg.Sweeper.Schedule,
			Grace:    a.cfg.Sweeper.Grace,
		}, deadline.Deps{
			Engine:     a.engine,
			Workflows:  a.repo,
			Tasks:      a.repo,
			Dispatcher: a.dispatcher,
			KV:         a.kv,
			Logger:     a.logger,
			Metrics:    a.metrics,
		})
		if err != nil {
			return err
		}
		if err := s.Start(ctx); err != nil {
			return err
		}
		a.sweeper = s
	}

	a.startHTTP()

	a.logger.Info("Orchestrator started",
		"workflow_types", defs.Types(),
		"dispatcher", a.dispatcher != nil,
		"reconciler", a.reconciler != nil,
		"sweeper", a.sweeper != nil)
	return nil
}

// StartAgents starts one Runner per agent type, all executing with exec.
func (a *App) StartAgents(ctx context.Context, agentTypes []string, concurrency int, exec agent.Executor) error {
	for _, agentType := range agentTypes {
		r, err := agent.New(agent.Config{
			AgentType:      agentType,
			Version:        Version,
			Concurrency:    concurrency,
			Retry:          a.retryPolicy(),
			IdempotencyTTL: a.cfg.KV.DefaultTTL,
			MaxDeliver:     a.cfg.NATS.MaxDeliver,
			AckWait:        a.cfg.NATS.AckWait,
			Health:         registry.DefaultHealthConfig(),
		}, agent.Deps{
			Bus:         a.bus,
			KV:          a.kv,
			Validator:   a.validator,
			Registry:    a.registry,
			Logger:      a.logger,
			Metrics:     a.metrics,
			Tracer:      a.tracer,
			DeadLetters: a.repo,
		}, exec)
		if err != nil {
			return err
		}
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start agent %s: %w", agentType, err)
		}
		a.agents = append(a.agents, r)
	}
	if a.httpServer == nil {
		a.startHTTP()
	}
	return nil
}

// Control returns the operator boundary. It is nil until StartOrchestrator.
func (a *App) Control() *control.Service {
	return a.control
}

func (a *App) startHTTP() {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", a.handleHealth)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server stopped", "addr", a.cfg.Metrics.Addr, "error", err)
		}
	}()
	a.logger.Info("Metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.bus.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !h.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":         h.OK,
		"latency_ms": h.Latency.Milliseconds(),
		"detail":     h.Detail,
	})
}

// Shutdown stops consumers first, then closes the adapters they used.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, r := range a.agents {
		if err := r.Stop(ctx); err != nil {
			a.logger.Warn("Agent did not drain", "agent_id", r.ID(), "error", err)
		}
	}
	if a.sweeper != nil {
		if err := a.sweeper.Stop(ctx); err != nil {
			a.logger.Warn("Deadline sweeper did not stop", "error", err)
		}
	}
	if a.reconciler != nil {
		if err := a.reconciler.Stop(ctx); err != nil {
			a.logger.Warn("Reconciler did not drain", "error", err)
		}
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			a.logger.Warn("Bus close failed", "error", err)
		}
	}
	if a.closeRepo != nil {
		if err := a.closeRepo(); err != nil {
			a.logger.Warn("Storage close failed", "error", err)
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("KV close failed", "error", err)
		}
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("Tracer shutdown failed", "error", err)
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	if a.storeDir != "" {
		_ = os.RemoveAll(a.storeDir)
	}
	a.logger.Info("Shutdown complete")
}
