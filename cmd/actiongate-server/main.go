// Command actiongate-server runs the action gateway: the HTTP dispatch
// surface, its background workers, and the pipeline they all drive
// through, generalized from the teacher's control-plane binary onto the
// gateway's own component graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marcus-qen/actiongate/internal/approval"
	"github.com/marcus-qen/actiongate/internal/audit"
	"github.com/marcus-qen/actiongate/internal/breaker"
	"github.com/marcus-qen/actiongate/internal/chain"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/events"
	"github.com/marcus-qen/actiongate/internal/executor"
	"github.com/marcus-qen/actiongate/internal/group"
	"github.com/marcus-qen/actiongate/internal/notify"
	"github.com/marcus-qen/actiongate/internal/pipeline"
	"github.com/marcus-qen/actiongate/internal/provider"
	"github.com/marcus-qen/actiongate/internal/quota"
	"github.com/marcus-qen/actiongate/internal/rule"
	"github.com/marcus-qen/actiongate/internal/schedule"
	"github.com/marcus-qen/actiongate/internal/server"
	"github.com/marcus-qen/actiongate/internal/statemachine"
	"github.com/marcus-qen/actiongate/internal/store"
	"github.com/marcus-qen/actiongate/internal/telemetry"
	"github.com/marcus-qen/actiongate/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("c", "", "path to a YAML config file")
	flag.Parse()

	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zapLog.Sync()
	log := zapr.NewLogger(zapLog)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ApprovalSigningKey == "" {
		return fmt.Errorf("approval signing key is required (ACTIONGATE_APPROVAL_SIGNING_KEY or config approval_signing_key)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTraces, err := telemetry.InitTraceProvider(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTraces(context.Background())

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("init state store: %w", err)
	}

	auditSink, err := audit.New(ctx, cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit sink: %w", err)
	}

	registry, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		return fmt.Errorf("init provider registry: %w", err)
	}

	breakerConfigs := make([]breaker.Config, 0, len(cfg.Providers))
	policies := make(map[string]executor.Policy, len(cfg.Providers))
	for _, p := range cfg.Providers {
		breakerConfigs = append(breakerConfigs, breaker.Config{
			Provider:         p.Name,
			FailureThreshold: uint32(max(p.BreakerThreshold, 1)),
			Cooldown:         p.BreakerCooldown,
			FallbackProvider: p.FallbackProvider,
		})
		policies[p.Name] = executor.ResolvePolicy(p)
	}
	breakers := breaker.NewManager(st, log, breakerConfigs)
	exec := executor.New(registry, breakers, policies, st, log)

	rules := rule.NewLoader(cfg.Rules.Directory, nil, log)
	if err := rules.Load(); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if cfg.Rules.Directory != "" {
		if err := rules.Watch(ctx.Done()); err != nil {
			return fmt.Errorf("watch rules directory: %w", err)
		}
	}

	quotaEnf := quota.NewEnforcer(st)
	groups := group.NewBuffer(st)
	approvals := approval.NewManager(st, []byte(cfg.ApprovalSigningKey))
	machines := statemachine.NewStore(st)
	schedules := schedule.NewStore(st)
	bus := events.NewBus(256, log)

	pipe := pipeline.New(rules, st, quotaEnf, groups, approvals, machines, schedules, exec, auditSink, bus, log)
	orchestrator := chain.NewOrchestrator(st, pipe, bus, log, cfg.Workers.ChainConcurrency)
	pipe.SetOrchestrator(orchestrator)

	router := notify.NewRouter(notify.SeverityRoute{
		Info:     cfg.Notify.Info,
		Warning:  cfg.Notify.Warning,
		Critical: cfg.Notify.Critical,
	}, notify.NewRateLimiter(cfg.Notify.MaxPerHour), registry, log)
	bridge := notify.NewBridge(router, bus, log)
	go bridge.Run(ctx)

	recurring := worker.NewRecurringRegistry()
	startWorkers(ctx, cfg, st, log, pipe, schedules, groups, breakers, auditSink, machines, approvals, recurring)

	srv := server.New(pipe, rules, auditSink, bus, log)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("starting action gateway", "addr", cfg.ListenAddr, "version", version, "commit", commit)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// startWorkers launches the gateway's fixed-cadence background workers,
// each on its own worker.Run loop at the configured tick interval.
func startWorkers(
	ctx context.Context,
	cfg config.Config,
	st store.Store,
	log logr.Logger,
	pipe *pipeline.Pipeline,
	schedules *schedule.Store,
	groups *group.Buffer,
	breakers *breaker.Manager,
	auditSink audit.Sink,
	machines *statemachine.Store,
	approvals *approval.Manager,
	recurring *worker.RecurringRegistry,
) {
	interval := cfg.Workers.TickInterval

	scheduler := worker.NewScheduler(schedules, pipe, log)
	flusher := worker.NewGroupFlusher(groups, pipe, log)
	prober := worker.NewBreakerProber(breakers, log)
	cronEvaluator := worker.NewCronEvaluator(recurring, st, pipe, log)
	reaper := worker.NewRetentionReaper(auditSink, machines, approvals, pipe, cfg.Audit.RetentionPeriod, log)

	for _, r := range []worker.Runnable{scheduler, flusher, prober, cronEvaluator, reaper} {
		go worker.Run(ctx, r, interval, log, st)
	}
}
