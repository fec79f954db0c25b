package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/gateway"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/gateway/ws"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/llm/factory"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/stream"
)

const (
	jobTimeout             = 5 * time.Minute
	pruneSchedule          = "@daily"
	rateLimitPruneSchedule = "@every 10m"
	rateLimitIdle          = time.Hour
	streamPruneSchedule    = "@every 15m"
	gatewayStopBuffer      = 5 * time.Second
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket API",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override the listen address (e.g. :8080)")
	}
}

// runServe starts the API server, the background jobs and the agent runner,
// then blocks until SIGINT or SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if len(cfg.Server.APIKeys) == 0 {
		return fmt.Errorf("no API keys configured: set server.api_keys or KAZI_API_KEYS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting kazi", slog.String("addr", cfg.ServerAddr()))

	c, err := initCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	if err := c.Controller.Recover(ctx); err != nil {
		return fmt.Errorf("recovering sandboxes: %w", err)
	}

	ag, err := newAgent(cfg, c)
	if err != nil {
		return err
	}
	metrics := c.Obs.Metrics
	hub := stream.NewHub(cfg.StreamBuffer()).WithObserver(metrics.StreamsChanged)
	runner := gateway.NewRunner(ag, hub, logger)

	rl := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	var registry *prometheus.Registry
	if metrics != nil {
		registry = metrics.Registry
	}
	sched := scheduler.New(scheduler.NewMetrics(registry), logger)
	jobs := []struct {
		name, spec string
		fn         scheduler.JobFunc
	}{
		{scheduler.JobReconcile, cfg.ReconcileSchedule(), scheduler.ReconcileJob(c.Controller)},
		{scheduler.JobExpireApprovals, cfg.ApprovalExpirySchedule(), scheduler.ExpireApprovalsJob(ag, logger)},
		{scheduler.JobPruneApprovals, pruneSchedule, scheduler.PruneApprovalsJob(c.Store.Approvals(), cfg.ApprovalRetention())},
		{scheduler.JobPruneRateLimits, rateLimitPruneSchedule, scheduler.PruneRateLimitsJob(rl, rateLimitIdle, logger)},
		{scheduler.JobPruneStreams, streamPruneSchedule, scheduler.PruneStreamsJob(hub, c.Store.Sessions(), logger)},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, jobTimeout, j.fn); err != nil {
			return fmt.Errorf("scheduling %s: %w", j.name, err)
		}
	}
	stopScheduler := sched.Start(ctx)

	sessions := c.Store.Sessions()
	wsServer := ws.NewServer(ws.Config{
		APIKeys:        cfg.APIKeyMap(),
		OriginPatterns: cfg.Server.CORSOrigins,
	}, sessions, c.Approvals, runner, rl, logger)

	httpCfg := httpapi.Config{
		ListenAddr:    cfg.ServerAddr(),
		EnableDocs:    cfg.Server.EnableDocs,
		APIKeys:       cfg.APIKeyMap(),
		HealthChecker: c.Obs.Health,
		Metrics:       metrics,
		Tracer:        c.Obs.TracerOrNoop(),
	}
	if metrics != nil {
		httpCfg.MetricsRegistry = metrics.Registry
		httpCfg.MetricsPath = cfg.MetricsPath()
	}
	api := httpapi.NewGateway(httpCfg, httpapi.Services{
		Sandboxes: c.Controller,
		Files:     c.Files,
		Sessions:  sessions,
		Policies:  c.Policies,
		Audit:     c.Auditor,
		Approvals: c.Approvals,
		Turns:     runner,
	}, rl, logger).WithHandler(ws.Pattern, wsServer.Handler())

	errs := make(chan error, 1)
	go func() { errs <- api.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown: stop accepting requests, stop jobs, then let running
	// turns observe the canceled context and drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout()+gatewayStopBuffer)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	stopScheduler()

	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("turns still running at shutdown deadline")
	}

	logger.Info("kazi stopped")
	return nil
}

// newAgent builds the completion client and the agent loop.
func newAgent(cfg *config.Config, c *core) (*agent.Agent, error) {
	metrics := c.Obs.Metrics
	completer, err := factory.New(factory.Config{
		Provider: cfg.ProviderName(),
		Model:    cfg.Provider.Model,
		APIKey:   cfg.Provider.APIKey,
		BaseURL:  cfg.Provider.BaseURL,
	}, llm.DefaultCapabilities(), llm.RetryConfig{
		MaxTries:    uint(max(cfg.Provider.MaxRetries, 0)),
		CallTimeout: config.Seconds(cfg.Provider.TimeoutSeconds),
	}, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("initializing completion provider: %w", err)
	}
	completer.WithObserver(metrics)

	ag := agent.New(
		completer,
		c.Controller,
		c.Policies,
		c.Guard,
		c.Executor,
		c.Store.Sessions(),
		c.Approvals,
		agent.Config{
			MaxIterations:      cfg.Agent.MaxIterations,
			MaxTokens:          cfg.Agent.MaxTokens,
			MaxOutputTokens:    cfg.Agent.MaxOutputTokens,
			MaxHistoryMessages: cfg.Agent.MaxHistoryMessages,
			MaxMessageBytes:    cfg.Agent.MaxMessageBytes,
			SystemPrompt:       cfg.Agent.SystemPrompt,
			Summarize:          cfg.Agent.Summarize,
			GenerateTitles:     cfg.Agent.GenerateTitles,
		},
		c.Logger,
	).WithObserver(metrics).WithTracer(c.Obs.TracerOrNoop())

	if cfg.Approval.Auto.Enabled {
		ag = ag.WithAutoApprover(approval.NewAutoApprover(cfg.Approval.Auto, c.Logger))
	}
	c.Logger.Debug("agent initialized",
		slog.String("provider", cfg.ProviderName()),
		slog.String("model", cfg.Provider.Model),
	)
	return ag, nil
}
