package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/fileops"
	"github.com/jkaninda/kazi/internal/logging"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
	"github.com/jkaninda/kazi/internal/tools"
)

// readyzProbe is a container reference no sandbox ever uses. Inspecting it
// succeeds with ErrNoSuchContainer when the runtime is reachable.
const readyzProbe = "kazi-readyz-probe"

// core holds the components every command needs: storage, the sandbox
// controller, the policy guard and the file gateway. Built once by initCore,
// torn down by Cleanup.
type core struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store

	Policies   *security.PolicyResolver
	Auditor    *security.Auditor
	Guard      *security.Guard
	Controller *controller.Controller
	Files      *fileops.Gateway
	Executor   *tools.Executor
	Approvals  *approval.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *core) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *core) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig reads the config file named by --config or KAZI_CONFIG and
// builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", configPath))
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := logging.New(cfg.Logging, "kazi")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing logging: %w", err)
	}
	return cfg, logger, closeLog, nil
}

// openStore opens the configured backend and runs migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		store, err = openPostgres(cfg, logger)
	case storage.DriverSQLite:
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		store, err = sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		err = fmt.Errorf("unknown storage driver: %q", cfg.StorageDriverName())
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return store, nil
}

func openPostgres(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	db, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: config.Seconds(pg.ConnMaxLifetimeS),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(db), nil
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (sandbox.Runtime, error) {
	timeout := config.Seconds(cfg.Sandbox.ExecTimeoutSeconds)
	switch cfg.SandboxRuntime() {
	case "process":
		return sandbox.NewProcessRuntime(sandbox.ProcessConfig{
			VolumesDir:     cfg.VolumesDir(),
			DefaultTimeout: timeout,
			MaxCPUSeconds:  cfg.Sandbox.MaxCPUSeconds,
		}, logger)
	default:
		return sandbox.NewDockerRuntime(sandbox.DockerConfig{
			Image:          cfg.SandboxImage(),
			DefaultTimeout: timeout,
			PIDsLimit:      cfg.Sandbox.PIDsLimit,
			NetworkAllowed: cfg.Sandbox.NetworkAllowed,
			User:           cfg.Sandbox.User,
		}, logger), nil
	}
}

func newAuditLog(cfg *config.Config, store storage.Store, logger *slog.Logger) (security.AuditLog, error) {
	if cfg.AuditBackend() == "file" {
		return security.NewFileAuditLog(security.FileAuditConfig{
			Path:       cfg.AuditLogPath(),
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		}, logger)
	}
	return security.NewStoreAuditLog(store.Audit(), logger), nil
}

// initCore builds the shared components. Callers must call Cleanup when done.
func initCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	c := &core{Config: cfg, Logger: logger}

	obs, err := observability.New(ctx, cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing traces", slog.String("error", err.Error()))
		}
	})

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	auditLog, err := newAuditLog(cfg, store, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	c.addCleanup(func() { _ = auditLog.Close() })

	runtime, err := newRuntime(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing sandbox runtime: %w", err)
	}

	metrics := obs.Metrics
	c.Policies = security.NewPolicyResolver(store.Policies(), cfg.Policy)
	c.Auditor = security.NewAuditor(auditLog, logger)
	c.Guard = security.NewGuard(security.NewPolicyEnforcer(logger), c.Auditor, logger).
		WithObserver(metrics.PolicyDecision())

	c.Controller = controller.New(controller.Config{
		MaxSandboxes:       cfg.Sandbox.MaxSandboxes,
		DefaultBranch:      cfg.Sandbox.DefaultBranch,
		CloneTimeout:       config.Seconds(cfg.Sandbox.CloneTimeoutSeconds),
		DefaultExecTimeout: config.Seconds(cfg.Sandbox.ExecTimeoutSeconds),
		MaxExecTimeout:     config.Seconds(cfg.Sandbox.MaxExecTimeoutSeconds),
		NamePrefix:         cfg.Sandbox.NamePrefix,
		GitToken:           cfg.GitHub.Token,
	}, runtime, store.Sandboxes(), logger).
		WithPolicies(c.Policies).
		WithAuditor(c.Auditor).
		WithObserver(metrics)
	c.addCleanup(c.Controller.Close)

	c.Files = fileops.New(c.Controller, logger).
		WithPolicies(c.Policies).
		WithAuditor(c.Auditor)
	if cfg.GitHub.Token != "" {
		gh, err := fileops.NewGitHub(cfg.GitHub.Token, cfg.GitHub.BaseURL)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing GitHub client: %w", err)
		}
		c.Files = c.Files.WithPullRequester(gh)
	}
	c.Executor = tools.NewExecutor(c.Files, c.Controller, c.Guard, logger)
	c.Approvals = approval.NewManager(store.Approvals(), cfg.ApprovalTTL(), logger)

	if h := obs.Health; h != nil && cfg.Observability != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			h.AddCheck("database", store.Ping)
		}
		if cfg.Observability.Health.IncludeRuntime {
			// Sessions and audit stay readable while the runtime is down.
			h.AddOptionalCheck("runtime", func(ctx context.Context) error {
				_, err := runtime.Inspect(ctx, readyzProbe)
				if err == nil || errors.Is(err, sandbox.ErrNoSuchContainer) {
					return nil
				}
				return err
			})
		}
	}

	logger.Debug("core initialized",
		slog.String("runtime", runtime.Name()),
		slog.String("audit_backend", cfg.AuditBackend()),
		slog.Bool("metrics", metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)
	return c, nil
}
