// Package httpapi implements the HTTP API gateway for kazi.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/fileops"
	"github.com/jkaninda/kazi/internal/gateway"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Sandboxes is the sandbox controller surface served over HTTP.
type Sandboxes interface {
	Create(ctx context.Context, req controller.CreateRequest) (domain.Sandbox, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Sandbox, error)
	List(ctx context.Context) []domain.Sandbox
	Status(ctx context.Context, id uuid.UUID) (*controller.Status, error)
	Start(ctx context.Context, id uuid.UUID) (domain.Sandbox, error)
	Stop(ctx context.Context, id uuid.UUID) (domain.Sandbox, error)
	Destroy(ctx context.Context, id uuid.UUID) error
	Exec(ctx context.Context, id uuid.UUID, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
	SyncRepo(ctx context.Context, id uuid.UUID, branch string) (*controller.SyncResult, error)
}

// Files is the file and git gateway surface served over HTTP.
type Files interface {
	ListFiles(ctx context.Context, id uuid.UUID, path string, recursive bool) ([]fileops.FileEntry, bool, error)
	ReadFile(ctx context.Context, id uuid.UUID, path string) (*fileops.FileContent, error)
	WriteFile(ctx context.Context, id uuid.UUID, path, content string) (*fileops.WriteResult, error)
	EditFile(ctx context.Context, id uuid.UUID, path, oldText, newText string) (*fileops.EditResult, error)
	DeleteFile(ctx context.Context, id uuid.UUID, path string) error
	CreateDirectory(ctx context.Context, id uuid.UUID, path string) error
	SearchFiles(ctx context.Context, id uuid.UUID, query, glob string) ([]fileops.SearchMatch, bool, error)
	GitStatus(ctx context.Context, id uuid.UUID) (*fileops.GitStatus, error)
	GitDiff(ctx context.Context, id uuid.UUID, file string) (string, error)
	CreateBranch(ctx context.Context, id uuid.UUID, name string) error
	CommitAndPush(ctx context.Context, id uuid.UUID, message string) (*fileops.CommitResult, error)
	Publish(ctx context.Context, id uuid.UUID, branch, title, body, base string) (*fileops.CommitResult, *fileops.PullRequest, error)
	CreatePullRequest(ctx context.Context, id uuid.UUID, title, body, base string) (*fileops.PullRequest, error)
}

// Sessions persists chat sessions.
type Sessions interface {
	CreateSession(ctx context.Context, session *domain.ChatSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	ListSessions(ctx context.Context, sandboxID uuid.UUID) ([]domain.ChatSession, error)
	LoadMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// Policies resolves and stores project policies.
type Policies interface {
	Resolve(ctx context.Context, projectID string) (domain.Policy, error)
	Save(ctx context.Context, policy domain.Policy) error
}

// AuditQuerier reads the audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// Approvals looks up pending approvals.
type Approvals interface {
	Get(ctx context.Context, id string) (*approval.PendingApproval, error)
	ListPending(ctx context.Context, sessionID uuid.UUID) ([]*approval.PendingApproval, error)
}

// Services groups the components the gateway serves.
type Services struct {
	Sandboxes Sandboxes
	Files     Files
	Sessions  Sessions
	Policies  Policies
	Audit     AuditQuerier
	Approvals Approvals
	Turns     gateway.Turns
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	svc     Services
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket session endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc Services, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = maxSize
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: observability.Version,
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket session endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turn streams are long-lived; handlers bound their own work.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return limitBody(g.config.MaxRequestSize, next)
	})

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)
	g.sandboxRoutes()
	g.fileRoutes()
	g.gitRoutes()
	g.sessionRoutes()

	g.group.Get("/projects/{id}/policy", g.handlePolicyGet,
		okapi.DocSummary("Get the effective policy of a project"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("id", "string", "Project ID"),
		okapi.DocResponse(domain.Policy{}),
	)
	g.group.Put("/projects/{id}/policy", g.handlePolicyPut,
		okapi.DocSummary("Replace the policy of a project"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("id", "string", "Project ID"),
		okapi.DocRequestBody(domain.Policy{}),
		okapi.DocResponse(domain.Policy{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/audit", g.handleAudit,
		okapi.DocSummary("Query the audit trail"),
		okapi.DocTags("Audit"),
		okapi.DocResponse([]domain.AuditEntry{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket session endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key, stores the mapped user ID and
// applies the caller's rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID := LookupAPIKey(g.config.APIKeys, strings.TrimPrefix(authHeader, "Bearer "))
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests(err.Error())
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// LookupAPIKey returns the user mapped to key, or "" when no key matches.
// Every configured key is compared so timing does not depend on the match.
func LookupAPIKey(keys map[string]string, key string) string {
	if key == "" {
		return ""
	}
	userID := ""
	for k, user := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			userID = user
		}
	}
	return userID
}

// --- Helpers ---

// StatusFor maps an error to the HTTP status it is reported with.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrMergeConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPolicyDenied),
		errors.Is(err, domain.ErrPathViolation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSizeLimitExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrBinaryFile),
		errors.Is(err, domain.ErrUnknownTool),
		errors.Is(err, fileops.ErrNoMatch),
		errors.Is(err, security.ErrInvalidPolicy),
		errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResourceExhausted),
		errors.Is(err, domain.ErrCompletionUnavailable),
		errors.Is(err, domain.ErrProvisioning):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCommandTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unexpected errors are logged
// and reported without detail.
func (g *Gateway) fail(c *okapi.Context, op string, err error) error {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		g.logger.ErrorContext(c.Context(), op+" failed",
			slog.String("user_id", c.GetString("userID")),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError(op + " failed")
	}
	return c.JSON(code, ErrorBody{Error: err.Error()})
}

// limitBody caps request bodies at n bytes.
func limitBody(n int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, n)
		}
		next.ServeHTTP(w, r)
	})
}

// pathID parses the {id} path parameter as a UUID.
func pathID(c *okapi.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}

func query(c *okapi.Context, name string) string {
	return c.Request().URL.Query().Get(name)
}
