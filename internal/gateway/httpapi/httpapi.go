// Package httpapi implements the HTTP API gateway for Nyumba.
//
// Security:
//   - Bearer token authentication on /v1 (constant-time comparison);
//     empty token disables auth for local deployments
//   - Per-client-IP rate limiting via token bucket
//   - Artifact downloads validate both path segments before any
//     filesystem access and are served with hardened headers
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
//
// Artifact downloads sit outside /v1: report ids are unguessable run
// ids, and dashboards embed artifact URLs directly in <img> tags where
// attaching an Authorization header is not practical.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/nyumba/internal/agent"
	"github.com/jkaninda/nyumba/internal/approval"
	"github.com/jkaninda/nyumba/internal/artifact"
	"github.com/jkaninda/nyumba/internal/dispatch"
	"github.com/jkaninda/nyumba/internal/home"
	"github.com/jkaninda/nyumba/internal/observability"
	"github.com/jkaninda/nyumba/internal/ratelimit"
	"github.com/jkaninda/nyumba/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8642"
	EnableDocs     bool
	AuthToken      string // Bearer token for /v1. Empty = no auth.
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	agent     *agent.Agent
	approvals *approval.Manager
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	store     storage.Store   // nil = report/run/decision endpoints disabled.
	artifacts *artifact.Store // nil = artifact download disabled.
	entities  home.Provider   // nil = entity endpoints disabled.

	// publish forwards every chat event to the live feed (the websocket
	// hub) in addition to the requesting client's SSE stream.
	publish func(dispatch.Event)

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket feed).
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
func NewGateway(cfg Config, a *agent.Agent, am *approval.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:    cfg,
		agent:     a,
		approvals: am,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithStore attaches the persistence layer, enabling the report, run,
// and decision-audit endpoints.
func (g *Gateway) WithStore(s storage.Store) *Gateway {
	g.store = s
	return g
}

// WithArtifacts attaches the artifact store, enabling file downloads.
func (g *Gateway) WithArtifacts(s *artifact.Store) *Gateway {
	g.artifacts = s
	return g
}

// WithEntities attaches the home-state provider, enabling the entity
// read endpoints.
func (g *Gateway) WithEntities(p home.Provider) *Gateway {
	g.entities = p
	return g
}

// WithEventSink registers a callback receiving every chat event, used to
// feed the websocket broadcast alongside the per-request SSE stream.
func (g *Gateway) WithEventSink(publish func(dispatch.Event)) *Gateway {
	g.publish = publish
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event feed.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Nyumba",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.guard)

	g.group.Post("/chat", g.handleChat,
		okapi.DocSummary("Send a message to the agent; the reply streams as server-sent events"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List pending approvals"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]ApprovalSummary{}),
	)
	g.group.Post("/approvals/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a pending mutating tool call and execute it"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/deny", g.handleDeny,
		okapi.DocSummary("Deny a pending mutating tool call"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if g.store != nil {
		g.group.Get("/reports", g.handleReportList,
			okapi.DocSummary("List analysis reports"),
			okapi.DocTags("Reports"),
			okapi.DocResponse([]storage.Report{}),
		)
		g.group.Get("/reports/{id}/artifacts", g.handleReportArtifacts,
			okapi.DocSummary("List a report's artifacts"),
			okapi.DocTags("Reports"),
			okapi.DocPathParam("id", "string", "Report ID"),
			okapi.DocResponse([]storage.Artifact{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Delete("/reports/{id}", g.handleReportDelete,
			okapi.DocSummary("Delete a report and its artifacts"),
			okapi.DocTags("Reports"),
			okapi.DocPathParam("id", "string", "Report ID"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("List recent sandbox runs"),
			okapi.DocTags("Reports"),
			okapi.DocResponse([]storage.Run{}),
		)
	}

	if g.entities != nil {
		g.group.Get("/entities", g.handleEntityList,
			okapi.DocSummary("List smart-home entities"),
			okapi.DocTags("Entities"),
			okapi.DocResponse([]home.Entity{}),
		)
		g.group.Get("/entities/{id}", g.handleEntityGet,
			okapi.DocSummary("Get one entity by ID"),
			okapi.DocTags("Entities"),
			okapi.DocPathParam("id", "string", "Entity ID, e.g. light.kitchen"),
			okapi.DocResponse(home.Entity{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Artifact file downloads. Mounted outside /v1; see the package doc.
	if g.artifacts != nil {
		g.okapi.HandleStd("GET", "/reports/{report_id}/artifacts/{filename}", g.handleArtifactDownload)
	}

	// Extra handlers (the WebSocket event feed).
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

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Chat turns stream for as long as the agent works; the write
		// deadline must outlast the longest tool deadline.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
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
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// guard authenticates the request and applies the per-client rate limit.
// An empty configured token disables authentication.
func (g *Gateway) guard(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AuthToken != "" {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
				return c.AbortUnauthorized("invalid token")
			}
		}

		if g.limiter != nil {
			if err := g.limiter.Allow(clientIP(c.Request())); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		return next(c)
	}
}

// authorized applies the same bearer check for handlers mounted outside
// okapi's middleware chain.
func (g *Gateway) authorized(r *http.Request) bool {
	if g.config.AuthToken == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) == 1
}

// --- Helpers ---

// clientIP returns the remote host without the port, so one bucket
// covers all of a client's connections.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// queryLimit parses a ?limit= query parameter, clamped to [1, max].
func queryLimit(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
