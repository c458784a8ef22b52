// Package httpapi mounts hive's control-plane surface: policy CRUD, event
// ingestion, budget validation, analytics views, the agent fleet endpoints,
// the WebSocket upgrade, and the MCP transport. Handlers are thin: they
// authenticate, decode, call one engine, and encode.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/sdk/client"

	"github.com/hiveops/hive/internal/agent"
	"github.com/hiveops/hive/internal/alert"
	"github.com/hiveops/hive/internal/analytics"
	"github.com/hiveops/hive/internal/auth"
	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/fanout"
	"github.com/hiveops/hive/internal/health"
	"github.com/hiveops/hive/internal/idempotency"
	"github.com/hiveops/hive/internal/ingest"
	"github.com/hiveops/hive/internal/metrics"
	"github.com/hiveops/hive/internal/policy"
	"github.com/hiveops/hive/internal/pricing"
	"github.com/hiveops/hive/internal/ratelimit"
	"github.com/hiveops/hive/internal/store"
)

// AnalyticsReader is the slice of the analytics engine the handlers read.
// analytics.Engine satisfies it; tests substitute a fake so the metrics
// routes can be exercised without Postgres.
type AnalyticsReader interface {
	Analytics(ctx context.Context, teamID, windowName, resolution string) (*analytics.Report, error)
	UsageBreakdown(ctx context.Context, teamID string, days int, f analytics.Filter) (*analytics.Breakdown, error)
	RateMetrics(ctx context.Context, teamID string, days int, f analytics.Filter) (*analytics.RateReport, error)
	Logs(ctx context.Context, teamID string, q analytics.LogsQuery) (*analytics.LogsResult, error)
	Insights(ctx context.Context, teamID string, days int) (*analytics.InsightsReport, error)
	Metrics(ctx context.Context, teamID string, days int) (*analytics.MetricsReport, error)
}

type Dependencies struct {
	Store      store.EventStore
	Docs       docstore.Store
	Policies   *policy.Store
	Pricing    *pricing.Engine
	Analytics  AnalyticsReader
	Normalizer *ingest.Normalizer
	Batcher    *ingest.Batcher
	Alerts     *alert.Pipeline
	Hub        *fanout.Hub
	Tracker    *agent.Tracker
	Verifier   *auth.Verifier
	Metrics    *metrics.Registry
	Health     *health.Checker

	// MCP session broker (nil disables the /mcp routes).
	MCP *MCPBroker

	// Temporal exposes the maintenance workflow state; nil reports the
	// engine as disabled instead of failing the routes.
	Temporal client.Client

	// Ingest rate limiter (nil means unlimited).
	Limiter *ratelimit.Limiter

	// Idempotency replays recorded responses for retried mutations (nil
	// disables replay).
	Idempotency *idempotency.Cache

	// Development attaches error detail to 500 responses.
	Development bool
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	// WebSocket handshake carries its own bearer check so a rejected
	// upgrade can answer before hijacking the connection.
	r.Get("/ws", WSHandler(d))

	if d.MCP != nil {
		r.Get("/mcp/health", MCPHealthHandler(d))
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(d.Verifier))
			r.Get("/mcp", MCPConnectHandler(d))
			r.Post("/mcp/message", MCPMessageHandler(d))
			r.Get("/mcp/sessions", MCPSessionsHandler(d))
			r.Delete("/mcp/sessions/{id}", MCPSessionDeleteHandler(d))
		})
	}

	r.Route("/v1/control", func(r chi.Router) {
		r.Use(auth.Middleware(d.Verifier))

		// Mutations whose side effects are not idempotent honor the
		// Idempotency-Key header: a retried create would mint a second
		// policy, a retried batch would re-run alert evaluation.
		replay := idempotency.Middleware(d.Idempotency)

		r.Get("/policy", PolicyGetHandler(d))
		r.Get("/policies", PoliciesListHandler(d))
		r.With(replay).Post("/policies", PolicyCreateHandler(d))
		r.Get("/policies/{id}", PolicyByIDHandler(d))
		r.Put("/policies/{id}", PolicyPutHandler(d))
		r.Delete("/policies/{id}", PolicyDeleteHandler(d))
		r.Delete("/policies/{id}/rules", PolicyClearHandler(d))
		r.With(replay).Post("/policies/{id}/{kind}", PolicyAppendRuleHandler(d))

		r.With(replay).Post("/events", EventsIngestHandler(d))
		r.Get("/events", EventsListHandler(d))
		r.Get("/events/{traceID}/{callSeq}/content", EventContentHandler(d))

		r.With(replay).Post("/content", ContentPutHandler(d))
		r.Get("/content/hash/{hash}", ContentByHashHandler(d))
		r.Get("/content/{id}", ContentGetHandler(d))

		r.Post("/budget/validate", BudgetValidateHandler(d))
		r.Get("/degradation-targets", DegradationTargetsHandler(d))

		r.Get("/metrics", AnalyticsHandler(d))
		r.Get("/metrics/usage", UsageBreakdownHandler(d))
		r.Get("/metrics/rates", RateMetricsHandler(d))
		r.Get("/metrics/overview", MetricsOverviewHandler(d))
		r.Get("/logs", LogsHandler(d))
		r.Get("/insights", InsightsHandler(d))

		r.Get("/agent-status", AgentStatusHandler(d))
		r.Get("/agent-status/stream", AgentStatusStreamHandler(d))
		r.Post("/heartbeat", HeartbeatHandler(d))
		r.Get("/agents", AgentsHandler(d))

		r.Get("/workflows", WorkflowsListHandler(d))
		r.Get("/workflows/{id}", WorkflowDescribeHandler(d))
		r.Get("/workflows/{id}/history", WorkflowHistoryHandler(d))
	})
}

// HealthzHandler reports liveness plus the latest backend probe results.
// Degraded backends turn the status to 503 so orchestrators stop routing,
// while the detail stays readable for operators.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
			return
		}
		body := map[string]any{
			"status":   "ok",
			"backends": d.Health.Snapshot(),
		}
		if !d.Health.Healthy() {
			body["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}
