// Package app loads configuration, wires every hive component together and
// owns their lifecycles. NewServer builds the full control plane; Close
// tears it down in reverse dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/hiveops/hive/internal/agent"
	"github.com/hiveops/hive/internal/alert"
	"github.com/hiveops/hive/internal/analytics"
	"github.com/hiveops/hive/internal/auth"
	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/fanout"
	"github.com/hiveops/hive/internal/health"
	"github.com/hiveops/hive/internal/httpapi"
	"github.com/hiveops/hive/internal/idempotency"
	"github.com/hiveops/hive/internal/ingest"
	"github.com/hiveops/hive/internal/logging"
	"github.com/hiveops/hive/internal/metrics"
	"github.com/hiveops/hive/internal/policy"
	"github.com/hiveops/hive/internal/pricing"
	"github.com/hiveops/hive/internal/ratelimit"
	"github.com/hiveops/hive/internal/store"
	"github.com/hiveops/hive/internal/temporal"
	"github.com/hiveops/hive/internal/tenant"
	"github.com/hiveops/hive/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	logger      *slog.Logger
	docs        docstore.Store
	tenants     *tenant.Router
	events      *store.TieredStore
	policies    *policy.Store
	hub         *fanout.Hub
	bus         fanout.Bus
	redis       *redis.Client
	batcher     *ingest.Batcher
	alerts      *alert.Pipeline
	tracker     *agent.Tracker
	limiter     *ratelimit.Limiter
	checker     *health.Checker
	maintenance *temporal.Manager
	stopTracing func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	stopTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "hive",
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	ctx := context.Background()

	// Policy documents, pricing overrides and alert audit rows.
	docs, err := docstore.Open(ctx, cfg.DocstoreURL)
	if err != nil {
		return nil, fmt.Errorf("docstore: %w", err)
	}
	if err := docs.Migrate(ctx); err != nil {
		docs.Close()
		return nil, fmt.Errorf("docstore migrate: %w", err)
	}
	logger.Info("docstore ready")

	// The redis URL is parsed up front so a typo fails startup instead of
	// the first publish.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			docs.Close()
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
	}

	// Event tiers live in per-team Postgres schemas. Pools open lazily, so
	// construction succeeds without a reachable database; the health checker
	// reports it instead.
	prices := pricing.New(docs)
	tenants := tenant.New(cfg.DatabaseURL, store.SchemaStatements)
	events := store.NewTiered(tenants)
	stats := analytics.New(tenants, prices)
	policies := policy.NewStore(docs, stats, prices)

	m := metrics.New()

	var bus fanout.Bus
	if redisClient != nil {
		bus = fanout.NewRedisBus(redisClient, fanout.WithRedisLogger(logger))
		logger.Info("fan-out bus", slog.String("mode", "redis"))
	} else {
		bus = fanout.NewLocalBus()
		logger.Info("fan-out bus", slog.String("mode", "local"))
	}
	hub := fanout.NewHub(
		fanout.WithBus(bus),
		fanout.WithLogger(logger),
		fanout.WithMetrics(m),
	)

	batcher := ingest.NewBatcher(hub,
		ingest.WithFlushInterval(cfg.FlushInterval),
		ingest.WithMaxBuffer(cfg.MaxBuffer),
		ingest.WithMaxPerFlush(cfg.MaxPerFlush),
		ingest.WithMetrics(m),
	)

	webhookOpts := []alert.WebhookOption{
		alert.WithHTTPClient(&http.Client{
			Timeout:   10 * time.Second,
			Transport: tracing.HTTPTransport(nil),
		}),
	}
	if cfg.WebhookSecret != "" {
		webhookOpts = append(webhookOpts, alert.WithSigningSecret(cfg.WebhookSecret))
	}
	alertOpts := []alert.Option{
		alert.WithCooldowns(alert.NewCooldowns(cfg.AlertCooldown)),
		alert.WithWebhookSender(alert.NewWebhookSender(webhookOpts...)),
		alert.WithMetrics(m),
	}
	if cfg.SMTPHost != "" {
		alertOpts = append(alertOpts, alert.WithNotifier(alert.NewSMTPNotifier(
			cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)))
		logger.Info("email alerts enabled", slog.String("smtp_host", cfg.SMTPHost))
	}
	alerts := alert.NewPipeline(policies, hub, alertOpts...)

	tracker := agent.NewTracker()

	var limiter *ratelimit.Limiter
	if cfg.IngestRPS > 0 {
		limiter = ratelimit.New(cfg.IngestRPS, cfg.IngestRPS*2, time.Second,
			ratelimit.WithCounter(m.RateLimited))
	}

	dedupe := idempotency.New(idempotency.WithCounter(m.ReplaysServed))

	authOpts := []auth.VerifierOption{}
	if cfg.UserDBType == "none" {
		authOpts = append(authOpts, auth.WithAnonymous(auth.Identity{
			UserID: "local",
			TeamID: "default",
		}))
	}
	verifier := auth.NewVerifier(cfg.JWTSecret, authOpts...)

	checks := []health.Check{
		{Name: "docstore", Probe: docs.Ping},
		{Name: "timescale", Probe: tenants.Ping},
	}
	if redisClient != nil {
		checks = append(checks, health.Check{
			Name:  "redis",
			Probe: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	checker := health.NewChecker(health.DefaultCheckerConfig(), checks, logger)
	checker.Start()

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		docs:        docs,
		tenants:     tenants,
		events:      events,
		policies:    policies,
		hub:         hub,
		bus:         bus,
		redis:       redisClient,
		batcher:     batcher,
		alerts:      alerts,
		tracker:     tracker,
		limiter:     limiter,
		checker:     checker,
		stopTracing: stopTracing,
	}

	var temporalClient client.Client
	if cfg.TemporalEnabled {
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, &temporal.Activities{
			Docs:      docs,
			Events:    events,
			Refresher: events,
			Cooldowns: alerts.Cooldowns(),
		}, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("temporal: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("temporal: %w", err)
		}
		s.maintenance = mgr
		temporalClient = mgr.Client()
		logger.Info("maintenance workflows scheduled",
			slog.String("namespace", cfg.TemporalNamespace),
			slog.String("task_queue", cfg.TemporalTaskQueue))
	}

	deps := httpapi.Dependencies{
		Store:       events,
		Docs:        docs,
		Policies:    policies,
		Pricing:     prices,
		Analytics:   stats,
		Normalizer:  ingest.NewNormalizer(prices),
		Batcher:     batcher,
		Alerts:      alerts,
		Hub:         hub,
		Tracker:     tracker,
		Verifier:    verifier,
		Metrics:     m,
		Health:      checker,
		MCP:         httpapi.NewMCPBroker(),
		Temporal:    temporalClient,
		Limiter:     limiter,
		Idempotency: dedupe,
		Development: cfg.Development(),
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.TracingEnabled {
		r.Use(tracing.Middleware())
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httpapi.Observer(deps))

	httpapi.MountRoutes(r, deps)
	s.r = r

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload swaps the stored configuration on SIGHUP. Only the log level takes
// effect on a running server; connections, buffers and schedules keep their
// boot-time values until a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

// Close stops intake first so the final batch flush still reaches connected
// sessions, then tears the transports down.
func (s *Server) Close() error {
	s.checker.Stop()
	if s.maintenance != nil {
		s.maintenance.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.batcher.Close()
	s.hub.Close()
	s.tracker.Close()

	var errs []error
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	s.tenants.Close()
	errs = append(errs, s.docs.Close())

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, s.stopTracing(ctx))
	}
	return errors.Join(errs...)
}
