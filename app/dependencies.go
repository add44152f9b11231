package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/assistant-auth-gateway/config"
	"github.com/upb/assistant-auth-gateway/handlers"
	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/middleware"
	"github.com/upb/assistant-auth-gateway/repositories"
	"github.com/upb/assistant-auth-gateway/repositories/postgres"
	"github.com/upb/assistant-auth-gateway/repositories/redisstore"
	"github.com/upb/assistant-auth-gateway/services/audit"
	"github.com/upb/assistant-auth-gateway/services/gateway"
	"github.com/upb/assistant-auth-gateway/services/ratelimit"
	"github.com/upb/assistant-auth-gateway/services/session"
	"github.com/upb/assistant-auth-gateway/services/signature"
	"github.com/upb/assistant-auth-gateway/services/token"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	Logger   *zap.Logger
	Redis    redis.UniversalClient
	DB       *postgres.DB
	Registry *prometheus.Registry

	// Repository Factory, nil when the directory lives in Redis
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Directory repositories.IdentityDirectory
	AuditLogs repositories.AuditRepository

	// Services
	Metrics     observability.Metrics
	Audit       *audit.AuditService
	Sessions    *session.Store
	RateLimiter *ratelimit.RateLimitService
	Tokens      *token.Issuer
	Signatures  *signature.Verifier
	Gateway     *gateway.Gateway

	// Middleware
	AuthMiddleware      *middleware.AuthMiddleware
	SignatureMiddleware *middleware.SignatureMiddleware
	IPLimiter           *middleware.IPLimiter

	// Handlers
	EventsHandler    *handlers.EventsHandler
	TokenHandler     *handlers.TokenHandler
	SessionHandler   *handlers.SessionHandler
	RateLimitHandler *handlers.RateLimitHandler
	MappingHandler   *handlers.MappingHandler
	HealthHandler    *handlers.HealthHandler

	// AuditHandler is nil unless audit events are persisted in postgres
	AuditHandler *handlers.AuditHandler
}

// NewDependencies connects to the stores and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	client, err := redisstore.NewClient(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	var db *postgres.DB
	if cfg.Database.Enabled() {
		if db, err = postgres.NewDB(cfg.Database, logger); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	deps, err := Build(ctx, cfg, logger, client.Client, db)
	if err != nil {
		_ = client.Close()
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}
	return deps, nil
}

// Build wires dependencies around already connected clients. db may be nil,
// in which case the identity directory and audit trail stay in Redis and the log.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, rdb redis.UniversalClient, db *postgres.DB) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		Redis:  rdb,
		DB:     db,
	}

	deps.initMetrics(cfg)

	if err := deps.initRepositories(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := deps.initAudit(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		_ = deps.Audit.Stop(cfg.Server.ShutdownTimeout)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.Bool("postgres_directory", db != nil),
		zap.Bool("metrics_enabled", cfg.Observability.MetricsEnabled))
	return deps, nil
}

func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NopMetrics{}
		return
	}
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewCollector(d.Registry)
}

// initRepositories picks the identity directory backend
func (d *Dependencies) initRepositories(ctx context.Context) error {
	if d.DB == nil {
		d.Directory = redisstore.NewDirectory(d.Redis, d.Logger)
		d.Logger.Info("identity directory backed by redis")
		return nil
	}

	d.RepoFactory = postgres.NewRepositoryFactoryFromDB(d.DB, d.Logger)
	if err := d.RepoFactory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	repos := d.RepoFactory.NewRepositories()
	d.Directory = repos.Directory
	d.AuditLogs = repos.AuditLogs

	d.Logger.Info("identity directory backed by postgres")
	return nil
}

func (d *Dependencies) initAudit(cfg *config.Config) error {
	var sink audit.Sink = audit.NewLogSink(d.Logger)
	if d.AuditLogs != nil {
		sink = d.AuditLogs
	}
	d.Audit = audit.NewAuditService(sink, d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})
	return d.Audit.Start()
}

func (d *Dependencies) initServices(cfg *config.Config) error {
	var err error

	d.Sessions, err = session.NewStore(d.Redis, cfg.Auth, d.Logger, session.WithMetrics(d.Metrics))
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	d.RateLimiter, err = ratelimit.NewRateLimitService(d.Redis, cfg.Auth, d.Logger, ratelimit.WithMetrics(d.Metrics))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	d.Tokens, err = token.NewIssuer(cfg.Auth, d.Logger, token.WithMetrics(d.Metrics))
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	if cfg.Auth.RequestSigningSecret == "" {
		d.Logger.Warn("request signing secret is empty, inbound events will only verify against an empty key")
	}
	d.Signatures = signature.NewVerifier(cfg.Auth.RequestSigningSecret, cfg.Auth.ReplayWindow, d.Logger,
		signature.WithMetrics(d.Metrics))

	d.Gateway = gateway.New(d.Directory, d.Sessions, d.RateLimiter, d.Tokens, d.Logger,
		gateway.WithResolvers(d.resolvers(cfg)...),
		gateway.WithAudit(d.Audit),
		gateway.WithMetrics(d.Metrics))
	return nil
}

// resolvers builds the identity resolution chain. The LDAP resolver only
// answers for mapped callers it can enrich, so it runs first and hands
// everyone else to the plain directory resolver.
func (d *Dependencies) resolvers(cfg *config.Config) []gateway.Resolver {
	directory := gateway.NewDirectoryResolver(d.Directory)
	if !cfg.LDAP.Enabled() {
		return []gateway.Resolver{directory}
	}
	d.Logger.Info("ldap enrichment enabled",
		zap.String("server", cfg.LDAP.Server),
		zap.String("base_dn", cfg.LDAP.BaseDN))
	return []gateway.Resolver{
		gateway.NewLDAPResolver(d.Directory, cfg.LDAP, gateway.DialLDAP(cfg.LDAP), d.Logger),
		directory,
	}
}

func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Gateway, d.Logger)
	d.SignatureMiddleware = middleware.NewSignatureMiddleware(d.Signatures, d.Audit, d.Logger)
	d.IPLimiter = middleware.NewIPLimiter(middleware.IPLimiterConfig{
		Rate:  rate.Limit(cfg.Server.IPRequestsPerSecond),
		Burst: cfg.Server.IPBurst,
	}, d.Logger)

	d.EventsHandler = handlers.NewEventsHandler(d.Gateway, d.Logger)
	d.TokenHandler = handlers.NewTokenHandler(d.Gateway, d.Logger)
	d.SessionHandler = handlers.NewSessionHandler(d.Gateway, d.Logger)
	d.RateLimitHandler = handlers.NewRateLimitHandler(d.Gateway, d.Logger)
	d.MappingHandler = handlers.NewMappingHandler(d.Gateway, d.Logger)
	if d.AuditLogs != nil {
		d.AuditHandler = handlers.NewAuditHandler(d.AuditLogs, d.Logger)
	}
	d.HealthHandler = handlers.NewHealthHandler(map[string]handlers.Pinger{
		"redis": handlers.PingFunc(func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}),
		"directory": d.Directory,
	}, d.Logger)
}

// Close gracefully shuts down all dependencies. Queued audit events are
// flushed before the stores they may be written to are closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.IPLimiter != nil {
		d.IPLimiter.Stop()
	}

	if d.Audit != nil {
		if err := d.Audit.Stop(d.Config.Server.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
