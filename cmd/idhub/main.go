package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/idhub/pkg/audit"
	"github.com/platinummonkey/idhub/pkg/config"
	"github.com/platinummonkey/idhub/pkg/httputil"
	"github.com/platinummonkey/idhub/pkg/observability"
	"github.com/platinummonkey/idhub/pkg/secrets"
	"github.com/platinummonkey/idhub/pkg/sso"
	"github.com/platinummonkey/idhub/pkg/storage"
	"github.com/platinummonkey/idhub/pkg/swagger"
)

// callbackPath is the protocol endpoint local clients return to after sign-in.
const callbackPath = "/connect/authorize/callback"

// maxRequestBytes bounds admin API bodies and SAML POST responses.
const maxRequestBytes = 1 << 20

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("idhub stopped with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		logger.WithError(err).Warn("Continuing without OpenTelemetry")
	} else if otelProviders != nil {
		shutdown.Register("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	promRegistry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(promRegistry)
	}

	db, dialect, oidcStore, samlStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		shutdown.Register("database", func(context.Context) error { return db.Close() })
		pool, err := observability.RegisterDBPoolMetrics(db, string(dialect))
		if err != nil {
			logger.WithError(err).Warn("Failed to register database pool metrics")
		} else {
			shutdown.Register("db-pool-metrics", pool.Unregister)
		}
	}

	// Mutations fan out to the local caches and, when enabled, to the other
	// replicas. Targets are added once the caches exist.
	inv := sso.NewMultiInvalidator()
	registry := sso.NewRegistry(oidcStore, samlStore, inv, logger.WithField("component", "registry"), metrics)

	if cfg.Database.Seed {
		n, err := sso.Seed(ctx, registry)
		if err != nil {
			return fmt.Errorf("seed providers: %w", err)
		}
		logger.Infof("Seeded %d providers", n)
	}

	resolver := sso.NewSchemeResolver(registry, cfg.Auth.SignInScheme, logger.WithField("component", "resolver"), metrics)
	auth := sso.NewAuthenticator(resolver, sso.AuthenticatorConfig{
		BaseURL:    cfg.Server.BaseURL,
		CacheSize:  cfg.Auth.OptionsCacheSize,
		CacheTTL:   cfg.Auth.OptionsCacheTTL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}, metrics)
	schemes := sso.NewSchemeProvider()
	local := sso.NewMultiInvalidator(auth, schemes)
	inv.Add(local)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = storage.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })

		bus := sso.NewRedisInvalidationBus(redisClient, cfg.Redis.Channel, local, logger.WithField("component", "invalidation-bus"), metrics)
		inv.Add(bus)
		busCtx, stopBus := context.WithCancel(ctx)
		busDone := make(chan struct{})
		go func() {
			defer close(busDone)
			if err := bus.Run(busCtx); err != nil {
				logger.WithError(err).Error("Invalidation bus stopped")
			}
		}()
		shutdown.Register("invalidation-bus", func(ctx context.Context) error {
			stopBus()
			select {
			case <-busDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		logger.Infof("Publishing scheme invalidations on %s", cfg.Redis.Channel)
	}

	refresher, err := sso.NewMetadataRefresher(cfg.Auth.MetadataRefreshSpec, auth, logger.WithField("component", "metadata-refresher"), metrics)
	if err != nil {
		return err
	}
	refresher.Start()
	shutdown.Register("metadata-refresher", refresher.Stop)

	returnURLs, err := sso.NewReturnURLValidator(allowedReturnURLs(cfg))
	if err != nil {
		return err
	}
	if path := os.Getenv("IDHUB_CONFIG_FILE"); path != "" {
		watcher, err := config.WatchFile(path, logger, func(next *config.Config) {
			if err := returnURLs.SetAllowed(allowedReturnURLs(next)); err != nil {
				logger.WithError(err).Warn("Keeping previous allowed return URLs")
			}
		})
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
		shutdown.Register("config-watcher", func(context.Context) error { return watcher.Close() })
	}

	stateKey, err := signingKey(cfg.Auth.StateSigningKey, "state", logger)
	if err != nil {
		return err
	}
	sessionKey, err := signingKey(cfg.Auth.SessionSigningKey, "session", logger)
	if err != nil {
		return err
	}
	secure := strings.HasPrefix(cfg.Server.BaseURL, "https://")

	challenger := sso.NewChallenger(schemes, resolver, auth, returnURLs, sso.NewStateCodec(stateKey, cfg.Auth.StateTTL), logger.WithField("component", "challenger"), metrics)
	sessions := sso.NewSessionIssuer(sessionKey, cfg.Auth.SessionTTL, cfg.Auth.SignInScheme, secure)
	auditLoggers := []audit.Logger{audit.NewLogLogger(logger)}
	var auditStore *audit.DBLogger
	if db != nil {
		auditStore = audit.NewDBLogger(db, dialect)
		auditLoggers = append(auditLoggers, auditStore)
	}
	handlers := sso.NewHandlers(registry, challenger, sessions, sso.HandlersConfig{
		AdminToken:    cfg.Server.AdminToken,
		SecureCookies: secure,
		StateTTL:      cfg.Auth.StateTTL,
		Audit:         audit.NewMultiLogger(auditLoggers...),
	}, logger.WithField("component", "handlers"))
	if cfg.Server.AdminToken == "" {
		logger.Warn("No admin token configured; the provider API is unauthenticated")
	}

	proxies, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Use(
		mux.MiddlewareFunc(httputil.Chain(
			httputil.ForwardedFor(proxies),
			httputil.RequestID,
			httputil.Recovery(logger),
			httputil.Logging(logger),
			httputil.MaxBytes(maxRequestBytes),
		)),
		observability.HTTPMetricsMiddleware(metrics),
	)
	if limiter := newLimiter(ctx, cfg, redisClient); limiter != nil {
		router.Use(mux.MiddlewareFunc(httputil.RateLimit(limiter, logger, "/healthz", "/readyz", "/metrics")))
	}
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, redisClient))
	if metrics != nil {
		router.Handle("/metrics", observability.MetricsHandler(promRegistry)).Methods(http.MethodGet)
	}
	if auditStore != nil {
		audit.NewHandlers(auditStore, logger).RegisterRoutes(router, cfg.Server.AdminToken)
	}
	swagger.NewHandlers().RegisterRoutes(router)
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "idhub"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.Register("http-server", server.Shutdown)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("idhub listening on %s (public origin %s)", server.Addr, cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return shutdownErr
	}
}

// openStores returns the provider stores for the configured driver. The
// returned *sql.DB is nil for the memory driver.
func openStores(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*sql.DB, storage.Dialect, sso.Store[*sso.OIDCProvider], sso.Store[*sso.SAMLProvider], error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory provider store; providers are lost on restart")
		return nil, "", sso.NewMemoryStore[*sso.OIDCProvider](), sso.NewMemoryStore[*sso.SAMLProvider](), nil
	}

	key, err := cfg.Secrets.Key()
	if err != nil {
		return nil, "", nil, nil, err
	}
	sealer, err := secrets.New(key)
	if err != nil {
		return nil, "", nil, nil, err
	}
	if key == nil {
		logger.Warn("No secrets key configured; provider secrets are stored unsealed")
	}

	db, dialect, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, "", nil, nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(db, dialect, cfg.Database.URL, "up"); err != nil {
			db.Close()
			return nil, "", nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	logger.Infof("Provider store ready (%s)", dialect)

	return db, dialect, sso.NewOIDCSQLStore(db, dialect, sealer), sso.NewSAMLSQLStore(db, dialect, sealer), nil
}

// newLimiter shares counters through redis when it is enabled. It returns
// nil when rate limiting is off.
func newLimiter(ctx context.Context, cfg *config.Config, redisClient *redis.Client) httputil.Limiter {
	if cfg.Server.RateLimitPerMinute == 0 {
		return nil
	}
	limits := httputil.RateLimitConfig{
		RequestsPerWindow: cfg.Server.RateLimitPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.Server.RateLimitBurst,
	}
	if redisClient != nil {
		return httputil.NewRedisLimiter(redisClient, limits, "idhub:ratelimit")
	}
	local := httputil.NewLocalLimiter(limits)
	local.StartCleanup(ctx)
	return local
}

// allowedReturnURLs defaults to the local authorize callback.
func allowedReturnURLs(cfg *config.Config) []string {
	if len(cfg.Auth.AllowedReturnURLs) > 0 {
		return cfg.Auth.AllowedReturnURLs
	}
	return []string{cfg.Server.BaseURL + callbackPath}
}

// signingKey decodes a configured key or generates a process-local one.
// Generated keys do not survive restarts or span replicas.
func signingKey(encoded, name string, logger *observability.Logger) ([]byte, error) {
	if key := config.DecodeKey(encoded); key != nil {
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate %s signing key: %w", name, err)
	}
	logger.Warnf("No %s signing key configured; using a random key for this process", name)
	return key, nil
}
