package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-poster/internal/auth"
	"github.com/noah-isme/backend-poster/internal/cart"
	"github.com/noah-isme/backend-poster/internal/checkout"
	"github.com/noah-isme/backend-poster/internal/common"
	"github.com/noah-isme/backend-poster/internal/config"
	"github.com/noah-isme/backend-poster/internal/health"
	"github.com/noah-isme/backend-poster/internal/lock"
	"github.com/noah-isme/backend-poster/internal/notify"
	"github.com/noah-isme/backend-poster/internal/obs"
	"github.com/noah-isme/backend-poster/internal/order"
	"github.com/noah-isme/backend-poster/internal/payment"
	"github.com/noah-isme/backend-poster/internal/queue"
	"github.com/noah-isme/backend-poster/internal/quote"
	"github.com/noah-isme/backend-poster/internal/ratelimit"
	"github.com/noah-isme/backend-poster/internal/repo"
	"github.com/noah-isme/backend-poster/internal/resilience"
	"github.com/noah-isme/backend-poster/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("service", "poster-api").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "poster")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	if err := queue.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Error().Err(err).Msg("register queue metrics")
	}
	if err := resilience.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Error().Err(err).Msg("register breaker metrics")
	}

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "poster-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := openPool(ctx, cfg, logger)
	defer pool.Close()
	redisClient := openRedis(ctx, cfg, metricsEnabled, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	store := repo.Store{DB: pool}
	authority := &quote.Authority{
		Loader:    &cart.Loader{Lines: store, Catalog: store, Logger: logger},
		Customers: store,
		Config:    cfg.Pricing,
		Tolerance: cfg.PriceMismatchTolerance,
		Logger:    logger,
	}

	gateway, keyID := newGateway(cfg, logger)
	intents := &payment.IntentService{
		Quotes:   authority,
		Gateway:  gateway,
		Store:    payment.RedisIntentStore{R: redisClient},
		Currency: cfg.Currency,
		TTL:      cfg.IntentTTL,
		Logger:   logger,
	}

	var (
		taskClient *asynq.Client
		repairs    order.RepairQueue
		notifiers  []notify.Notifier
	)
	if cfg.QueueEnabled {
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse queue redis url")
		}
		taskClient = asynq.NewClient(redisOpt)
		defer func() {
			if err := taskClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close task client")
			}
		}()
		enqueuer := queue.Enqueuer{Client: taskClient}
		repairs = enqueuer
		notifiers = []notify.Notifier{notify.TaskNotifier{Queue: enqueuer}}
	} else {
		notifiers = inlineNotifiers(cfg, logger)
	}
	dispatcher := &notify.Dispatcher{Notifiers: notifiers, Timeout: cfg.NotifyTimeout, Logger: logger}

	committer := &order.Committer{
		Store:    store,
		Locker:   lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockTTL},
		LockTTL:  cfg.LockTTL,
		Notifier: dispatcher,
		Repairs:  repairs,
		Logger:   logger,
	}
	verifier := &payment.Verifier{
		Secret:    cfg.RazorpayKeySecret,
		Intents:   payment.RedisIntentStore{R: redisClient},
		Committer: committer,
		Logger:    logger,
	}

	tokens, err := auth.NewVerifier(auth.Config{
		Secret:    cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		ClockSkew: cfg.JWTClockSkew,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise token verifier")
	}
	authMiddleware := auth.Middleware{Tokens: tokens, AccessCookie: cfg.AccessCookieName}

	checkoutLimiter, err := ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitCheckout, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise checkout rate limit")
	}
	limit := ratelimit.Handler{
		Limiter: checkoutLimiter,
		Key:     ratelimit.KeyByCustomer,
		Scope:   "checkout",
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limit store unavailable") },
	}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}
	checkoutHandler := &checkout.Handler{
		Quotes:        authority,
		Intents:       intents,
		Verifier:      verifier,
		PendingOrders: committer,
		Validator:     checkout.NewValidator(),
		KeyID:         keyID,
		Currency:      cfg.Currency,
		Logger:        logger,
	}
	orderHandler := &order.Handler{Orders: committer}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.Tracing("poster-api"))
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.CORS(allowedOrigins(cfg)))
	r.Use(security.Headers{
		Enable:                envBool("SECURE_HEADERS_ENABLE", true),
		EnableHSTS:            envBool("SECURE_HSTS_ENABLE", cfg.AppEnv == "production"),
		HSTSMaxAge:            envInt("SECURE_HSTS_MAX_AGE", 31536000),
		HSTSIncludeSubdomains: envBool("SECURE_HSTS_INCLUDE_SUBDOMAINS", true),
	}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Probes{DB: pool, Redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		Logger:       logger,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(authMiddleware.RequireAuth)
		v.Use(security.BodyLimit{Max: int64(envInt("SECURE_MAX_BODY_BYTES", 16<<10)), RequireJSON: true}.Middleware)

		v.Route("/checkout", func(c chi.Router) {
			c.Use(limit.Middleware)
			c.Post("/quote", checkoutHandler.Quote)
			c.Group(func(g chi.Router) {
				g.Use(idem.Middleware)
				g.Post("/intent", checkoutHandler.Intent)
				g.Post("/verify", checkoutHandler.Verify)
				g.Post("/pending", checkoutHandler.Pending)
			})
		})
		v.Get("/orders/{orderId}", orderHandler.Get)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("gateway", gateway.Name()).Bool("queue", cfg.QueueEnabled).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-sigCtx.Done()
	health.SetReady(false)
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	dispatcher.Wait()
}

func openPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "poster-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func openRedis(ctx context.Context, cfg *config.Config, metrics bool, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

// newGateway returns the configured gateway and the public key the storefront
// widget needs for it.
func newGateway(cfg *config.Config, logger zerolog.Logger) (payment.Gateway, string) {
	if cfg.PaymentProvider != config.ProviderRazorpay {
		logger.Warn().Msg("using sandbox payment gateway")
		return payment.Sandbox{Secret: cfg.RazorpayKeySecret}, ""
	}
	breaker := resilience.NewBreaker(
		envInt("PAYMENT_BREAKER_MIN_REQUESTS", 5),
		envFloat("PAYMENT_BREAKER_FAILURE_RATIO", 0.5),
		envDurationMillis("PAYMENT_BREAKER_OPEN_MS", 30000),
	).WithTarget("razorpay").WithLogger(logger)
	return payment.Razorpay{
		KeyID:     cfg.RazorpayKeyID,
		KeySecret: cfg.RazorpayKeySecret,
		BaseURL:   cfg.RazorpayBaseURL,
		HTTP: resilience.HTTPClient{
			Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker: breaker,
			Timeout: cfg.GatewayTimeout,
		},
	}, cfg.RazorpayKeyID
}

// inlineNotifiers delivers notifications from the API process when no queue is available.
func inlineNotifiers(cfg *config.Config, logger zerolog.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.EmailNotifier{
		Mail:          common.LogEmailSender{Logger: logger},
		Enabled:       cfg.NotifyEmailEnabled,
		From:          cfg.NotifyEmailFrom,
		OperatorEmail: cfg.NotifyOperatorEmail,
	}}
	if len(cfg.KafkaBrokers) == 0 {
		return notifiers
	}
	producer, err := notify.NewKafkaProducer(cfg.KafkaBrokers)
	if err != nil {
		logger.Error().Err(err).Msg("kafka producer unavailable; operator alerts go to email only")
		return notifiers
	}
	return append(notifiers, notify.KafkaNotifier{
		Producer: producer,
		Topic:    cfg.KafkaAlertTopic,
		Topics:   map[string]bool{notify.TopicCommissionFailed: true, notify.TopicPaymentUnmatched: true},
		Logger:   logger,
	})
}

func allowedOrigins(cfg *config.Config) string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return "*"
	}
	return strings.Join(cfg.CORSAllowedOrigins, ",")
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
