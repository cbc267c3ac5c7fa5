package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/textile-orderflow/internal/catalog"
	"github.com/utafrali/textile-orderflow/internal/config"
	"github.com/utafrali/textile-orderflow/internal/consumer"
	"github.com/utafrali/textile-orderflow/internal/event"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/internal/gateway/hosted"
	"github.com/utafrali/textile-orderflow/internal/gateway/mock"
	handler "github.com/utafrali/textile-orderflow/internal/handler/http"
	"github.com/utafrali/textile-orderflow/internal/notification"
	"github.com/utafrali/textile-orderflow/internal/repository/postgres"
	"github.com/utafrali/textile-orderflow/internal/service"
	"github.com/utafrali/textile-orderflow/internal/shipping"
	"github.com/utafrali/textile-orderflow/migrations"
	"github.com/utafrali/textile-orderflow/pkg/database"
	"github.com/utafrali/textile-orderflow/pkg/health"
	"github.com/utafrali/textile-orderflow/pkg/httpclient"
	pkgkafka "github.com/utafrali/textile-orderflow/pkg/kafka"
	"github.com/utafrali/textile-orderflow/pkg/tracing"
)

const (
	serviceName = "orderflow"

	callbackDedupPrefix = "orderflow:callback:"
	callbackDedupTTL    = 24 * time.Hour
)

// App wires together all dependencies and runs the orderflow service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	callbacks      *pkgkafka.Consumer
	sweeper        *service.Sweeper
	httpServer     *http.Server
	tracerShutdown tracing.ShutdownFunc
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Shipping rates are validated before anything is connected.
	rates, err := shipping.Load(cfg.ShippingRatesFile)
	if err != nil {
		return nil, fmt.Errorf("load shipping rates: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		URL:             cfg.DatabaseURL,
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		ApplicationName: serviceName,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.PoolMaxConnLifetime(),
		MaxConnIdleTime: cfg.PoolMaxConnIdleTime(),
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, serviceName)

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Redis holds the sweeper lock and the callback dedup keys.
	redisClient, err := database.NewRedisClient(ctx, database.RedisConfig{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("host", cfg.RedisHost), slog.Int("port", cfg.RedisPort))

	// Initialize Kafka producer.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	sessionRepo := postgres.NewSessionRepository(pool)
	correlationRepo := postgres.NewCorrelationRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	eventProducer := event.NewProducer(producer, logger)
	notifier := notification.NewKafkaNotifier(producer, logger)

	catalogClient := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.Config{
			Timeout:         10 * time.Second,
			MaxRetries:      3,
			RetryWaitMin:    500 * time.Millisecond,
			RetryWaitMax:    5 * time.Second,
			MaxConnsPerHost: 100,
		}),
		breakerConfig(cfg, "catalog"),
		logger,
	)
	productCatalog := catalog.NewClient(catalogClient, cfg.CatalogServiceURL, logger)

	provider, err := newProvider(cfg, logger)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		_ = producer.Close()
		return nil, err
	}
	gw := gateway.NewAdapter(provider, cfg.GatewayTimeout, cfg.GatewayCallback, logger)
	logger.Info("payment gateway initialized",
		slog.String("provider", provider.Name()),
		slog.Duration("timeout", cfg.GatewayTimeout),
	)

	sessionService := service.NewSessionService(
		sessionRepo,
		correlationRepo,
		productCatalog,
		rates,
		gw,
		eventProducer,
		logger,
		cfg.SessionTTL,
	)
	finalizer := service.NewFinalizer(sessionRepo, correlationRepo, orderRepo, gw, eventProducer, logger)
	orderService := service.NewOrderService(orderRepo, notifier, logger)
	sweeper := service.NewSweeper(sessionService, redisClient, cfg.SweepInterval, logger)

	// Relayed gateway callbacks, deduplicated by event id.
	var (
		dlq       *pkgkafka.DLQProducer
		callbacks *pkgkafka.Consumer
	)
	if cfg.CallbackConsumerEnabled {
		dlq = pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
		relay := consumer.NewCallbackRelay(finalizer, logger)
		callbacks = pkgkafka.NewConsumer(
			pkgkafka.ConsumerConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.CallbackConsumerGroup,
				Topic:   consumer.TopicCallbackReceived,
			},
			pkgkafka.IdempotentHandler(
				pkgkafka.NewRedisIdempotencyStore(redisClient, callbackDedupPrefix, callbackDedupTTL),
				relay.Handle,
				logger,
			),
			logger,
			pkgkafka.WithDeadLetter(dlq),
		)
		logger.Info("callback consumer initialized",
			slog.String("topic", consumer.TopicCallbackReceived),
			slog.String("group", cfg.CallbackConsumerGroup),
		)
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(sessionService, finalizer, orderService, healthHandler, handler.RouterConfig{
		CORSOrigins:     cfg.CORSAllowedOrigins,
		JWTSecret:       cfg.JWTSecret,
		TrustUserHeader: cfg.TrustUserHeader,
		PprofCIDRs:      cfg.PprofAllowedCIDRs,
		SuccessURL:      cfg.StorefrontSuccessURL,
		FailureURL:      cfg.StorefrontFailureURL,
		RequestTimeout:  cfg.GatewayTimeout + 15*time.Second,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		dlq:            dlq,
		callbacks:      callbacks,
		sweeper:        sweeper,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

func breakerConfig(cfg *config.Config, name string) httpclient.CircuitBreakerConfig {
	return httpclient.CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     time.Duration(cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}
}

func newProvider(cfg *config.Config, logger *slog.Logger) (gateway.Provider, error) {
	switch cfg.GatewayProvider {
	case "mock":
		logger.Warn("using the in-memory mock payment provider; no real charges are made")
		return mock.NewProvider(), nil
	case "hosted":
		client := httpclient.NewCircuitBreakerClient(
			httpclient.New(httpclient.Config{
				Timeout:         cfg.GatewayTimeout,
				MaxRetries:      2,
				RetryWaitMin:    500 * time.Millisecond,
				RetryWaitMax:    2 * time.Second,
				MaxConnsPerHost: 50,
			}),
			breakerConfig(cfg, "payment-gateway"),
			logger,
		)
		return hosted.NewProvider(client, hosted.Config{
			BaseURL:   cfg.GatewayBaseURL,
			APIKey:    cfg.GatewayAPIKey,
			SecretKey: cfg.GatewaySecretKey,
		}), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
	}
}

// Run starts the HTTP server, the expiry sweeper and the callback consumer,
// and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	workers.Add(1)
	go func() {
		defer workers.Done()
		a.sweeper.Run(workerCtx)
	}()

	if a.callbacks != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := a.callbacks.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("callback consumer: %w", err)
			}
		}()
	}

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("component failed", slog.String("error", runErr.Error()))
	}

	return errors.Join(runErr, a.Shutdown(stopWorkers, &workers))
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Background workers (sweeper, callback consumer)
// 3. Tracer (flush pending spans)
// 4. Kafka producers
// 5. Redis client and PostgreSQL pool
func (a *App) Shutdown(stopWorkers context.CancelFunc, workers *sync.WaitGroup) error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Stop workers; a sweep or callback in progress finishes first.
	stopWorkers()
	if a.callbacks != nil {
		if err := a.callbacks.Close(); err != nil {
			a.logger.Error("callback consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	workers.Wait()

	// 3. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka producers.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.Error("dlq producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 5. Close Redis and PostgreSQL.
	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
