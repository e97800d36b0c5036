package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trust-engine/internal/audit"
	"trust-engine/internal/client"
	"trust-engine/internal/config"
	"trust-engine/internal/engine"
	"trust-engine/internal/repository/redis"
	"trust-engine/internal/repository/scylla"
	"trust-engine/internal/service"
	"trust-engine/internal/tls"
	"trust-engine/internal/util"
)

// Options are the command-line overrides applied on top of the environment.
type Options struct {
	EnvFiles   []string
	PolicyFile string
	LogLevel   string
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	sinks          []audit.Sink
	exporter       *audit.Exporter
	engine         *engine.Engine
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory(opts Options) (*Factory, error) {
	cfg := config.LoadConfig(opts.EnvFiles...)
	if opts.PolicyFile != "" {
		cfg.PolicyFile = opts.PolicyFile
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		logger: logger,
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	if err := factory.initializeClients(); err != nil {
		factory.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeEngine(); err != nil {
		factory.closeClients()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	factory.serviceFactory = service.NewServiceFactory(factory.engine, cfg.Engine.GuardTrustLevel, logger)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("rate_limit_backend", cfg.Engine.RateLimitBackend),
		util.Int("audit_sinks", len(factory.sinks)),
	)

	return factory, nil
}

// initializeClients connects the enabled collaborators. A failure is fatal
// in production; elsewhere the collaborator is skipped with a warning.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error
	cfg := f.config

	if cfg.Engine.RateLimitBackend == "redis" {
		// No silent fallback to memory: limits would stop being shared.
		c, err := client.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		util.Info("Redis client initialized and healthy")
	}

	if cfg.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.HealthCheck(); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			f.scyllaClient = c
			f.sinks = append(f.sinks, scylla.NewAuditRepository(c, cfg.Engine.AuditRetention))
		}
	}

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg, f.logger.Named("kafka")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			f.sinks = append(f.sinks, producer)
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg, f.logger.Named("elasticsearch")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			f.sinks = append(f.sinks, c)
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			f.sinks = append(f.sinks, c)
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeEngine() error {
	var opts []engine.Option

	if f.redisClient != nil {
		opts = append(opts, engine.WithRateLimiter(redis.NewRateLimitCache(f.redisClient, f.logger.Named("rate_limit"))))
	}

	if f.config.Audit.ExportEnabled {
		if len(f.sinks) == 0 {
			util.Warn("Audit export enabled but no sink is configured")
		} else {
			exporter, err := audit.NewExporter(f.config.Audit, f.logger.Named("audit"), f.sinks...)
			if err != nil {
				return err
			}
			f.exporter = exporter
			opts = append(opts, engine.WithAuditObserver(exporter))
		}
	}

	eng, err := engine.New(f.config.Engine, f.logger.Named("engine"), opts...)
	if err != nil {
		return err
	}
	f.engine = eng

	// the admin API is enforced like any other caller; its keys are only
	// admitted when a token guards it
	if f.config.Server.AdminToken != "" {
		for _, op := range service.AdminOperations {
			if err := eng.AddToWhitelist(service.AdminOperationKey(op)); err != nil {
				return err
			}
		}
	} else {
		util.Warn("SERVER_ADMIN_TOKEN is not set; administrative API disabled")
	}

	if f.config.PolicyFile != "" {
		pf, err := config.LoadPolicyFile(f.config.PolicyFile)
		if err != nil {
			return err
		}
		if err := eng.ApplyPolicyFile(pf); err != nil {
			return fmt.Errorf("failed to apply policy file %s: %w", f.config.PolicyFile, err)
		}
		util.Info("Policy file applied",
			util.String("path", f.config.PolicyFile),
			util.Int("policies", len(pf.Policies)),
			util.Int("whitelist", len(pf.Whitelist)),
		)
	}
	return nil
}

// Start launches the background loops: the engine sweep and the audit exporter.
func (f *Factory) Start(ctx context.Context) {
	f.engine.Start(ctx)
	if f.exporter != nil {
		f.exporter.Start(ctx)
	}
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.engine == nil {
		healthErrors["engine"] = fmt.Errorf("engine not initialized")
	}

	return healthErrors
}

// IsHealthy ignores the audit sinks: export failures never affect decisions.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	for _, sink := range []string{"kafka", "elasticsearch", "clickhouse", "scylla"} {
		delete(healthErrors, sink)
	}
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.engine != nil {
			f.engine.Close()
			util.Info("Engine stopped")
		}

		// After the engine, so that the last events still reach the sinks.
		if f.exporter != nil {
			f.exporter.Close()
		}

		f.closeClients()

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) closeClients() {
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		}
	}

	if f.esClient != nil {
		f.esClient.Close()
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		}
	}

	if f.scyllaClient != nil {
		f.scyllaClient.Close()
	}

	if f.redisClient != nil {
		_ = f.redisClient.Close()
	}
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Engine() *engine.Engine {
	return f.engine
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}
