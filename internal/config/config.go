package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const minAdminTokenLen = 24

var (
	current *Config
	mu      sync.RWMutex
)

// Config is the full runtime configuration of the trust engine service.
type Config struct {
	Environment string
	PolicyFile  string

	Server        ServerConfig
	Logging       LoggingConfig
	Engine        EngineConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Scylla        ScyllaConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
	// AdminToken is the bearer token the administrative API requires. The
	// API refuses every change while it is empty.
	AdminToken string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// EngineConfig holds the thresholds and capacities of the assessment engine.
type EngineConfig struct {
	DefaultDeny bool

	// GuardTrustLevel is the required trust level the service guard passes
	// to every enforcement; 0 disables the check.
	GuardTrustLevel float64

	ServiceRateLimit int
	UserRateLimit    int
	RateLimitWindow  time.Duration
	RateLimitBackend string // "memory" or "redis"

	BurstThreshold int
	BurstWindow    time.Duration

	AnomalyThreshold     float64
	RapidOperationLimit  int
	RapidOperationWindow time.Duration

	NormalHoursStart int
	NormalHoursEnd   int

	AuditRetention      time.Duration
	AuditCapacity       int
	AnomalyCapacity     int
	AssessmentCacheSize int

	ServiceHistorySize   int
	ComponentHistorySize int
	UserHistorySize      int

	ComponentIntegrityScore float64
	DependencyScore         float64

	SensitivePathPrefixes []string
	KnownServices         []string
	TrustedNetworks       []string

	SweepInterval time.Duration
	Shards        int
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	Database   string
	AuditTable string
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

// AuditConfig controls the asynchronous export of audit events to durable sinks.
type AuditConfig struct {
	ExportEnabled bool
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	BatchesPerSec float64
	PseudonymKey  string
	SinkTimeout   time.Duration
}

// LoadConfig reads .env files (if any) and the process environment.
func LoadConfig(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else {
		_ = godotenv.Load(envFiles...)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		PolicyFile:  getEnv("POLICY_FILE", ""),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:  getEnvSlice("SERVER_CORS_ORIGINS", []string{"https://*"}),
			AdminToken:   getEnv("SERVER_ADMIN_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Engine: DefaultEngineConfig(),
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "security.audit"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "security-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:    getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:        getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:   getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:   getEnv("CLICKHOUSE_DATABASE", "security"),
			AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "audit_events"),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvBool("SCYLLA_ENABLED", false),
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "security"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Audit: AuditConfig{
			ExportEnabled: getEnvBool("AUDIT_EXPORT_ENABLED", false),
			QueueSize:     getEnvInt("AUDIT_EXPORT_QUEUE_SIZE", 4096),
			BatchSize:     getEnvInt("AUDIT_EXPORT_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("AUDIT_EXPORT_FLUSH_INTERVAL", 2*time.Second),
			BatchesPerSec: getEnvFloat("AUDIT_EXPORT_BATCHES_PER_SEC", 20),
			PseudonymKey:  getEnv("AUDIT_PSEUDONYM_KEY", ""),
			SinkTimeout:   getEnvDuration("AUDIT_SINK_TIMEOUT", 5*time.Second),
		},
	}

	e := &cfg.Engine
	e.DefaultDeny = getEnvBool("ENGINE_DEFAULT_DENY", e.DefaultDeny)
	e.ServiceRateLimit = getEnvInt("ENGINE_SERVICE_RATE_LIMIT", e.ServiceRateLimit)
	e.UserRateLimit = getEnvInt("ENGINE_USER_RATE_LIMIT", e.UserRateLimit)
	e.RateLimitWindow = getEnvDuration("ENGINE_RATE_LIMIT_WINDOW", e.RateLimitWindow)
	e.RateLimitBackend = getEnv("RATE_LIMIT_BACKEND", e.RateLimitBackend)
	e.BurstThreshold = getEnvInt("ENGINE_BURST_THRESHOLD", e.BurstThreshold)
	e.BurstWindow = getEnvDuration("ENGINE_BURST_WINDOW", e.BurstWindow)
	e.AnomalyThreshold = getEnvFloat("ENGINE_ANOMALY_THRESHOLD", e.AnomalyThreshold)
	e.RapidOperationLimit = getEnvInt("ENGINE_RAPID_OPERATION_LIMIT", e.RapidOperationLimit)
	e.RapidOperationWindow = getEnvDuration("ENGINE_RAPID_OPERATION_WINDOW", e.RapidOperationWindow)
	e.GuardTrustLevel = getEnvFloat("ENGINE_GUARD_TRUST_LEVEL", e.GuardTrustLevel)
	e.NormalHoursStart = getEnvInt("ENGINE_NORMAL_HOURS_START", e.NormalHoursStart)
	e.NormalHoursEnd = getEnvInt("ENGINE_NORMAL_HOURS_END", e.NormalHoursEnd)
	e.AuditRetention = getEnvDuration("ENGINE_AUDIT_RETENTION", e.AuditRetention)
	e.AuditCapacity = getEnvInt("ENGINE_AUDIT_CAPACITY", e.AuditCapacity)
	e.AnomalyCapacity = getEnvInt("ENGINE_ANOMALY_CAPACITY", e.AnomalyCapacity)
	e.AssessmentCacheSize = getEnvInt("ENGINE_ASSESSMENT_CACHE_SIZE", e.AssessmentCacheSize)
	e.ComponentIntegrityScore = getEnvFloat("ENGINE_COMPONENT_INTEGRITY_SCORE", e.ComponentIntegrityScore)
	e.DependencyScore = getEnvFloat("ENGINE_DEPENDENCY_SCORE", e.DependencyScore)
	e.SensitivePathPrefixes = getEnvSlice("ENGINE_SENSITIVE_PATHS", e.SensitivePathPrefixes)
	e.KnownServices = getEnvSlice("ENGINE_KNOWN_SERVICES", e.KnownServices)
	e.TrustedNetworks = getEnvSlice("ENGINE_TRUSTED_NETWORKS", e.TrustedNetworks)
	e.SweepInterval = getEnvDuration("ENGINE_SWEEP_INTERVAL", e.SweepInterval)
	e.Shards = getEnvInt("ENGINE_SHARDS", e.Shards)

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// DefaultEngineConfig returns the engine defaults used when no environment
// overrides are present.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultDeny:             true,
		ServiceRateLimit:        1000,
		UserRateLimit:           100,
		RateLimitWindow:         time.Minute,
		RateLimitBackend:        "memory",
		BurstThreshold:          20,
		BurstWindow:             5 * time.Minute,
		AnomalyThreshold:        0.3,
		RapidOperationLimit:     50,
		RapidOperationWindow:    time.Minute,
		NormalHoursStart:        6,
		NormalHoursEnd:          22,
		AuditRetention:          180 * 24 * time.Hour,
		AuditCapacity:           100000,
		AnomalyCapacity:         10000,
		AssessmentCacheSize:     10000,
		ServiceHistorySize:      200,
		ComponentHistorySize:    100,
		UserHistorySize:         100,
		ComponentIntegrityScore: 0.7,
		DependencyScore:         0.8,
		SensitivePathPrefixes:   []string{"/secure", "/admin", "/keys", "/credentials"},
		KnownServices:           []string{"core", "security", "rdp", "vpn", "tor", "proxy", "ledger", "api"},
		TrustedNetworks:         []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"},
		SweepInterval:           5 * time.Minute,
		Shards:                  32,
	}
}

// Validate reports configuration values the engine cannot operate with.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.ServiceRateLimit <= 0 || e.UserRateLimit <= 0:
		return fmt.Errorf("rate limits must be positive (service=%d, user=%d)", e.ServiceRateLimit, e.UserRateLimit)
	case e.RateLimitWindow <= 0:
		return fmt.Errorf("rate limit window must be positive")
	case e.RateLimitBackend != "memory" && e.RateLimitBackend != "redis":
		return fmt.Errorf("unknown rate limit backend %q", e.RateLimitBackend)
	case e.AnomalyThreshold < 0 || e.AnomalyThreshold > 1:
		return fmt.Errorf("anomaly threshold %.2f outside [0,1]", e.AnomalyThreshold)
	case e.GuardTrustLevel < 0 || e.GuardTrustLevel > 1:
		return fmt.Errorf("guard trust level %.2f outside [0,1]", e.GuardTrustLevel)
	case e.ComponentIntegrityScore < 0 || e.ComponentIntegrityScore > 1:
		return fmt.Errorf("component integrity score %.2f outside [0,1]", e.ComponentIntegrityScore)
	case e.DependencyScore < 0 || e.DependencyScore > 1:
		return fmt.Errorf("dependency score %.2f outside [0,1]", e.DependencyScore)
	case e.NormalHoursStart < 0 || e.NormalHoursStart > 23 || e.NormalHoursEnd < 1 || e.NormalHoursEnd > 24:
		return fmt.Errorf("normal hours window %d-%d out of range", e.NormalHoursStart, e.NormalHoursEnd)
	case e.AuditRetention <= 0:
		return fmt.Errorf("audit retention must be positive")
	case e.Shards <= 0:
		return fmt.Errorf("shard count must be positive")
	}
	if t := c.Server.AdminToken; t != "" && len(t) < minAdminTokenLen {
		return fmt.Errorf("admin token must be at least %d characters", minAdminTokenLen)
	}
	if c.Audit.ExportEnabled && c.Audit.BatchSize <= 0 {
		return fmt.Errorf("audit export batch size must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
