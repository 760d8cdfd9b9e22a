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

// Config holds all application configuration loaded from the environment
type Config struct {
	Environment string

	Server        ServerConfig
	KDF           KDFConfig
	Nonce         NonceConfig
	DeviceTrust   DeviceTrustConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	RateLimit     RateLimitConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// KDFConfig carries the Argon2id cost parameters and the keyed-hash salt
// key used by key derivation. The salt key must be stable across deploys:
// changing it changes every derived keypair.
type KDFConfig struct {
	Argon2MemoryKiB   int
	Argon2Iterations  int
	Argon2Parallelism int
	SaltKey           string
}

type NonceConfig struct {
	Secret string
	TTL    time.Duration
}

type DeviceTrustConfig struct {
	CookieName string
	TTL        time.Duration
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers    []string
	EventTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	IdentityBuckets int
	EventBuckets    int
}

type RateLimitConfig struct {
	LoginAttempts int
	LoginWindow   time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig loads configuration from .env (if present) and the environment
func LoadConfig() *Config {
	loadOnce.Do(func() {
		// .env is optional; real deployments inject the environment directly
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/cache/autocert"),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			KDF: KDFConfig{
				Argon2MemoryKiB:   getEnvInt("KDF_ARGON2_MEMORY_KIB", 65536),
				Argon2Iterations:  getEnvInt("KDF_ARGON2_ITERATIONS", 3),
				Argon2Parallelism: getEnvInt("KDF_ARGON2_PARALLELISM", 2),
				SaltKey:           getEnv("KDF_SALT_KEY", ""),
			},
			Nonce: NonceConfig{
				Secret: getEnv("NONCE_SECRET", ""),
				TTL:    getEnvDuration("NONCE_TTL", 300*time.Second),
			},
			DeviceTrust: DeviceTrustConfig{
				CookieName: getEnv("DEVICE_TRUST_COOKIE", "keyauth_device_trust"),
				TTL:        getEnvDuration("DEVICE_TRUST_TTL", 90*24*time.Hour),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "127.0.0.1:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "keyauth"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Brokers:    splitList(getEnv("KAFKA_BROKERS", "127.0.0.1:9092")),
				EventTopic: getEnv("KAFKA_EVENT_TOPIC", "identity-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://127.0.0.1:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "keyauth"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:      getEnv("ELASTICSEARCH_URL", "http://127.0.0.1:9200"),
				Username: getEnv("ELASTICSEARCH_USERNAME", ""),
				Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Bucketing: BucketingConfig{
				IdentityBuckets: getEnvInt("BUCKETING_IDENTITY_BUCKETS", 64),
				EventBuckets:    getEnvInt("BUCKETING_EVENT_BUCKETS", 16),
			},
			RateLimit: RateLimitConfig{
				LoginAttempts: getEnvInt("RATE_LIMIT_LOGIN_ATTEMPTS", 10),
				LoginWindow:   getEnvDuration("RATE_LIMIT_LOGIN_WINDOW", 5*time.Minute),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded configuration, loading it on first use
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

// Validate checks the settings that must be present before serving traffic
func (c *Config) Validate() error {
	if c.Nonce.Secret == "" {
		return fmt.Errorf("NONCE_SECRET is required")
	}
	if c.KDF.SaltKey == "" {
		return fmt.Errorf("KDF_SALT_KEY is required")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.IsProduction() && !c.Server.EnableTLS {
		return fmt.Errorf("TLS must be enabled in production")
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
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
