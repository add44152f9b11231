package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	LDAP          LDAPConfig
	Observability ObservabilityConfig
	Audit         AuditConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int `validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	// Pre-authentication flood guard applied per client address on the events endpoint.
	IPRequestsPerSecond float64
	IPBurst             int
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
// A zero-valued DatabaseConfig (no URL, no host) disables the Postgres identity directory.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the TTL key-value store client settings.
// Every store operation is bounded by these timeouts.
type RedisConfig struct {
	URL          string        `validate:"required"`
	DialTimeout  time.Duration `validate:"gt=0"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	PoolSize     int           `validate:"gte=0"`
}

// AuthConfig is the immutable settings bundle shared by the token issuer,
// session store, rate limiter and signature verifier. It is built once at
// startup and passed by value to constructors.
type AuthConfig struct {
	SigningSecret        string        `validate:"required,min=16"`
	SigningAlgorithm     string        `validate:"oneof=HS256 HS384 HS512"`
	TokenLifetime        time.Duration `validate:"gt=0"`
	SessionTTL           time.Duration `validate:"gt=0"`
	MaxSessionsPerUser   int           `validate:"gt=0"`
	RateLimitRequests    int           `validate:"gt=0"`
	RateLimitWindow      time.Duration `validate:"gt=0"`
	StoreURL             string        `validate:"required"`
	RequestSigningSecret string
	EncryptionKey        string        `validate:"required,min=16"`
	ReplayWindow         time.Duration `validate:"gt=0"`
}

// LDAPConfig points the gateway at an LDAP server used to enrich mapped
// identities. An empty Server disables the lookup.
type LDAPConfig struct {
	Server       string // ldap:// or ldaps:// URL
	BaseDN       string
	BindDN       string
	BindPassword string
	Timeout      time.Duration
}

// Enabled reports whether an LDAP server was configured.
func (c *LDAPConfig) Enabled() bool {
	return c.Server != ""
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogFormat      string `validate:"oneof=json text"` // json or text
	MetricsEnabled bool
}

// AuditConfig sizes the asynchronous audit pipeline.
type AuditConfig struct {
	BufferSize  int
	WorkerCount int
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	redisURL := getEnv("REDIS_URL", "redis://localhost:6379/0")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:                getEnv("SERVER_HOST", "0.0.0.0"),
			Port:                getPort(),
			ReadTimeout:         getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:        getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout:     getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:      getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"https://*"}),
			IPRequestsPerSecond: getEnvAsFloat("IP_RATE_LIMIT_PER_SECOND", 20),
			IPBurst:             getEnvAsInt("IP_RATE_LIMIT_BURST", 40),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			URL:          redisURL,
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", time.Second),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 0),
		},
		Auth: AuthConfig{
			SigningSecret:        getEnv("JWT_SECRET_KEY", ""),
			SigningAlgorithm:     getEnv("JWT_ALGORITHM", "HS256"),
			TokenLifetime:        time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,
			SessionTTL:           time.Duration(getEnvAsInt("REDIS_SESSION_TTL", 3600)) * time.Second,
			MaxSessionsPerUser:   getEnvAsInt("MAX_SESSIONS_PER_USER", 5),
			RateLimitRequests:    getEnvAsInt("RATE_LIMIT_PER_USER_PER_MINUTE", 10),
			RateLimitWindow:      time.Duration(getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
			StoreURL:             redisURL,
			RequestSigningSecret: getEnv("SLACK_SIGNING_SECRET", ""),
			EncryptionKey:        getEnv("ENCRYPTION_KEY", ""),
			ReplayWindow:         getEnvAsDuration("REQUEST_REPLAY_WINDOW", 5*time.Minute),
		},
		LDAP: LDAPConfig{
			Server:       getEnv("LDAP_SERVER", ""),
			BaseDN:       getEnv("LDAP_BASE_DN", ""),
			BindDN:       getEnv("LDAP_BIND_USER", ""),
			BindPassword: getEnv("LDAP_BIND_PASSWORD", ""),
			Timeout:      getEnvAsDuration("LDAP_TIMEOUT", 5*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		Audit: AuditConfig{
			BufferSize:  getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			WorkerCount: getEnvAsInt("AUDIT_WORKERS", 2),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints and the cross-field rules validator tags cannot express
func (c *Config) Validate() error {
	for _, section := range []interface{}{c.Server, c.Redis, c.Auth, c.Observability} {
		if err := validate.Struct(section); err != nil {
			return err
		}
	}

	if c.Auth.SigningSecret == c.Auth.EncryptionKey {
		return fmt.Errorf("JWT_SECRET_KEY and ENCRYPTION_KEY must differ")
	}

	// The inbound request secret is mandatory outside development
	if !c.IsDevelopment() && c.Auth.RequestSigningSecret == "" {
		return fmt.Errorf("SLACK_SIGNING_SECRET is required in %s", c.Environment)
	}

	if c.LDAP.Enabled() {
		if c.LDAP.BaseDN == "" {
			return fmt.Errorf("LDAP_BASE_DN is required when LDAP_SERVER is set")
		}
		if c.LDAP.Timeout <= 0 {
			return fmt.Errorf("LDAP_TIMEOUT must be positive")
		}
	}

	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Enabled reports whether a Postgres directory was configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// LogString returns the store address without credentials.
func (c *RedisConfig) LogString() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "redis=<unparsable>"
	}
	return fmt.Sprintf("addr=%s db=%s", u.Host, strings.TrimPrefix(u.Path, "/"))
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// Nothing set means no relational directory.
func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	if host := getEnv("DB_HOST", ""); host != "" {
		pool.Host = host
		pool.Port = getEnvAsInt("DB_PORT", 5432)
		pool.User = getEnv("DB_USER", "")
		pool.Password = getEnv("DB_PASSWORD", "")
		pool.Database = getEnv("DB_NAME", "")
		pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	}
	return pool
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
