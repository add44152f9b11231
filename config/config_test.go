package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "jwt-secret-0123456789abcdef"
	testEncryptionKey = "enc-key-0123456789abcdef"
)

func baseEnv() map[string]string {
	return map[string]string{
		"ENVIRONMENT":    "development",
		"JWT_SECRET_KEY": testJWTSecret,
		"ENCRYPTION_KEY": testEncryptionKey,
	}
}

func withEnv(extra map[string]string) map[string]string {
	env := baseEnv()
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8080},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Auth: AuthConfig{
			SigningSecret:      testJWTSecret,
			SigningAlgorithm:   "HS256",
			TokenLifetime:      24 * time.Hour,
			SessionTTL:         time.Hour,
			MaxSessionsPerUser: 5,
			RateLimitRequests:  10,
			RateLimitWindow:    time.Minute,
			StoreURL:           "redis://localhost:6379/0",
			EncryptionKey:      testEncryptionKey,
			ReplayWindow:       5 * time.Minute,
		},
		Observability: ObservabilityConfig{LogLevel: "info", LogFormat: "json"},
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name:    "default configuration",
			envVars: baseEnv(),
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "HS256", cfg.Auth.SigningAlgorithm)
				assert.Equal(t, 24*time.Hour, cfg.Auth.TokenLifetime)
				assert.Equal(t, time.Hour, cfg.Auth.SessionTTL)
				assert.Equal(t, 5, cfg.Auth.MaxSessionsPerUser)
				assert.Equal(t, 10, cfg.Auth.RateLimitRequests)
				assert.Equal(t, time.Minute, cfg.Auth.RateLimitWindow)
				assert.Equal(t, "redis://localhost:6379/0", cfg.Auth.StoreURL)
				assert.Equal(t, 5*time.Minute, cfg.Auth.ReplayWindow)
				assert.False(t, cfg.Database.Enabled())
				assert.False(t, cfg.LDAP.Enabled())
			},
		},
		{
			name: "ldap lookup",
			envVars: withEnv(map[string]string{
				"LDAP_SERVER":        "ldaps://ldap.internal:636",
				"LDAP_BASE_DN":       "ou=people,dc=example,dc=org",
				"LDAP_BIND_USER":     "cn=gateway,dc=example,dc=org",
				"LDAP_BIND_PASSWORD": "bind-secret",
			}),
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.LDAP.Enabled())
				assert.Equal(t, "ou=people,dc=example,dc=org", cfg.LDAP.BaseDN)
				assert.Equal(t, "cn=gateway,dc=example,dc=org", cfg.LDAP.BindDN)
				assert.Equal(t, "bind-secret", cfg.LDAP.BindPassword)
				assert.Equal(t, 5*time.Second, cfg.LDAP.Timeout)
			},
		},
		{
			name:    "ldap server without base dn",
			envVars: withEnv(map[string]string{"LDAP_SERVER": "ldap://ldap.internal"}),
			wantErr: true,
		},
		{
			name: "auth overrides",
			envVars: withEnv(map[string]string{
				"JWT_ALGORITHM":                  "HS512",
				"JWT_EXPIRATION_HOURS":           "2",
				"REDIS_SESSION_TTL":              "120",
				"MAX_SESSIONS_PER_USER":          "3",
				"RATE_LIMIT_PER_USER_PER_MINUTE": "30",
				"RATE_LIMIT_WINDOW_SECONDS":      "10",
				"REDIS_URL":                      "redis://cache:6380/2",
			}),
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "HS512", cfg.Auth.SigningAlgorithm)
				assert.Equal(t, 2*time.Hour, cfg.Auth.TokenLifetime)
				assert.Equal(t, 2*time.Minute, cfg.Auth.SessionTTL)
				assert.Equal(t, 3, cfg.Auth.MaxSessionsPerUser)
				assert.Equal(t, 30, cfg.Auth.RateLimitRequests)
				assert.Equal(t, 10*time.Second, cfg.Auth.RateLimitWindow)
				assert.Equal(t, "redis://cache:6380/2", cfg.Auth.StoreURL)
				assert.Equal(t, "redis://cache:6380/2", cfg.Redis.URL)
			},
		},
		{
			name: "PORT env var takes precedence over SERVER_PORT",
			envVars: withEnv(map[string]string{
				"PORT":        "9443",
				"SERVER_PORT": "9000",
			}),
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9443, cfg.Server.Port)
			},
		},
		{
			name: "database from DB_* vars",
			envVars: withEnv(map[string]string{
				"DB_HOST": "db.internal",
				"DB_PORT": "5433",
				"DB_USER": "gateway",
				"DB_NAME": "identity",
			}),
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Database.Enabled())
				assert.Equal(t, "db.internal", cfg.Database.Host)
				assert.Equal(t, 5433, cfg.Database.Port)
			},
		},
		{
			name: "observability and audit",
			envVars: withEnv(map[string]string{
				"LOG_LEVEL":         "debug",
				"LOG_FORMAT":        "text",
				"METRICS_ENABLED":   "false",
				"AUDIT_BUFFER_SIZE": "50",
				"AUDIT_WORKERS":     "4",
			}),
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Observability.LogLevel)
				assert.Equal(t, "text", cfg.Observability.LogFormat)
				assert.False(t, cfg.Observability.MetricsEnabled)
				assert.Equal(t, 50, cfg.Audit.BufferSize)
				assert.Equal(t, 4, cfg.Audit.WorkerCount)
			},
		},
		{
			name:    "missing jwt secret",
			envVars: map[string]string{"ENVIRONMENT": "development", "ENCRYPTION_KEY": testEncryptionKey},
			wantErr: true,
		},
		{
			name:    "unsupported algorithm",
			envVars: withEnv(map[string]string{"JWT_ALGORITHM": "RS256"}),
			wantErr: true,
		},
		{
			name:    "production without request signing secret",
			envVars: withEnv(map[string]string{"ENVIRONMENT": "production"}),
			wantErr: true,
		},
		{
			name: "production with request signing secret",
			envVars: withEnv(map[string]string{
				"ENVIRONMENT":          "production",
				"SLACK_SIGNING_SECRET": "slack-secret",
			}),
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.Equal(t, "slack-secret", cfg.Auth.RequestSigningSecret)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg, err := New(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid development config",
			mutate: func(c *Config) {},
		},
		{
			name:    "short signing secret",
			mutate:  func(c *Config) { c.Auth.SigningSecret = "short" },
			wantErr: true,
			errMsg:  "SigningSecret",
		},
		{
			name:    "same secret for signing and encryption",
			mutate:  func(c *Config) { c.Auth.EncryptionKey = c.Auth.SigningSecret },
			wantErr: true,
			errMsg:  "must differ",
		},
		{
			name:    "zero session cap",
			mutate:  func(c *Config) { c.Auth.MaxSessionsPerUser = 0 },
			wantErr: true,
			errMsg:  "MaxSessionsPerUser",
		},
		{
			name: "missing database user",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Host: "localhost", Database: "db"}
			},
			wantErr: true,
			errMsg:  "database user is required",
		},
		{
			name: "ldap without timeout",
			mutate: func(c *Config) {
				c.LDAP = LDAPConfig{Server: "ldap://ldap.internal", BaseDN: "dc=example,dc=org"}
			},
			wantErr: true,
			errMsg:  "LDAP_TIMEOUT",
		},
		{
			name: "database url needs no fields",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{ConnectionString: "postgres://u:p@localhost/db"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsProduction())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		Database: "testdb",
		SSLMode:  "disable",
	}

	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
	assert.Equal(t, expected, cfg.DSN())
	assert.NotContains(t, cfg.LogString(), "testpass")
}

func TestRedisConfig_LogString(t *testing.T) {
	cfg := RedisConfig{URL: "redis://:hunter2@cache:6379/1"}
	assert.Equal(t, "addr=cache:6379 db=1", cfg.LogString())
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue int
		want         int
	}{
		{"valid int", "42", 10, 42},
		{"empty value", "", 10, 10},
		{"invalid int", "not-a-number", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv("TEST_INT", tt.value)
			}
			assert.Equal(t, tt.want, getEnvAsInt("TEST_INT", tt.defaultValue))
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue time.Duration
		want         time.Duration
	}{
		{"valid duration", "30s", 10 * time.Second, 30 * time.Second},
		{"empty value", "", 10 * time.Second, 10 * time.Second},
		{"invalid duration", "not-a-duration", 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv("TEST_DURATION", tt.value)
			}
			assert.Equal(t, tt.want, getEnvAsDuration("TEST_DURATION", tt.defaultValue))
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_LIST", " https://a.example.com , ,https://b.example.com")
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, getEnvAsList("TEST_LIST", nil))
}
