package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Routing modes.
const (
	RoutingProxy = "proxy"
	RoutingLocal = "local"
)

// Queue backends.
const (
	QueueDatabase = "db"
	QueueNATS     = "nats"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string
	LogLevel    string
	LogFormat   string // "text" or "json"

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Security
	EncryptionKey []byte // 32 bytes for AES-256-GCM
	APIToken      string // bearer token for /api; empty disables auth

	// Docker settings
	DockerHost    string
	DockerNetwork string

	Sandbox SandboxConfig `yaml:"sandbox"`
	Routing RoutingConfig `yaml:"routing"`

	// Per-session database provisioning. Empty disables provisioning.
	SandboxAdminDSN string

	// Source-control credentials for first-party repositories
	PlatformGitToken     string
	GitOAuthClientID     string
	GitOAuthClientSecret string
	GitOAuthTokenURL     string

	// Build execution
	BuildInline  bool
	QueueBackend string
	NATSURL      string

	// Cleanup sweeper
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	CommandRetention time.Duration

	// Dispatcher settings
	DispatcherEnabled            bool
	DispatcherPollInterval       time.Duration
	DispatcherHeartbeatInterval  time.Duration
	DispatcherHeartbeatTimeout   time.Duration
	DispatcherJobTimeout         time.Duration
	DispatcherStaleJobTimeout    time.Duration
	DispatcherImmediateExecution bool
	JobMaxAttempts               int
}

// SandboxConfig controls how sandbox containers are built.
type SandboxConfig struct {
	Image          string        `yaml:"image"`
	NamePrefix     string        `yaml:"name_prefix"`
	AgentPort      int           `yaml:"agent_port"`
	ServicePort    int           `yaml:"service_port"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	HealthAttempts int           `yaml:"health_attempts"`
	MemoryMB       int64         `yaml:"memory_mb"`
	CPUs           float64       `yaml:"cpus"`
}

// RoutingConfig selects how sandbox services are exposed.
type RoutingConfig struct {
	Mode         string `yaml:"mode"`
	Domain       string `yaml:"domain"`
	EntryPoint   string `yaml:"entrypoint"`
	CertResolver string `yaml:"cert_resolver"`
	PortMin      int    `yaml:"port_min"`
	PortMax      int    `yaml:"port_max"`
}

// Load reads configuration from environment variables, then applies the
// optional YAML overlay named by SANDBOXD_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "text")
	cfg.APIToken = getEnv("API_TOKEN", "")

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite3://./sandboxd.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Security - Encryption key (32 bytes for AES-256)
	encryptionKeyStr := getEnv("ENCRYPTION_KEY", "")
	if encryptionKeyStr == "" {
		// Development default; stored credentials are encrypted but the key isn't secret
		encryptionKeyStr = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	}
	encryptionKey, err := hex.DecodeString(encryptionKeyStr)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes (64 hex chars), got %d bytes", len(encryptionKey))
	}
	cfg.EncryptionKey = encryptionKey

	// Docker
	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.DockerNetwork = getEnv("DOCKER_NETWORK", "")

	// Sandbox
	cfg.Sandbox = SandboxConfig{
		Image:          getEnv("SANDBOX_IMAGE", "ghcr.io/forgeline/sandbox-agent:latest"),
		NamePrefix:     getEnv("SANDBOX_NAME_PREFIX", "sandboxd"),
		AgentPort:      getEnvInt("SANDBOX_AGENT_PORT", 3002),
		ServicePort:    getEnvInt("SANDBOX_SERVICE_PORT", 3000),
		StopTimeout:    getEnvDuration("SANDBOX_STOP_TIMEOUT", 10*time.Second),
		CommandTimeout: getEnvDuration("SANDBOX_COMMAND_TIMEOUT", time.Hour),
		HealthAttempts: getEnvInt("SANDBOX_HEALTH_ATTEMPTS", 30),
		MemoryMB:       int64(getEnvInt("SANDBOX_MEMORY_MB", 0)),
		CPUs:           getEnvFloat("SANDBOX_CPUS", 0),
	}
	cfg.SandboxAdminDSN = getEnv("SANDBOX_ADMIN_DSN", "")

	// Routing
	cfg.Routing = RoutingConfig{
		Mode:         getEnv("ROUTING_MODE", RoutingLocal),
		Domain:       getEnv("ROUTING_DOMAIN", "sandbox.localhost"),
		EntryPoint:   getEnv("ROUTING_ENTRYPOINT", "websecure"),
		CertResolver: getEnv("ROUTING_CERT_RESOLVER", "letsencrypt"),
		PortMin:      getEnvInt("ROUTING_PORT_MIN", 20000),
		PortMax:      getEnvInt("ROUTING_PORT_MAX", 29999),
	}

	// Source control
	cfg.PlatformGitToken = getEnv("PLATFORM_GIT_TOKEN", "")
	cfg.GitOAuthClientID = getEnv("GIT_OAUTH_CLIENT_ID", "")
	cfg.GitOAuthClientSecret = getEnv("GIT_OAUTH_CLIENT_SECRET", "")
	cfg.GitOAuthTokenURL = getEnv("GIT_OAUTH_TOKEN_URL", "")

	// Builds
	cfg.BuildInline = getEnvBool("BUILD_INLINE", false)
	cfg.QueueBackend = getEnv("QUEUE_BACKEND", QueueDatabase)
	cfg.NATSURL = getEnv("NATS_URL", "nats://127.0.0.1:4222")

	// Sweeper
	cfg.IdleTimeout = getEnvDuration("SANDBOX_IDLE_TIMEOUT", 30*time.Minute)
	cfg.SweepInterval = getEnvDuration("SANDBOX_SWEEP_INTERVAL", 5*time.Minute)
	cfg.CommandRetention = getEnvDuration("COMMAND_RETENTION", 24*time.Hour)

	// Dispatcher
	cfg.DispatcherEnabled = getEnvBool("DISPATCHER_ENABLED", true)
	cfg.DispatcherPollInterval = getEnvDuration("DISPATCHER_POLL_INTERVAL", 5*time.Second)
	cfg.DispatcherHeartbeatInterval = getEnvDuration("DISPATCHER_HEARTBEAT_INTERVAL", 10*time.Second)
	cfg.DispatcherHeartbeatTimeout = getEnvDuration("DISPATCHER_HEARTBEAT_TIMEOUT", 30*time.Second)
	cfg.DispatcherJobTimeout = getEnvDuration("DISPATCHER_JOB_TIMEOUT", 2*time.Hour)
	cfg.DispatcherStaleJobTimeout = getEnvDuration("DISPATCHER_STALE_JOB_TIMEOUT", 3*time.Hour)
	cfg.DispatcherImmediateExecution = getEnvBool("DISPATCHER_IMMEDIATE_EXECUTION", true)
	cfg.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 1)

	if path := getEnv("SANDBOXD_CONFIG", ""); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Routing.Mode {
	case RoutingProxy:
		if c.Routing.Domain == "" {
			return fmt.Errorf("ROUTING_DOMAIN is required when ROUTING_MODE=proxy")
		}
	case RoutingLocal:
		if c.Routing.PortMin <= 0 || c.Routing.PortMax < c.Routing.PortMin || c.Routing.PortMax > 65535 {
			return fmt.Errorf("invalid local port range %d-%d", c.Routing.PortMin, c.Routing.PortMax)
		}
	default:
		return fmt.Errorf("unsupported ROUTING_MODE %q (want %q or %q)", c.Routing.Mode, RoutingProxy, RoutingLocal)
	}

	switch c.QueueBackend {
	case QueueDatabase, QueueNATS:
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}

	if c.Sandbox.HealthAttempts <= 0 {
		return fmt.Errorf("SANDBOX_HEALTH_ATTEMPTS must be positive")
	}
	return nil
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
