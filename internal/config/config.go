package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. LECTUREVOD_SERVER_PORT.
const EnvPrefix = "LECTUREVOD"

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Transcoder TranscoderConfig
	Recovery   RecoveryConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Tracing    TracingConfig
	Inbox      InboxConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration. Driver "memory" keeps all
// state in process, for development only.
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	CacheTTL time.Duration
	LockTTL  time.Duration
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds the local storage root, public URLs and the optional
// object storage mirror.
type StorageConfig struct {
	Root         string
	MediaBaseURL string
	FilesBaseURL string

	Mirror          bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Name     string
	Prefetch int
}

// URL returns the AMQP connection URL.
func (c QueueConfig) URL() string {
	vhost := strings.TrimPrefix(c.Vhost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// TranscoderConfig holds transcoding configuration
type TranscoderConfig struct {
	FFmpegPath  string
	FFprobePath string
	// Workers bounds concurrent jobs; EncodeSlots bounds concurrent encodes
	// across all jobs. Zero sizes from the CPU count.
	Workers        int
	EncodeSlots    int
	QueueSize      int
	SegmentSeconds int
	ProbeTimeout   time.Duration
	TimeoutFactor  float64
	TimeoutMin     time.Duration
	TimeoutMax     time.Duration
	Retries        int
	Heartbeat      time.Duration
	Tiers          []models.QualityTier
}

// RecoveryConfig controls detection of jobs abandoned by a dead worker.
type RecoveryConfig struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	SampleRate  float64
}

// InboxConfig configures the watched drop directory.
type InboxConfig struct {
	Enabled    bool
	Dir        string
	SettleTime time.Duration
}

// AuthConfig configures service tokens on control endpoints.
type AuthConfig struct {
	Enabled bool
	Secret  string
	Issuer  string
}

// RateLimitConfig limits playback requests per client.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Load reads configuration from an optional .env file, the config file and
// environment variables, in increasing priority. A missing .env is fine.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Transcoder.Tiers) == 0 {
		config.Transcoder.Tiers = models.DefaultTiers()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks settings that would otherwise fail deep in a job.
func (c *Config) Validate() error {
	if err := models.ValidateTiers(c.Transcoder.Tiers); err != nil {
		return fmt.Errorf("invalid transcoder.tiers: %w", err)
	}
	if c.Transcoder.SegmentSeconds <= 0 {
		return fmt.Errorf("transcoder.segmentSeconds must be positive")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "lecturevod")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cacheTTL", "5m")
	v.SetDefault("redis.lockTTL", "2m")

	// Storage defaults
	v.SetDefault("storage.root", "/var/lib/lecturevod")
	v.SetDefault("storage.mediaBaseURL", "/media")
	v.SetDefault("storage.filesBaseURL", "/files")
	v.SetDefault("storage.mirror", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "lectures")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Queue defaults
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.name", "lecturevod.jobs")
	v.SetDefault("queue.prefetch", 4)

	// Transcoder defaults
	v.SetDefault("transcoder.ffmpegPath", "ffmpeg")
	v.SetDefault("transcoder.ffprobePath", "ffprobe")
	v.SetDefault("transcoder.workers", 2)
	v.SetDefault("transcoder.encodeSlots", 0)
	v.SetDefault("transcoder.queueSize", 64)
	v.SetDefault("transcoder.segmentSeconds", 10)
	v.SetDefault("transcoder.probeTimeout", "30s")
	v.SetDefault("transcoder.timeoutFactor", 3.0)
	v.SetDefault("transcoder.timeoutMin", "2m")
	v.SetDefault("transcoder.timeoutMax", "4h")
	v.SetDefault("transcoder.retries", 1)
	v.SetDefault("transcoder.heartbeat", "15s")

	v.SetDefault("recovery.staleAfter", "2m")
	v.SetDefault("recovery.sweepInterval", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "lecturevod")
	v.SetDefault("tracing.endpoint", "localhost:6831")
	v.SetDefault("tracing.sampleRate", 1.0)

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.dir", "/var/lib/lecturevod/inbox")
	v.SetDefault("inbox.settleTime", "5s")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "lecturevod")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requestsPerSecond", 20.0)
	v.SetDefault("ratelimit.burst", 40)
}
