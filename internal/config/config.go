package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Encoder  EncoderConfig
	Uploader UploaderConfig
	Pipeline PipelineConfig
	Playback PlaybackConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsPort     int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
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
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
	PublicBaseURL   string // base for playable URLs; derived from endpoint when empty
	CacheControl    string
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// EncoderConfig holds external encoder configuration
type EncoderConfig struct {
	FFmpegPath       string
	FFprobePath      string
	ScratchDir       string
	SegmentSeconds   int
	EnableHardware   bool
	EnableEncryption bool
	KeyURIPrefix     string
	DrainTimeout     time.Duration // await on output readers after process exit
}

// UploaderConfig holds publish transaction configuration
type UploaderConfig struct {
	Parallel         bool
	WorkerCount      int
	MaxAttempts      int
	RetryBackoff     time.Duration
	ProgressInterval time.Duration
}

// PipelineConfig holds orchestrator configuration
type PipelineConfig struct {
	MaxConcurrent   int
	DrainDelay      time.Duration // lets the encoder release file handles before publish
	ProgressPersist time.Duration
}

// PlaybackConfig holds secure playback URL configuration
type PlaybackConfig struct {
	BaseURL     string
	TokenSecret string
	TokenTTL    time.Duration
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// TracingConfig holds tracer configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.metricsPort", 9091)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "encoder")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "streams")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)
	viper.SetDefault("storage.publicBaseURL", "")
	viper.SetDefault("storage.cacheControl", "public, max-age=31536000")

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Encoder defaults
	viper.SetDefault("encoder.ffmpegPath", "ffmpeg")
	viper.SetDefault("encoder.ffprobePath", "ffprobe")
	viper.SetDefault("encoder.scratchDir", "/tmp/encoder")
	viper.SetDefault("encoder.segmentSeconds", 6)
	viper.SetDefault("encoder.enableHardware", true)
	viper.SetDefault("encoder.enableEncryption", false)
	viper.SetDefault("encoder.keyURIPrefix", "/api/v1/playback/key")
	viper.SetDefault("encoder.drainTimeout", "5s")

	// Uploader defaults
	viper.SetDefault("uploader.parallel", true)
	viper.SetDefault("uploader.workerCount", 20)
	viper.SetDefault("uploader.maxAttempts", 3)
	viper.SetDefault("uploader.retryBackoff", "500ms")
	viper.SetDefault("uploader.progressInterval", "3s")

	// Pipeline defaults
	viper.SetDefault("pipeline.maxConcurrent", 2)
	viper.SetDefault("pipeline.drainDelay", "2s")
	viper.SetDefault("pipeline.progressPersist", "1s")

	// Playback defaults
	viper.SetDefault("playback.baseURL", "http://localhost:8080")
	viper.SetDefault("playback.tokenSecret", "change-me")
	viper.SetDefault("playback.tokenTTL", "4h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "m3u8-encoder")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}
