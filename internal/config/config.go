// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay server configuration.
type Config struct {
	// Server
	ListenAddr string `yaml:"listenAddr"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// S3-compatible storage
	S3Endpoint        string `yaml:"s3Endpoint"`
	S3Region          string `yaml:"s3Region"`
	S3Bucket          string `yaml:"s3Bucket"`
	S3AccessKeyID     string `yaml:"s3AccessKeyId"`
	S3SecretAccessKey string `yaml:"s3SecretAccessKey"`
	S3RoleARN         string `yaml:"s3RoleArn"`
	S3VirtualHostURLs bool   `yaml:"s3VirtualHostUrls"`

	// Brokers
	RabbitMQURL    string        `yaml:"rabbitmqUrl"`
	KafkaBrokers   []string      `yaml:"kafkaBrokers"`
	UploadQueue    string        `yaml:"uploadQueue"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`

	// KafkaMaxMessageBytes caps one Kafka message. Zero derives it from
	// MaxUploadSize. The topic's max.message.bytes must be at least as large.
	KafkaMaxMessageBytes int64 `yaml:"kafkaMaxMessageBytes"`

	// Uploads
	MaxUploadSize   int64   `yaml:"maxUploadSize"`
	UploadRateLimit float64 `yaml:"uploadRateLimit"` // requests per second, 0 = unlimited
	UploadRateBurst int     `yaml:"uploadRateBurst"`

	// Identity (optional)
	OIDCIssuerURL   string `yaml:"oidcIssuerUrl"`
	OIDCClientID    string `yaml:"oidcClientId"`
	CognitoClientID string `yaml:"cognitoClientId"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		S3Region:        "us-east-1",
		UploadQueue:     "upload-files",
		PublishTimeout:  10 * time.Second,
		MaxUploadSize:   100 * 1024 * 1024,
		UploadRateBurst: 10,
	}
}

// Load applies defaults, then CONFIG_FILE (if set), then environment variables,
// and validates the result.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3AccessKeyID = envOr("S3_ACCESS_KEY_ID", c.S3AccessKeyID)
	c.S3SecretAccessKey = envOr("S3_SECRET_ACCESS_KEY", c.S3SecretAccessKey)
	c.S3RoleARN = envOr("S3_ROLE_ARN", c.S3RoleARN)
	c.S3VirtualHostURLs = envBool("S3_VIRTUAL_HOST_URLS", c.S3VirtualHostURLs)

	c.RabbitMQURL = envOr("RABBITMQ_URL", c.RabbitMQURL)
	c.KafkaBrokers = envList("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaMaxMessageBytes = envInt64("KAFKA_MAX_MESSAGE_BYTES", c.KafkaMaxMessageBytes)
	c.UploadQueue = envOr("UPLOAD_QUEUE", c.UploadQueue)
	c.PublishTimeout = envDuration("PUBLISH_TIMEOUT", c.PublishTimeout)

	c.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", c.MaxUploadSize)
	c.UploadRateLimit = envFloat("UPLOAD_RATE_LIMIT", c.UploadRateLimit)
	c.UploadRateBurst = envInt("UPLOAD_RATE_BURST", c.UploadRateBurst)

	c.OIDCIssuerURL = envOr("OIDC_ISSUER_URL", c.OIDCIssuerURL)
	c.OIDCClientID = envOr("OIDC_CLIENT_ID", c.OIDCClientID)
	c.CognitoClientID = envOr("COGNITO_CLIENT_ID", c.CognitoClientID)
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.S3Bucket == "" {
		return errors.New("S3_BUCKET is required")
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		return errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}
	if c.RabbitMQURL == "" && len(c.KafkaBrokers) == 0 {
		return errors.New("RABBITMQ_URL or KAFKA_BROKERS is required")
	}
	if c.UploadQueue == "" {
		return errors.New("UPLOAD_QUEUE must not be empty")
	}
	if c.PublishTimeout <= 0 {
		return errors.New("PUBLISH_TIMEOUT must be positive")
	}
	if c.KafkaMaxMessageBytes < 0 {
		return errors.New("KAFKA_MAX_MESSAGE_BYTES must not be negative")
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}

// messageEnvelope is headroom for the JSON around the encoded files.
const messageEnvelope = 64 << 10

// KafkaMessageBytes is the largest relay message the Kafka producer accepts.
// Unless set explicitly it fits a MaxUploadSize body after base64 encoding.
func (c *Config) KafkaMessageBytes() int64 {
	if c.KafkaMaxMessageBytes > 0 {
		return c.KafkaMaxMessageBytes
	}
	return (c.MaxUploadSize+2)/3*4 + messageEnvelope
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
