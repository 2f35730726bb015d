package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tracking service
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Meta       MetaConfig       `yaml:"meta"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Cookies    CookieConfig     `yaml:"cookies"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Logging    LoggingConfig    `yaml:"logging"`
	Business   BusinessConfig   `yaml:"business"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// PublicURL is where browsers reach this service; the client snippet
	// posts beacons to PublicURL + "/api/track".
	PublicURL string `yaml:"public_url"`
}

// MetaConfig holds Meta Pixel / Conversions API settings
type MetaConfig struct {
	PixelID         string `yaml:"pixel_id"`
	AccessToken     string `yaml:"access_token"`
	APIVersion      string `yaml:"api_version"`
	BaseURL         string `yaml:"base_url"`
	TestEventCode   string `yaml:"test_event_code"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	DefaultCurrency string `yaml:"default_currency"`
}

// Timeout returns the configured timeout as a duration
func (c MetaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EventsURL is the Conversions API endpoint for the configured pixel.
func (c MetaConfig) EventsURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + c.APIVersion + "/" + c.PixelID + "/events"
}

// DeliveryConfig controls the server-side channel: background workers,
// retry backoff and the retry worker poll.
type DeliveryConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	BaseDelayMillis      int `yaml:"base_delay_millis"`
	MaxDelaySeconds      int `yaml:"max_delay_seconds"`
	Workers              int `yaml:"workers"`
	BufferSize           int `yaml:"buffer_size"`
	PollIntervalMillis   int `yaml:"poll_interval_millis"`
	ClaimBatch           int `yaml:"claim_batch"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// BaseDelay returns the delay after the first failed attempt.
func (c DeliveryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMillis) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (c DeliveryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// PollInterval returns how often the retry worker looks for due attempts.
func (c DeliveryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// ShutdownGrace bounds how long in-flight deliveries may finish on exit.
func (c DeliveryConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// CookieConfig names the identity cookies and their lifetimes.
type CookieConfig struct {
	Domain            string `yaml:"domain"`
	Secure            bool   `yaml:"secure"`
	ExternalIDName    string `yaml:"external_id_name"`
	ExternalIDTTLDays int    `yaml:"external_id_ttl_days"`
	ClickIDName       string `yaml:"click_id_name"`
	ClickIDTTLDays    int    `yaml:"click_id_ttl_days"`
	BrowserIDName     string `yaml:"browser_id_name"`
	AttributionName   string `yaml:"attribution_name"`
}

// ExternalIDTTL returns the lifetime of the external_id cookie.
func (c CookieConfig) ExternalIDTTL() time.Duration {
	return time.Duration(c.ExternalIDTTLDays) * 24 * time.Hour
}

// ClickIDTTL returns the lifetime of the click attribution cookie.
func (c CookieConfig) ClickIDTTL() time.Duration {
	return time.Duration(c.ClickIDTTLDays) * 24 * time.Hour
}

// RedisConfig holds the retry queue backend. Empty Addr and URL mean the
// queue stays in process memory.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queue_key"`
	LockKey  string `yaml:"lock_key"`
}

// Enabled reports whether a Redis backend is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" || c.Addr != "" }

// DatabaseConfig holds the Postgres delivery ledger connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// DeadLetterConfig holds the optional SQS dead-letter queue.
type DeadLetterConfig struct {
	SQSQueueURL string `yaml:"sqs_queue_url"`
	Region      string `yaml:"region"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	AWSProfile  string `yaml:"aws_profile"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on; it defaults to true.
func (c LoggingConfig) Redact() bool { return c.RedactPII == nil || *c.RedactPII }

// BusinessConfig holds landing-page facts the client snippet needs.
type BusinessConfig struct {
	Name           string `yaml:"name"`
	WhatsAppNumber string `yaml:"whatsapp_number"`
}

// WhatsAppURL is the redirect target of the Contact button, or "" when no
// number is configured.
func (c BusinessConfig) WhatsAppURL() string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, c.WhatsAppNumber)
	if digits == "" {
		return ""
	}
	return "https://wa.me/" + digits
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Meta.APIVersion == "" {
		cfg.Meta.APIVersion = "v21.0"
	}
	if cfg.Meta.BaseURL == "" {
		cfg.Meta.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Meta.TimeoutSeconds == 0 {
		cfg.Meta.TimeoutSeconds = 10
	}
	if cfg.Meta.DefaultCurrency == "" {
		cfg.Meta.DefaultCurrency = "BRL"
	}
	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = 6
	}
	if cfg.Delivery.BaseDelayMillis == 0 {
		cfg.Delivery.BaseDelayMillis = 2000
	}
	if cfg.Delivery.MaxDelaySeconds == 0 {
		cfg.Delivery.MaxDelaySeconds = 300
	}
	if cfg.Delivery.Workers == 0 {
		cfg.Delivery.Workers = 4
	}
	if cfg.Delivery.BufferSize == 0 {
		cfg.Delivery.BufferSize = 256
	}
	if cfg.Delivery.PollIntervalMillis == 0 {
		cfg.Delivery.PollIntervalMillis = 1000
	}
	if cfg.Delivery.ClaimBatch == 0 {
		cfg.Delivery.ClaimBatch = 50
	}
	if cfg.Delivery.ShutdownGraceSeconds == 0 {
		cfg.Delivery.ShutdownGraceSeconds = 10
	}
	if cfg.Cookies.ExternalIDName == "" {
		cfg.Cookies.ExternalIDName = "_ext_id"
	}
	if cfg.Cookies.ExternalIDTTLDays == 0 {
		cfg.Cookies.ExternalIDTTLDays = 365
	}
	if cfg.Cookies.ClickIDName == "" {
		cfg.Cookies.ClickIDName = "_fbc"
	}
	if cfg.Cookies.ClickIDTTLDays == 0 {
		cfg.Cookies.ClickIDTTLDays = 90
	}
	if cfg.Cookies.BrowserIDName == "" {
		cfg.Cookies.BrowserIDName = "_fbp"
	}
	if cfg.Cookies.AttributionName == "" {
		cfg.Cookies.AttributionName = "_attr"
	}
	if cfg.Redis.QueueKey == "" {
		cfg.Redis.QueueKey = "capi:retry"
	}
	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = "capi-retry-worker"
	}
	if cfg.DeadLetter.Region == "" {
		cfg.DeadLetter.Region = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars when deployed.
// An empty path skips the file and starts from defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("META_PIXEL_ID"); v != "" {
		cfg.Meta.PixelID = v
	}
	if v := os.Getenv("META_ACCESS_TOKEN"); v != "" {
		cfg.Meta.AccessToken = v
	}
	if v := os.Getenv("META_TEST_EVENT_CODE"); v != "" {
		cfg.Meta.TestEventCode = v
	}
	if v := os.Getenv("META_API_VERSION"); v != "" {
		cfg.Meta.APIVersion = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DEAD_LETTER_SQS_URL"); v != "" {
		cfg.DeadLetter.SQSQueueURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.DeadLetter.Region = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WHATSAPP_NUMBER"); v != "" {
		cfg.Business.WhatsAppNumber = v
	}

	return cfg, nil
}

// Validate reports settings the service cannot run without.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Meta.PixelID == "" {
		errs = append(errs, errors.New("meta.pixel_id is required"))
	}
	if cfg.Meta.AccessToken == "" {
		errs = append(errs, errors.New("meta.access_token is required"))
	}
	if cfg.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
