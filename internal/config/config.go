package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// DatabaseURL selects the durable Postgres stores. Empty runs the
	// in-memory stores (single node, no persistence across restarts).
	DatabaseURL string `yaml:"databaseURL"`

	// RedisAddr selects the Redis session store and enables the live-update
	// event channel. Empty keeps sessions in-process.
	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	RedisEventChannel string `yaml:"redisEventChannel"`

	SessionTTL string `yaml:"sessionTTL"`

	Principal    string `yaml:"principal"`
	PasswordHash string `yaml:"passwordHash"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`

	WebhookURL   string `yaml:"webhookURL"`
	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	OpenAIBaseURL string `yaml:"openaiBaseURL"`
	OpenAIAPIKey  string `yaml:"openaiApiKey"`
	OpenAIModel   string `yaml:"openaiModel"`

	DefaultLimitPerMinute int `yaml:"defaultLimitPerMinute"`
	AuthLimitPerMinute    int `yaml:"authLimitPerMinute"`
	APILimitPerHour       int `yaml:"apiLimitPerHour"`

	SchedulerPollInterval string `yaml:"schedulerPollInterval"`
	SchedulerRetryBackoff string `yaml:"schedulerRetryBackoff"`
	SchedulerMaxAttempts  int    `yaml:"schedulerMaxAttempts"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PLUMEMAIL_PRINCIPAL"); v != "" {
		cfg.Principal = v
	}
	if v := os.Getenv("PLUMEMAIL_PASSWORD_HASH"); v != "" {
		cfg.PasswordHash = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTPUsername = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTPPassword = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.SMTPFrom = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.Principal == "" {
		return errors.New("config: principal is required (set PLUMEMAIL_PRINCIPAL)")
	}
	if cfg.PasswordHash == "" {
		return errors.New("config: passwordHash is required (set PLUMEMAIL_PASSWORD_HASH)")
	}
	if cfg.DefaultLimitPerMinute < 0 || cfg.AuthLimitPerMinute < 0 || cfg.APILimitPerHour < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.SchedulerMaxAttempts < 0 {
		return errors.New("config: schedulerMaxAttempts must be >= 0")
	}
	if cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
		return errors.New("config: smtpFrom is required when smtpHost is set")
	}
	return nil
}

// ParseSessionTTL parses the optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	return dur, nil
}

// ParseInterval parses an optional duration string for the scheduler knobs.
func ParseInterval(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	return dur, nil
}
