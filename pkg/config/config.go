package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	ObjectStore ObjectStoreConfig
	LLM         LLMConfig
	Cascade     CascadeConfig
	Abuse       AbuseConfig
	Session     SessionConfig
	Feedback    FeedbackConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	// Environment is "development" or "production".
	Environment    string
	AllowedOrigins []string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
}

type ObjectStoreConfig struct {
	// Backend is "minio" or "local".
	Backend   string
	LocalDir  string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type CascadeConfig struct {
	VerificationEnabled   bool
	VerificationThreshold int
	// VerificationFailOpen accepts an answer when the scoring step itself fails.
	VerificationFailOpen bool
	MaxDocumentChars     int
}

type AbuseConfig struct {
	SemanticEnabled bool
	// SemanticFailOpen treats a failed semantic check as a valid question.
	SemanticFailOpen bool
	// Escalation maps violation count (index+1) to restriction length.
	Escalation []time.Duration
}

type SessionConfig struct {
	InactivityWindow time.Duration
	ContextTurns     int
	SummaryWorkers   int
	SummaryQueue     int
	SweepSchedule    string
}

type FeedbackConfig struct {
	DeletionThreshold int
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/manual-qa")

	v.SetEnvPrefix("MANUAL_QA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Cascade.VerificationThreshold < 1 || c.Cascade.VerificationThreshold > 5 {
		return fmt.Errorf("cascade.verificationThreshold must be within 1..5, got %d", c.Cascade.VerificationThreshold)
	}
	if c.Feedback.DeletionThreshold < 1 {
		return fmt.Errorf("feedback.deletionThreshold must be positive, got %d", c.Feedback.DeletionThreshold)
	}
	if c.Session.InactivityWindow <= 0 {
		return fmt.Errorf("session.inactivityWindow must be positive")
	}
	if len(c.Abuse.Escalation) == 0 {
		return fmt.Errorf("abuse.escalation must not be empty")
	}
	switch c.ObjectStore.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("objectStore.backend must be local or minio, got %q", c.ObjectStore.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("sqlite.path", "./data/manualqa.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lockTTL", "2m")

	v.SetDefault("objectStore.backend", "local")
	v.SetDefault("objectStore.localDir", "./data/manuals")
	v.SetDefault("objectStore.bucket", "manuals")
	v.SetDefault("objectStore.useSSL", false)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 90)

	v.SetDefault("cascade.verificationEnabled", true)
	v.SetDefault("cascade.verificationThreshold", 3)
	v.SetDefault("cascade.verificationFailOpen", true)
	v.SetDefault("cascade.maxDocumentChars", 400000)

	v.SetDefault("abuse.semanticEnabled", true)
	v.SetDefault("abuse.semanticFailOpen", true)
	v.SetDefault("abuse.escalation", []string{"0s", "1h", "24h", "168h"})

	v.SetDefault("session.inactivityWindow", "6h")
	v.SetDefault("session.contextTurns", 6)
	v.SetDefault("session.summaryWorkers", 2)
	v.SetDefault("session.summaryQueue", 64)
	v.SetDefault("session.sweepSchedule", "@every 15m")

	v.SetDefault("feedback.deletionThreshold", 3)

	v.SetDefault("rateLimit.maxRequestsPerMinute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
