package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Database   DatabaseConfig
	Encryption EncryptionConfig
	Scheduler  SchedulerConfig
	Telemetry  TelemetryConfig
	Plaid      PlaidConfig
	Mono       MonoConfig
	Banks      BanksConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EncryptionConfig holds the at-rest key for stored credentials, session
// tokens and provider access tokens.
type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	MetricsPort  string
}

// PlaidConfig carries one set of API credentials shared by both regional
// environments.
type PlaidConfig struct {
	ClientID  string
	Secret    string
	USBaseURL string
	EUBaseURL string
}

type MonoConfig struct {
	SecretKey string
	BaseURL   string
}

// BankCipherConfig is the per-bank wire secret material: the key side is a
// hex PBKDF2 salt or an app passphrase depending on the bank, the IV is set
// only for banks with a fixed one.
type BankCipherConfig struct {
	EncryptionKey string
	EncryptionIV  string
}

type BanksConfig struct {
	Zenith    BankCipherConfig
	Providus  BankCipherConfig
	Piggyvest BankCipherConfig
}

func Load() (*Config, error) {

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	// Parse scheduler configuration
	schedulerEnabled := getBoolEnv("SCHEDULER_ENABLED", true)
	schedulerTimes := strings.Split(getEnv("SCHEDULER_TIMES", "05:00,10:00,14:00,20:00"), ",")
	schedulerWorkers, err := strconv.Atoi(getEnv("SCHEDULER_WORKERS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_WORKERS: %w", err)
	}
	schedulerJobDelay, err := time.ParseDuration(getEnv("SCHEDULER_JOB_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_JOB_DELAY: %w", err)
	}
	schedulerQueueSize, err := strconv.Atoi(getEnv("SCHEDULER_QUEUE_SIZE", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_QUEUE_SIZE: %w", err)
	}
	schedulerRunOnStartup := getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false)

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "doubleu"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "doubleu"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:       schedulerEnabled,
			ScheduleTimes: schedulerTimes,
			WorkerCount:   schedulerWorkers,
			JobDelay:      schedulerJobDelay,
			QueueSize:     schedulerQueueSize,
			RunOnStartup:  schedulerRunOnStartup,
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "doubleu-syncd"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4318"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
		},
		Plaid: PlaidConfig{
			ClientID:  getEnv("PLAID_CLIENT_ID", ""),
			Secret:    getEnv("PLAID_SECRET", ""),
			USBaseURL: getEnv("PLAID_US_BASE_URL", "https://production.plaid.com"),
			EUBaseURL: getEnv("PLAID_EU_BASE_URL", "https://production.plaid.com"),
		},
		Mono: MonoConfig{
			SecretKey: getEnv("MONO_SECRET_KEY", ""),
			BaseURL:   getEnv("MONO_BASE_URL", ""),
		},
		Banks: BanksConfig{
			Zenith: BankCipherConfig{
				EncryptionKey: getEnv("ZENITH_ENCRYPTION_KEY", ""),
				EncryptionIV:  getEnv("ZENITH_ENCRYPTION_IV", ""),
			},
			Providus: BankCipherConfig{
				EncryptionKey: getEnv("PROVIDUS_ENCRYPTION_KEY", ""),
				EncryptionIV:  getEnv("PROVIDUS_ENCRYPTION_IV", ""),
			},
			Piggyvest: BankCipherConfig{
				EncryptionKey: getEnv("PIGGYVEST_ENCRYPTION_KEY", ""),
			},
		},
	}

	// Validate required fields
	if cfg.Encryption.Key == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(cfg.Encryption.Key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	return cfg, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
