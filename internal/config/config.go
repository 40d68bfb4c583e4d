package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/database"
	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "TABLELEDGER"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tableledger.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "app_session"
	defaultIssuer       = "tableledger-auth"
)

// AppConfig captures runtime configuration for the server and the batch commands.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	Database    database.Config
	Session     SessionConfig
	Retry       RetryConfig
	Points      honor.PointsConfig
	Ledger      LedgerConfig
	Decay       DecayConfig
}

// SessionConfig holds the session JWT settings.
type SessionConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// RetryConfig mirrors txretry.Policy in configuration units.
type RetryConfig struct {
	MaxAttempts      int
	BaseBackoffMS    int
	MaxBackoffMS     int
	Jitter           float64
	AttemptTimeoutMS int
}

// LedgerConfig selects the append strategy.
type LedgerConfig struct {
	AppendStrategy honor.AppendStrategy
}

// DecayConfig tunes the inactivity batch.
type DecayConfig struct {
	Location           *time.Location
	BatchSize          int
	RefreshChunk       int
	RefreshConcurrency int
	LockTTL            time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	defaultPolicy := txretry.DefaultPolicy()
	defaultPoints := honor.DefaultPoints()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", database.DriverSQLite)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.tracing", false)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("retry.max_attempts", defaultPolicy.MaxAttempts)
	configViper.SetDefault("retry.base_backoff_ms", defaultPolicy.BaseBackoff.Milliseconds())
	configViper.SetDefault("retry.max_backoff_ms", defaultPolicy.MaxBackoff.Milliseconds())
	configViper.SetDefault("retry.jitter", defaultPolicy.Jitter)
	configViper.SetDefault("retry.attempt_timeout_ms", defaultPolicy.AttemptTimeout.Milliseconds())
	configViper.SetDefault("points.attended", defaultPoints.Attended)
	configViper.SetDefault("points.no_show", defaultPoints.NoShow)
	configViper.SetDefault("points.behavior_good", defaultPoints.BehaviorGood)
	configViper.SetDefault("points.behavior_bad", defaultPoints.BehaviorBad)
	configViper.SetDefault("points.decay", defaultPoints.Decay)
	configViper.SetDefault("ledger.append_strategy", honor.StrategyUpsert.String())
	configViper.SetDefault("decay.timezone", "UTC")
	configViper.SetDefault("decay.batch_size", 500)
	configViper.SetDefault("decay.refresh_chunk", 200)
	configViper.SetDefault("decay.refresh_concurrency", 1)
	configViper.SetDefault("decay.lock_ttl_minutes", 30)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	strategy, err := honor.ParseAppendStrategy(configViper.GetString("ledger.append_strategy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("ledger.append_strategy: %w", err)
	}
	timezone := strings.TrimSpace(configViper.GetString("decay.timezone"))
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("decay.timezone %q: %w", timezone, err)
	}

	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		Database: database.Config{
			Driver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			DSN:     configViper.GetString("database.dsn"),
			Path:    configViper.GetString("database.path"),
			Tracing: configViper.GetBool("database.tracing"),
		},
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			Issuer:        configViper.GetString("session.issuer"),
			CookieName:    configViper.GetString("session.cookie_name"),
		},
		Retry: RetryConfig{
			MaxAttempts:      configViper.GetInt("retry.max_attempts"),
			BaseBackoffMS:    configViper.GetInt("retry.base_backoff_ms"),
			MaxBackoffMS:     configViper.GetInt("retry.max_backoff_ms"),
			Jitter:           configViper.GetFloat64("retry.jitter"),
			AttemptTimeoutMS: configViper.GetInt("retry.attempt_timeout_ms"),
		},
		Points: honor.PointsConfig{
			Attended:     configViper.GetInt64("points.attended"),
			NoShow:       configViper.GetInt64("points.no_show"),
			BehaviorGood: configViper.GetInt64("points.behavior_good"),
			BehaviorBad:  configViper.GetInt64("points.behavior_bad"),
			Decay:        configViper.GetInt64("points.decay"),
		},
		Ledger: LedgerConfig{AppendStrategy: strategy},
		Decay: DecayConfig{
			Location:           location,
			BatchSize:          configViper.GetInt("decay.batch_size"),
			RefreshChunk:       configViper.GetInt("decay.refresh_chunk"),
			RefreshConcurrency: configViper.GetInt("decay.refresh_concurrency"),
			LockTTL:            time.Duration(configViper.GetInt("decay.lock_ttl_minutes")) * time.Minute,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServe adds the checks only the HTTP server needs.
func (c AppConfig) ValidateServe() error {
	if strings.TrimSpace(c.Session.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

// RetryPolicy converts the retry settings into an executor policy.
func (c AppConfig) RetryPolicy() txretry.Policy {
	return txretry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseBackoff:    time.Duration(c.Retry.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond,
		Jitter:         c.Retry.Jitter,
		AttemptTimeout: time.Duration(c.Retry.AttemptTimeoutMS) * time.Millisecond,
	}
}

func (c AppConfig) validate() error {
	switch c.Database.Driver {
	case database.DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" && strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.path or database.dsn is required")
		}
	case database.DriverPostgres, database.DriverMySQL:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Decay.BatchSize < 1 || c.Decay.RefreshChunk < 1 || c.Decay.RefreshConcurrency < 1 {
		return fmt.Errorf("decay batch sizes must be positive")
	}
	return nil
}
