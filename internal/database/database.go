package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tableledger/internal/decay"
	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

var (
	// ErrUnknownDriver indicates an unsupported database.driver value.
	ErrUnknownDriver = errors.New("database: unknown driver")
	// ErrMissingLocation indicates neither a DSN nor a sqlite path was supplied.
	ErrMissingLocation = errors.New("database: dsn or path is required")
)

// Config selects the engine and connection target.
type Config struct {
	Driver  string
	DSN     string
	Path    string
	Tracing bool
}

// Open connects to the configured engine, migrates the schema and applies data migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dialector, err := dialectorFor(driver, cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if cfg.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("enable tracing: %w", err)
		}
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver), zap.Bool("tracing", cfg.Tracing))
	return db, nil
}

// Migrate creates or updates every table and then runs pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return applyMigrations(db, logger)
}

// Models lists every persisted model.
func Models() []interface{} {
	models := []interface{}{&users.User{}}
	models = append(models, signup.Models()...)
	models = append(models, honor.Models()...)
	models = append(models, decay.Models()...)
	return append(models, &migrationRecord{})
}

func dialectorFor(driver string, cfg Config) (gorm.Dialector, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	switch driver {
	case DriverSQLite:
		if dsn != "" {
			return sqlite.Open(dsn), nil
		}
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, ErrMissingLocation
		}
		return sqlite.Open(fmt.Sprintf("file:%s?%s", path, sqlitePragmas)), nil
	case DriverPostgres:
		if dsn == "" {
			return nil, ErrMissingLocation
		}
		return postgres.Open(dsn), nil
	case DriverMySQL:
		if dsn == "" {
			return nil, ErrMissingLocation
		}
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
