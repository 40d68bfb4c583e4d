package main

import (
	"github.com/MarcoPoloResearchLab/tableledger/internal/config"
	"github.com/MarcoPoloResearchLab/tableledger/internal/database"
	"github.com/MarcoPoloResearchLab/tableledger/internal/decay"
	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the services shared by every command.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	executor *txretry.Executor
	users    *users.Service
	signup   *signup.Service
	ledger   *honor.Ledger
	honor    *honor.Service
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(appConfig.Database, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	executor, err := txretry.NewExecutor(txretry.Config{
		Database: db,
		Policy:   appConfig.RetryPolicy(),
		Logger:   logger.Named("txretry"),
		Metrics:  txretry.NewMetrics(registry),
	})
	if err != nil {
		return nil, err
	}

	idProvider := ids.NewUUIDProvider()
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return nil, err
	}
	signupService, err := signup.NewService(signup.ServiceConfig{
		Executor:   executor,
		IDProvider: idProvider,
		Metrics:    signup.NewMetrics(registry),
		Logger:     logger.Named("signup"),
	})
	if err != nil {
		return nil, err
	}
	ledger, err := honor.NewLedger(honor.LedgerConfig{
		IDProvider: idProvider,
		Strategy:   appConfig.Ledger.AppendStrategy,
		Classifier: executor,
		Metrics:    honor.NewMetrics(registry),
		Logger:     logger.Named("ledger"),
	})
	if err != nil {
		return nil, err
	}
	honorService, err := honor.NewService(honor.ServiceConfig{
		Executor: executor,
		Ledger:   ledger,
		Logger:   logger.Named("honor"),
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:   appConfig,
		logger:   logger,
		db:       db,
		registry: registry,
		executor: executor,
		users:    userService,
		signup:   signupService,
		ledger:   ledger,
		honor:    honorService,
	}, nil
}

func (a *application) newRuleEngine(notifier honor.Notifier) (*honor.RuleEngine, error) {
	return honor.NewRuleEngine(honor.RuleEngineConfig{
		Executor: a.executor,
		Ledger:   a.ledger,
		Points:   a.config.Points,
		Notifier: notifier,
		Logger:   a.logger.Named("rules"),
	})
}

func (a *application) newDecayBatch() (*decay.Batch, *decay.JobLock, error) {
	idProvider := ids.NewUUIDProvider()
	batch, err := decay.NewBatch(decay.Config{
		Executor:           a.executor,
		Ledger:             a.ledger,
		IDProvider:         idProvider,
		Points:             a.config.Points,
		Location:           a.config.Decay.Location,
		BatchSize:          a.config.Decay.BatchSize,
		RefreshChunk:       a.config.Decay.RefreshChunk,
		RefreshConcurrency: a.config.Decay.RefreshConcurrency,
		Metrics:            decay.NewMetrics(a.registry),
		Logger:             a.logger.Named("decay"),
	})
	if err != nil {
		return nil, nil, err
	}
	lock, err := decay.NewJobLock(decay.JobLockConfig{
		Database:   a.db,
		IDProvider: idProvider,
		TTL:        a.config.Decay.LockTTL,
		Logger:     a.logger.Named("joblock"),
	})
	if err != nil {
		return nil, nil, err
	}
	return batch, lock, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
