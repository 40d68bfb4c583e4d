package honor

import (
	"context"

	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies of the standalone ledger service.
type ServiceConfig struct {
	Executor *txretry.Executor
	Ledger   *Ledger
	Logger   *zap.Logger
}

// Service runs single ledger operations through the retry executor.
type Service struct {
	executor *txretry.Executor
	ledger   *Ledger
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Executor == nil {
		return nil, newServiceError(opServiceNew, "missing_executor", errMissingExecutor)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		executor: cfg.Executor,
		ledger:   cfg.Ledger,
		logger:   logger,
	}, nil
}

// Ledger exposes the underlying ledger for callers composing their own transactions.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Append records one event in its own transaction.
func (s *Service) Append(ctx context.Context, request AppendRequest) (AppendResult, error) {
	return txretry.Do(ctx, s.executor, opAppend, func(tx *gorm.DB) (AppendResult, error) {
		return s.ledger.Append(tx, request)
	})
}

// RemoveByToken retracts one event in its own transaction.
func (s *Service) RemoveByToken(ctx context.Context, userID string, token Token) (bool, error) {
	return txretry.Do(ctx, s.executor, opRemoveByToken, func(tx *gorm.DB) (bool, error) {
		return s.ledger.RemoveByToken(tx, userID, token)
	})
}

// RefreshCachedTotals recomputes cached totals in its own transaction.
func (s *Service) RefreshCachedTotals(ctx context.Context, userIDs ...string) (int64, error) {
	return txretry.Do(ctx, s.executor, opRefreshTotals, func(tx *gorm.DB) (int64, error) {
		return s.ledger.RefreshCachedTotals(tx, userIDs...)
	})
}

// Total reads the live ledger sum for a user.
func (s *Service) Total(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Total(s.executor.Database().WithContext(ctx), userID)
}

// History lists a user's entries newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	return s.ledger.History(s.executor.Database().WithContext(ctx), userID, limit)
}

// Leaderboard lists users by cached total.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	return s.ledger.Leaderboard(s.executor.Database().WithContext(ctx), limit)
}
