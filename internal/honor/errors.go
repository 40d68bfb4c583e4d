package honor

import (
	"errors"

	"github.com/MarcoPoloResearchLab/tableledger/internal/serviceerr"
	"go.uber.org/zap"
)

var (
	// ErrNotAuthorized indicates that the actor may not manage the table.
	ErrNotAuthorized = errors.New("honor: actor is not authorized")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingExecutor   = errors.New("transaction executor is required")
	errMissingLedger     = errors.New("ledger is required")
	errEntryVanished     = errors.New("conflicting entry could not be re-read")
	noOpLogger           = zap.NewNop()
)

const (
	opLedgerNew           = "honor.ledger.new"
	opServiceNew          = "honor.service.new"
	opRuleEngineNew       = "honor.rule_engine.new"
	opAppend              = "honor.append"
	opRemoveByToken       = "honor.remove_by_token"
	opTotal               = "honor.total"
	opRefreshTotals       = "honor.refresh_totals"
	opLockUser            = "honor.lock_user"
	opHistory             = "honor.history"
	opLeaderboard         = "honor.leaderboard"
	opConfirmAttendance   = "honor.confirm_attendance"
	opUnconfirmAttendance = "honor.unconfirm_attendance"
	opMarkNoShow          = "honor.mark_no_show"
	opSetBehavior         = "honor.set_behavior"
	opAdjust              = "honor.adjust"
)

func newServiceError(operation, reason string, cause error) error {
	return serviceerr.New(operation, reason, cause)
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("honor service error", attrs...)
}
