package honor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// AppendStrategy selects how Append detects an already-recorded token.
// Both strategies satisfy the same contract: one row per (user, token), and a
// Created flag that is true only for the call that inserted it.
type AppendStrategy int

const (
	// StrategyUpsert inserts with ON CONFLICT DO NOTHING and re-reads when no row was inserted.
	StrategyUpsert AppendStrategy = iota
	// StrategyCatchReread inserts inside a savepoint and re-reads after a unique violation.
	StrategyCatchReread
)

// ParseAppendStrategy maps a configuration value onto a strategy.
func ParseAppendStrategy(raw string) (AppendStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "upsert":
		return StrategyUpsert, nil
	case "catch_reread":
		return StrategyCatchReread, nil
	default:
		return StrategyUpsert, fmt.Errorf("honor: unknown append strategy %q", raw)
	}
}

func (s AppendStrategy) String() string {
	if s == StrategyCatchReread {
		return "catch_reread"
	}
	return "upsert"
}

// AppendRequest describes one point-bearing event.
type AppendRequest struct {
	UserID   string
	Points   int64
	Reason   Reason
	Metadata map[string]interface{}
	Token    Token
}

// AppendResult reports the stored entry and whether this call created it.
type AppendResult struct {
	Entry   LedgerEntry
	Created bool
}

// Standing is one leaderboard row.
type Standing struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Total       int64  `json:"total"`
}

// LedgerConfig describes the dependencies of a Ledger.
type LedgerConfig struct {
	IDProvider ids.Provider
	Clock      func() time.Time
	Strategy   AppendStrategy
	// Classifier recognises unique violations for StrategyCatchReread. Nil uses the
	// classifier matching the handle's dialect.
	Classifier txretry.Classifier
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Ledger is the append-only honor event store. Its methods take a gorm handle so
// callers can compose them inside one retried transaction.
type Ledger struct {
	idProvider ids.Provider
	clock      func() time.Time
	strategy   AppendStrategy
	classifier txretry.Classifier
	metrics    *Metrics
	logger     *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.IDProvider == nil {
		return nil, newServiceError(opLedgerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		idProvider: cfg.IDProvider,
		clock:      clock,
		strategy:   cfg.Strategy,
		classifier: cfg.Classifier,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// Strategy returns the configured append strategy.
func (l *Ledger) Strategy() AppendStrategy {
	return l.strategy
}

// Append records the event unless an entry with the same (user, token) exists, in
// which case the existing entry is returned with Created=false and nothing is written.
// Cached totals are not refreshed.
func (l *Ledger) Append(tx *gorm.DB, request AppendRequest) (AppendResult, error) {
	if tx == nil {
		return AppendResult{}, newServiceError(opAppend, "missing_database", errMissingDatabase)
	}
	userID, err := users.NewUserID(request.UserID)
	if err != nil {
		return AppendResult{}, err
	}
	token, err := NewToken(request.Token.String())
	if err != nil {
		return AppendResult{}, err
	}
	if !request.Reason.Valid() {
		return AppendResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, request.Reason)
	}

	entryID, err := l.idProvider.NewID()
	if err != nil {
		logServiceError(l.logger, opAppend, "id_generation_failed", err)
		return AppendResult{}, newServiceError(opAppend, "id_generation_failed", err)
	}
	entry := LedgerEntry{
		ID:               entryID,
		UserID:           userID.String(),
		Points:           request.Points,
		Reason:           request.Reason,
		IdempotencyToken: token.String(),
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}
	if len(request.Metadata) > 0 {
		metadata := make(datatypes.JSONMap, len(request.Metadata))
		for key, value := range request.Metadata {
			metadata[key] = value
		}
		entry.Metadata = metadata
	}

	var created bool
	switch l.strategy {
	case StrategyCatchReread:
		created, err = l.insertCatchingDuplicate(tx, &entry)
	default:
		created, err = l.insertOrIgnore(tx, &entry)
	}
	if err != nil {
		logServiceError(l.logger, opAppend, "insert_failed", err,
			zap.String("user_id", entry.UserID),
			zap.String("token", entry.IdempotencyToken))
		return AppendResult{}, newServiceError(opAppend, "insert_failed", err)
	}
	if created {
		l.metrics.observe(entry.Reason, writeCreated)
		return AppendResult{Entry: entry, Created: true}, nil
	}

	existing, err := l.find(tx, entry.UserID, token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logServiceError(l.logger, opAppend, "existing_entry_missing", errEntryVanished,
			zap.String("user_id", entry.UserID),
			zap.String("token", entry.IdempotencyToken))
		return AppendResult{}, newServiceError(opAppend, "existing_entry_missing", errEntryVanished)
	}
	if err != nil {
		logServiceError(l.logger, opAppend, "existing_entry_select_failed", err,
			zap.String("user_id", entry.UserID),
			zap.String("token", entry.IdempotencyToken))
		return AppendResult{}, newServiceError(opAppend, "existing_entry_select_failed", err)
	}
	l.metrics.observe(existing.Reason, writeExisting)
	return AppendResult{Entry: existing, Created: false}, nil
}

func (l *Ledger) insertOrIgnore(tx *gorm.DB, entry *LedgerEntry) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "idempotency_token"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// insertCatchingDuplicate runs the insert in a nested transaction so a unique
// violation rolls back to the savepoint and leaves the outer transaction usable.
func (l *Ledger) insertCatchingDuplicate(tx *gorm.DB, entry *LedgerEntry) (bool, error) {
	err := tx.Transaction(func(savepoint *gorm.DB) error {
		return savepoint.Create(entry).Error
	})
	if err == nil {
		return true, nil
	}
	if l.isUniqueViolation(tx, err) {
		return false, nil
	}
	return false, err
}

func (l *Ledger) isUniqueViolation(tx *gorm.DB, err error) bool {
	classifier := l.classifier
	if classifier == nil {
		dialect := ""
		if tx.Dialector != nil {
			dialect = tx.Dialector.Name()
		}
		classifier = txretry.ClassifierFor(dialect)
	}
	return classifier.Classify(err) == txretry.ClassUniqueViolation
}

func (l *Ledger) find(tx *gorm.DB, userID string, token Token) (LedgerEntry, error) {
	var entry LedgerEntry
	err := tx.Where("user_id = ? AND idempotency_token = ?", userID, token.String()).Take(&entry).Error
	return entry, err
}

// Find loads the entry for (userID, token). ok is false when none exists.
func (l *Ledger) Find(tx *gorm.DB, userID string, token Token) (LedgerEntry, bool, error) {
	entry, err := l.find(tx, strings.TrimSpace(userID), token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// RemoveByToken deletes the entry for (userID, token) and reports whether a row was removed.
// Removing an absent token is a no-op.
func (l *Ledger) RemoveByToken(tx *gorm.DB, userID string, token Token) (bool, error) {
	if tx == nil {
		return false, newServiceError(opRemoveByToken, "missing_database", errMissingDatabase)
	}
	if strings.TrimSpace(token.String()) == "" {
		return false, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	existing, found, err := l.Find(tx, userID, token)
	if err != nil {
		logServiceError(l.logger, opRemoveByToken, "entry_select_failed", err,
			zap.String("user_id", userID),
			zap.String("token", token.String()))
		return false, newServiceError(opRemoveByToken, "entry_select_failed", err)
	}
	if !found {
		return false, nil
	}
	result := tx.Where("id = ?", existing.ID).Delete(&LedgerEntry{})
	if result.Error != nil {
		logServiceError(l.logger, opRemoveByToken, "delete_failed", result.Error,
			zap.String("user_id", userID),
			zap.String("token", token.String()))
		return false, newServiceError(opRemoveByToken, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	l.metrics.observe(existing.Reason, writeRemoved)
	return true, nil
}

// Total sums the user's points straight from the ledger.
func (l *Ledger) Total(tx *gorm.DB, userID string) (int64, error) {
	if tx == nil {
		return 0, newServiceError(opTotal, "missing_database", errMissingDatabase)
	}
	var total int64
	err := tx.Model(&LedgerEntry{}).
		Select("COALESCE(SUM(points), 0)").
		Where("user_id = ?", strings.TrimSpace(userID)).
		Scan(&total).Error
	if err != nil {
		logServiceError(l.logger, opTotal, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opTotal, "query_failed", err)
	}
	return total, nil
}

// RefreshCachedTotals recomputes users.honor_total from the ledger for userIDs and
// returns the number of user rows updated.
func (l *Ledger) RefreshCachedTotals(tx *gorm.DB, userIDs ...string) (int64, error) {
	if tx == nil {
		return 0, newServiceError(opRefreshTotals, "missing_database", errMissingDatabase)
	}
	unique := dedupe(userIDs)
	if len(unique) == 0 {
		return 0, nil
	}
	result := tx.Model(&users.User{}).
		Where("id IN ?", unique).
		Update("honor_total", gorm.Expr(
			"(SELECT COALESCE(SUM(e.points), 0) FROM honor_ledger_entries e WHERE e.user_id = users.id)",
		))
	if result.Error != nil {
		logServiceError(l.logger, opRefreshTotals, "update_failed", result.Error, zap.Int("users", len(unique)))
		return 0, newServiceError(opRefreshTotals, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// LockUser takes a row lock on the user's aggregate row, serializing honor writes per user.
func (l *Ledger) LockUser(tx *gorm.DB, userID string) (users.User, error) {
	if tx == nil {
		return users.User{}, newServiceError(opLockUser, "missing_database", errMissingDatabase)
	}
	var user users.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", strings.TrimSpace(userID)).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logServiceError(l.logger, opLockUser, "user_missing", users.ErrUserNotFound, zap.String("user_id", userID))
		return users.User{}, newServiceError(opLockUser, "user_missing", users.ErrUserNotFound)
	}
	if err != nil {
		return users.User{}, newServiceError(opLockUser, "select_failed", err)
	}
	return user, nil
}

// History returns the user's entries newest first.
func (l *Ledger) History(tx *gorm.DB, userID string, limit int) ([]LedgerEntry, error) {
	if tx == nil {
		return nil, newServiceError(opHistory, "missing_database", errMissingDatabase)
	}
	var entries []LedgerEntry
	err := tx.Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at_s DESC").
		Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&entries).Error
	if err != nil {
		logServiceError(l.logger, opHistory, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return entries, nil
}

// Leaderboard ranks users by cached total. Equal totals share a rank.
func (l *Ledger) Leaderboard(tx *gorm.DB, limit int) ([]Standing, error) {
	if tx == nil {
		return nil, newServiceError(opLeaderboard, "missing_database", errMissingDatabase)
	}
	var rows []users.User
	err := tx.Order("honor_total DESC").
		Order("id ASC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		logServiceError(l.logger, opLeaderboard, "query_failed", err)
		return nil, newServiceError(opLeaderboard, "query_failed", err)
	}
	standings := make([]Standing, 0, len(rows))
	for index, row := range rows {
		rank := index + 1
		if index > 0 && row.HonorTotal == standings[index-1].Total {
			rank = standings[index-1].Rank
		}
		standings = append(standings, Standing{
			Rank:        rank,
			UserID:      row.ID,
			DisplayName: row.DisplayName,
			Total:       row.HonorTotal,
		})
	}
	return standings, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	sort.Strings(unique)
	return unique
}
