package signup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingExecutor    = errors.New("transaction executor is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMembershipVanished = errors.New("conflicting membership could not be re-read")
	noOpLogger            = zap.NewNop()
)

const (
	opServiceNew    = "signup.service.new"
	opJoin          = "signup.join"
	opWithdraw      = "signup.withdraw"
	opRoster        = "signup.roster"
	opLookup        = "signup.lookup"
	opCanManage     = "signup.can_manage"
	opRegisterTable = "signup.register_table"
)

// OutcomeKind enumerates the deterministic results of Join.
type OutcomeKind string

const (
	OutcomeCreated      OutcomeKind = "created"
	OutcomeAlreadyHere  OutcomeKind = "already_here"
	OutcomeMovedFrom    OutcomeKind = "moved"
	OutcomeBlockedOther OutcomeKind = "blocked_other"
	OutcomeTableClosed  OutcomeKind = "table_closed"
)

// JoinRequest describes a join attempt.
type JoinRequest struct {
	UserID              string
	TableID             string
	AllowMove           bool
	Coordinator         bool
	ExcludeFromCapacity bool
}

// JoinOutcome is the typed result of Join. OtherTableID is set for MovedFrom (the
// table left) and BlockedOther (the table holding the membership).
type JoinOutcome struct {
	Kind         OutcomeKind
	Membership   *Membership
	OtherTableID string
}

// ServiceConfig describes the dependencies of the membership ledger.
type ServiceConfig struct {
	Executor   *txretry.Executor
	IDProvider ids.Provider
	Clock      func() time.Time
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Service is the membership ledger: at most one membership per user across all tables.
type Service struct {
	executor     *txretry.Executor
	joinExecutor *txretry.Executor
	idProvider   ids.Provider
	clock        func() time.Time
	metrics      *Metrics
	logger       *zap.Logger
}

// NewService constructs the membership ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Executor == nil {
		return nil, serviceerr.New(opServiceNew, "missing_executor", errMissingExecutor)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	joinPolicy := cfg.Executor.Policy()
	joinPolicy.RetryUniqueViolations = true
	return &Service{
		executor:     cfg.Executor,
		joinExecutor: cfg.Executor.WithPolicy(joinPolicy),
		idProvider:   cfg.IDProvider,
		clock:        clock,
		metrics:      cfg.Metrics,
		logger:       logger,
	}, nil
}

// Join places the user on the table, or explains why not. A lost insert race is
// re-read and reclassified; if the row cannot be found the whole operation re-runs.
func (s *Service) Join(ctx context.Context, request JoinRequest) (JoinOutcome, error) {
	userID, err := users.NewUserID(request.UserID)
	if err != nil {
		return JoinOutcome{}, err
	}
	tableID := strings.TrimSpace(request.TableID)
	if tableID == "" {
		return JoinOutcome{}, ErrTableNotFound
	}
	request.UserID = userID.String()
	request.TableID = tableID

	outcome, err := txretry.Do(ctx, s.joinExecutor, opJoin, func(tx *gorm.DB) (JoinOutcome, error) {
		return s.join(tx, request)
	})
	if err != nil {
		if errors.Is(err, ErrTableNotFound) || errors.Is(err, users.ErrUserNotFound) {
			return JoinOutcome{}, err
		}
		if s.executor.IsUniqueViolation(err) {
			s.logError(opJoin, "unresolved_conflict", err,
				zap.String("user_id", request.UserID),
				zap.String("table_id", request.TableID))
			return JoinOutcome{}, serviceerr.New(opJoin, "unresolved_conflict", err)
		}
		s.logError(opJoin, "transaction_failed", err,
			zap.String("user_id", request.UserID),
			zap.String("table_id", request.TableID))
		return JoinOutcome{}, err
	}
	s.metrics.observe(opJoin, string(outcome.Kind))
	return outcome, nil
}

func (s *Service) join(tx *gorm.DB, request JoinRequest) (JoinOutcome, error) {
	now := s.clock().UTC()
	table, err := lockTable(tx, request.TableID)
	if err != nil {
		return JoinOutcome{}, err
	}
	if err := requireUser(tx, request.UserID); err != nil {
		return JoinOutcome{}, err
	}
	if !table.IsOpenAt(now) {
		return JoinOutcome{Kind: OutcomeTableClosed}, nil
	}

	existing, found, err := lockMembershipByUser(tx, request.UserID)
	if err != nil {
		return JoinOutcome{}, serviceerr.New(opJoin, "membership_select_failed", err)
	}
	if !found {
		membershipID, err := s.idProvider.NewID()
		if err != nil {
			return JoinOutcome{}, serviceerr.New(opJoin, "id_generation_failed", err)
		}
		membership := Membership{
			ID:                   membershipID,
			UserID:               request.UserID,
			TableID:              request.TableID,
			CountsTowardCapacity: !request.ExcludeFromCapacity,
			IsCoordinator:        request.Coordinator,
			JoinedAtMillis:       now.UnixMilli(),
			AttendanceState:      AttendanceUnset,
			BehaviorState:        BehaviorRegular,
			CreatedAtSeconds:     now.Unix(),
			UpdatedAtSeconds:     now.Unix(),
		}
		conflict, err := s.insertMembership(tx, &membership)
		if err != nil {
			return JoinOutcome{}, serviceerr.New(opJoin, "membership_insert_failed", err)
		}
		if conflict == nil {
			if err := s.recordActivity(tx, membership, now); err != nil {
				return JoinOutcome{}, err
			}
			return JoinOutcome{Kind: OutcomeCreated, Membership: &membership}, nil
		}

		existing, found, err = lockMembershipByUser(tx, request.UserID)
		if err != nil {
			return JoinOutcome{}, serviceerr.New(opJoin, "membership_select_failed", err)
		}
		if !found {
			// The conflicting row is not visible to this transaction; surface the
			// violation so the executor re-runs the whole join.
			return JoinOutcome{}, fmt.Errorf("%w: %w", errMembershipVanished, conflict)
		}
	}
	return s.reconcile(tx, request, existing, now)
}

func (s *Service) reconcile(tx *gorm.DB, request JoinRequest, existing Membership, now time.Time) (JoinOutcome, error) {
	if existing.TableID == request.TableID {
		return JoinOutcome{Kind: OutcomeAlreadyHere, Membership: &existing}, nil
	}
	if !request.AllowMove {
		return JoinOutcome{Kind: OutcomeBlockedOther, Membership: &existing, OtherTableID: existing.TableID}, nil
	}

	previousTableID := existing.TableID
	updates := map[string]interface{}{
		"table_id":               request.TableID,
		"counts_toward_capacity": !request.ExcludeFromCapacity,
		"is_coordinator":         request.Coordinator,
		"joined_at_ms":           now.UnixMilli(),
		"attendance_state":       AttendanceUnset,
		"behavior_state":         BehaviorRegular,
		"behavior_set_by":        "",
		"updated_at_s":           now.Unix(),
	}
	result := tx.Model(&Membership{}).Where("id = ? AND table_id = ?", existing.ID, previousTableID).Updates(updates)
	if result.Error != nil {
		return JoinOutcome{}, serviceerr.New(opJoin, "membership_move_failed", result.Error)
	}
	if result.RowsAffected != 1 {
		return JoinOutcome{}, serviceerr.New(opJoin, "membership_move_failed", errMembershipVanished)
	}

	moved := existing
	moved.TableID = request.TableID
	moved.CountsTowardCapacity = !request.ExcludeFromCapacity
	moved.IsCoordinator = request.Coordinator
	moved.JoinedAtMillis = now.UnixMilli()
	moved.AttendanceState = AttendanceUnset
	moved.BehaviorState = BehaviorRegular
	moved.BehaviorSetBy = ""
	moved.UpdatedAtSeconds = now.Unix()
	if err := s.recordActivity(tx, moved, now); err != nil {
		return JoinOutcome{}, err
	}
	return JoinOutcome{Kind: OutcomeMovedFrom, Membership: &moved, OtherTableID: previousTableID}, nil
}

// insertMembership returns the unique violation as conflict when another writer
// already holds the user's membership.
func (s *Service) insertMembership(tx *gorm.DB, membership *Membership) (conflict error, err error) {
	insertErr := tx.Transaction(func(savepoint *gorm.DB) error {
		return savepoint.Create(membership).Error
	})
	if insertErr == nil {
		return nil, nil
	}
	if s.executor.IsUniqueViolation(insertErr) {
		return insertErr, nil
	}
	return nil, insertErr
}

func (s *Service) recordActivity(tx *gorm.DB, membership Membership, now time.Time) error {
	activityID, err := s.idProvider.NewID()
	if err != nil {
		return serviceerr.New(opJoin, "id_generation_failed", err)
	}
	activity := SignupActivity{
		ID:                activityID,
		UserID:            membership.UserID,
		TableID:           membership.TableID,
		MembershipID:      membership.ID,
		Counted:           membership.CountsTowardCapacity,
		OccurredAtSeconds: now.Unix(),
	}
	if err := tx.Create(&activity).Error; err != nil {
		return serviceerr.New(opJoin, "activity_insert_failed", err)
	}
	return nil
}

// Withdraw deletes the user's membership only if it is on tableID.
func (s *Service) Withdraw(ctx context.Context, userID, tableID string) (bool, error) {
	validUserID, err := users.NewUserID(userID)
	if err != nil {
		return false, err
	}
	removed, err := txretry.Do(ctx, s.executor, opWithdraw, func(tx *gorm.DB) (bool, error) {
		result := tx.Where("user_id = ? AND table_id = ?", validUserID.String(), strings.TrimSpace(tableID)).
			Delete(&Membership{})
		if result.Error != nil {
			return false, result.Error
		}
		return result.RowsAffected > 0, nil
	})
	if err != nil {
		s.logError(opWithdraw, "delete_failed", err,
			zap.String("user_id", validUserID.String()),
			zap.String("table_id", tableID))
		return false, serviceerr.New(opWithdraw, "delete_failed", err)
	}
	if removed {
		s.metrics.observe(opWithdraw, "removed")
	} else {
		s.metrics.observe(opWithdraw, "absent")
	}
	return removed, nil
}

// Lookup returns the user's active membership, if any.
func (s *Service) Lookup(ctx context.Context, userID string) (Membership, bool, error) {
	var membership Membership
	err := s.executor.Database().WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, false, nil
	}
	if err != nil {
		s.logError(opLookup, "query_failed", err, zap.String("user_id", userID))
		return Membership{}, false, serviceerr.New(opLookup, "query_failed", err)
	}
	return membership, true, nil
}

// CanManage reports whether userID owns tableID or coordinates it.
func (s *Service) CanManage(ctx context.Context, userID, tableID string) (bool, error) {
	database := s.executor.Database().WithContext(ctx)
	table, err := findTable(database, tableID)
	if err != nil {
		if !errors.Is(err, ErrTableNotFound) {
			s.logError(opCanManage, "table_lookup_failed", err, zap.String("table_id", tableID))
			return false, serviceerr.New(opCanManage, "table_lookup_failed", err)
		}
		return false, err
	}
	trimmedUserID := strings.TrimSpace(userID)
	if trimmedUserID == "" {
		return false, nil
	}
	if table.OwnerID == trimmedUserID {
		return true, nil
	}
	var coordinators int64
	err = database.Model(&Membership{}).
		Where("table_id = ? AND user_id = ? AND is_coordinator = ?", table.ID, trimmedUserID, true).
		Count(&coordinators).Error
	if err != nil {
		s.logError(opCanManage, "membership_lookup_failed", err, zap.String("table_id", tableID))
		return false, serviceerr.New(opCanManage, "membership_lookup_failed", err)
	}
	return coordinators > 0, nil
}

// requireUser keeps memberships from pointing at users that were never resolved.
func requireUser(tx *gorm.DB, userID string) error {
	var count int64
	if err := tx.Model(&users.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return serviceerr.New(opJoin, "user_lookup_failed", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", users.ErrUserNotFound, userID)
	}
	return nil
}

func lockTable(tx *gorm.DB, tableID string) (Table, error) {
	var table Table
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", tableID).Take(&table).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Table{}, ErrTableNotFound
	}
	if err != nil {
		return Table{}, serviceerr.New(opJoin, "table_lookup_failed", err)
	}
	return table, nil
}

func findTable(database *gorm.DB, tableID string) (Table, error) {
	var table Table
	err := database.Where("id = ?", strings.TrimSpace(tableID)).Take(&table).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Table{}, ErrTableNotFound
	}
	if err != nil {
		return Table{}, err
	}
	return table, nil
}

func lockMembershipByUser(tx *gorm.DB, userID string) (Membership, bool, error) {
	var membership Membership
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, false, nil
	}
	if err != nil {
		return Membership{}, false, err
	}
	return membership, true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("signup service error", attrs...)
}
