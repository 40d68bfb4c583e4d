package honor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Actor is the authenticated caller, with authorization resolved by the web layer.
type Actor struct {
	UserID    string
	CanManage bool
}

// RuleOutcome reports what a rule application wrote.
type RuleOutcome struct {
	UserID  string       `json:"user_id"`
	Entry   *LedgerEntry `json:"entry,omitempty"`
	Created bool         `json:"created"`
	Removed int          `json:"removed"`
	Changed bool         `json:"changed"`
	Total   int64        `json:"total"`
}

// HonorChanged is published after a committed rule application changed a user's ledger.
type HonorChanged struct {
	UserID string `json:"user_id"`
	Total  int64  `json:"total"`
}

// Notifier receives honor change events.
type Notifier interface {
	NotifyHonorChanged(event HonorChanged)
}

// RuleEngineConfig describes the dependencies of a RuleEngine.
type RuleEngineConfig struct {
	Executor *txretry.Executor
	Ledger   *Ledger
	Points   PointsConfig
	Clock    func() time.Time
	Notifier Notifier
	Logger   *zap.Logger
}

// RuleEngine keeps the ledger in step with attendance and behavior classifications.
// Every method states the desired classification; superseded grants are removed in
// the same transaction so totals reflect only the current one.
type RuleEngine struct {
	executor *txretry.Executor
	ledger   *Ledger
	points   PointsConfig
	clock    func() time.Time
	notifier Notifier
	logger   *zap.Logger
}

// NewRuleEngine constructs a RuleEngine.
func NewRuleEngine(cfg RuleEngineConfig) (*RuleEngine, error) {
	if cfg.Executor == nil {
		return nil, newServiceError(opRuleEngineNew, "missing_executor", errMissingExecutor)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opRuleEngineNew, "missing_ledger", errMissingLedger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RuleEngine{
		executor: cfg.Executor,
		ledger:   cfg.Ledger,
		points:   cfg.Points,
		clock:    clock,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Points returns the configured point table.
func (r *RuleEngine) Points() PointsConfig {
	return r.points
}

// ConfirmAttendance grants the attendance points and retracts a standing no-show.
func (r *RuleEngine) ConfirmAttendance(ctx context.Context, actor Actor, tableID, membershipID string) (RuleOutcome, error) {
	return r.applyToMembership(ctx, opConfirmAttendance, actor, tableID, membershipID,
		func(tx *gorm.DB, membership signup.Membership, outcome *RuleOutcome) error {
			if err := r.retract(tx, outcome, membership.UserID, NoShowToken(membership.TableID, membership.ID)); err != nil {
				return err
			}
			if err := r.grant(tx, outcome, actor, membership, ReasonAttended, AttendedToken(membership.TableID, membership.ID)); err != nil {
				return err
			}
			return signup.RecordAttendance(tx, membership.ID, signup.AttendanceConfirmed, r.clock())
		})
}

// UnconfirmAttendance returns the membership to unset attendance by deleting whichever
// attendance entry stands.
func (r *RuleEngine) UnconfirmAttendance(ctx context.Context, actor Actor, tableID, membershipID string) (RuleOutcome, error) {
	return r.applyToMembership(ctx, opUnconfirmAttendance, actor, tableID, membershipID,
		func(tx *gorm.DB, membership signup.Membership, outcome *RuleOutcome) error {
			if err := r.retract(tx, outcome, membership.UserID, AttendedToken(membership.TableID, membership.ID)); err != nil {
				return err
			}
			if err := r.retract(tx, outcome, membership.UserID, NoShowToken(membership.TableID, membership.ID)); err != nil {
				return err
			}
			return signup.RecordAttendance(tx, membership.ID, signup.AttendanceUnset, r.clock())
		})
}

// MarkNoShow applies the no-show penalty and retracts attendance points.
func (r *RuleEngine) MarkNoShow(ctx context.Context, actor Actor, tableID, membershipID string) (RuleOutcome, error) {
	return r.applyToMembership(ctx, opMarkNoShow, actor, tableID, membershipID,
		func(tx *gorm.DB, membership signup.Membership, outcome *RuleOutcome) error {
			if err := r.retract(tx, outcome, membership.UserID, AttendedToken(membership.TableID, membership.ID)); err != nil {
				return err
			}
			if err := r.grant(tx, outcome, actor, membership, ReasonNoShow, NoShowToken(membership.TableID, membership.ID)); err != nil {
				return err
			}
			return signup.RecordAttendance(tx, membership.ID, signup.AttendanceNoShow, r.clock())
		})
}

// SetAttendance dispatches on the requested attendance state.
func (r *RuleEngine) SetAttendance(ctx context.Context, actor Actor, tableID, membershipID string, state signup.AttendanceState) (RuleOutcome, error) {
	switch state {
	case signup.AttendanceConfirmed:
		return r.ConfirmAttendance(ctx, actor, tableID, membershipID)
	case signup.AttendanceNoShow:
		return r.MarkNoShow(ctx, actor, tableID, membershipID)
	case signup.AttendanceUnset:
		return r.UnconfirmAttendance(ctx, actor, tableID, membershipID)
	default:
		return RuleOutcome{}, fmt.Errorf("%w: %q", signup.ErrInvalidAttendanceState, state)
	}
}

// SetBehavior classifies the member's behavior as the acting manager. The previous
// classification's entry is removed, whoever set it; regular leaves no entry.
func (r *RuleEngine) SetBehavior(ctx context.Context, actor Actor, tableID, membershipID string, state signup.BehaviorState) (RuleOutcome, error) {
	if _, err := signup.ParseBehaviorState(string(state)); err != nil {
		return RuleOutcome{}, err
	}
	return r.applyToMembership(ctx, opSetBehavior, actor, tableID, membershipID,
		func(tx *gorm.DB, membership signup.Membership, outcome *RuleOutcome) error {
			superseded := make([]Token, 0, 3)
			previousUnchanged := membership.BehaviorState == state && membership.BehaviorSetBy == actor.UserID
			if membership.BehaviorState != signup.BehaviorRegular && membership.BehaviorSetBy != "" && !previousUnchanged {
				superseded = append(superseded, BehaviorToken(membership.TableID, membership.ID, string(membership.BehaviorState), membership.BehaviorSetBy))
			}
			for _, other := range []signup.BehaviorState{signup.BehaviorGood, signup.BehaviorBad} {
				if other != state {
					superseded = append(superseded, BehaviorToken(membership.TableID, membership.ID, string(other), actor.UserID))
				}
			}
			for _, token := range superseded {
				if err := r.retract(tx, outcome, membership.UserID, token); err != nil {
					return err
				}
			}

			setBy := ""
			switch state {
			case signup.BehaviorGood:
				setBy = actor.UserID
				if err := r.grant(tx, outcome, actor, membership, ReasonBehaviorGood, BehaviorToken(membership.TableID, membership.ID, string(state), actor.UserID)); err != nil {
					return err
				}
			case signup.BehaviorBad:
				setBy = actor.UserID
				if err := r.grant(tx, outcome, actor, membership, ReasonBehaviorBad, BehaviorToken(membership.TableID, membership.ID, string(state), actor.UserID)); err != nil {
					return err
				}
			}
			return signup.RecordBehavior(tx, membership.ID, state, setBy, r.clock())
		})
}

// Adjust appends a manual adjustment identified by a caller-chosen token.
func (r *RuleEngine) Adjust(ctx context.Context, actor Actor, userID string, points int64, token Token, note string) (RuleOutcome, error) {
	if !actor.CanManage {
		return RuleOutcome{}, ErrNotAuthorized
	}
	validToken, err := NewToken(token.String())
	if err != nil {
		return RuleOutcome{}, err
	}
	outcome, err := txretry.Do(ctx, r.executor, opAdjust, func(tx *gorm.DB) (RuleOutcome, error) {
		user, err := r.ledger.LockUser(tx, userID)
		if err != nil {
			return RuleOutcome{}, err
		}
		outcome := RuleOutcome{UserID: user.ID}
		metadata := map[string]interface{}{"actor_id": actor.UserID}
		if trimmed := strings.TrimSpace(note); trimmed != "" {
			metadata["note"] = trimmed
		}
		result, err := r.ledger.Append(tx, AppendRequest{
			UserID:   user.ID,
			Points:   points,
			Reason:   ReasonManualAdjustment,
			Metadata: metadata,
			Token:    validToken,
		})
		if err != nil {
			return RuleOutcome{}, err
		}
		entry := result.Entry
		outcome.Entry = &entry
		outcome.Created = result.Created
		outcome.Changed = result.Created
		return r.finish(tx, outcome)
	})
	return r.complete(opAdjust, outcome, err)
}

type ruleMutation func(tx *gorm.DB, membership signup.Membership, outcome *RuleOutcome) error

func (r *RuleEngine) applyToMembership(ctx context.Context, operation string, actor Actor, tableID, membershipID string, mutate ruleMutation) (RuleOutcome, error) {
	if !actor.CanManage {
		return RuleOutcome{}, ErrNotAuthorized
	}
	outcome, err := txretry.Do(ctx, r.executor, operation, func(tx *gorm.DB) (RuleOutcome, error) {
		membership, err := signup.LockMembership(tx, tableID, membershipID)
		if err != nil {
			return RuleOutcome{}, err
		}
		if _, err := r.ledger.LockUser(tx, membership.UserID); err != nil {
			return RuleOutcome{}, err
		}
		outcome := RuleOutcome{UserID: membership.UserID}
		if err := mutate(tx, membership, &outcome); err != nil {
			return RuleOutcome{}, err
		}
		return r.finish(tx, outcome)
	})
	return r.complete(operation, outcome, err)
}

// finish refreshes the cached aggregate only when the ledger changed.
func (r *RuleEngine) finish(tx *gorm.DB, outcome RuleOutcome) (RuleOutcome, error) {
	if outcome.Changed {
		if _, err := r.ledger.RefreshCachedTotals(tx, outcome.UserID); err != nil {
			return RuleOutcome{}, err
		}
	}
	total, err := r.ledger.Total(tx, outcome.UserID)
	if err != nil {
		return RuleOutcome{}, err
	}
	outcome.Total = total
	return outcome, nil
}

func (r *RuleEngine) complete(operation string, outcome RuleOutcome, err error) (RuleOutcome, error) {
	if err != nil {
		if !isExpectedRuleError(err) {
			logServiceError(r.logger, operation, "transaction_failed", err)
		}
		return RuleOutcome{}, err
	}
	if outcome.Changed && r.notifier != nil {
		r.notifier.NotifyHonorChanged(HonorChanged{UserID: outcome.UserID, Total: outcome.Total})
	}
	return outcome, nil
}

func (r *RuleEngine) grant(tx *gorm.DB, outcome *RuleOutcome, actor Actor, membership signup.Membership, reason Reason, token Token) error {
	result, err := r.ledger.Append(tx, AppendRequest{
		UserID: membership.UserID,
		Points: r.points.For(reason),
		Reason: reason,
		Metadata: map[string]interface{}{
			"table_id":      membership.TableID,
			"membership_id": membership.ID,
			"actor_id":      actor.UserID,
		},
		Token: token,
	})
	if err != nil {
		return err
	}
	entry := result.Entry
	outcome.Entry = &entry
	outcome.Created = result.Created
	if result.Created {
		outcome.Changed = true
	}
	return nil
}

func (r *RuleEngine) retract(tx *gorm.DB, outcome *RuleOutcome, userID string, token Token) error {
	removed, err := r.ledger.RemoveByToken(tx, userID, token)
	if err != nil {
		return err
	}
	if removed {
		outcome.Removed++
		outcome.Changed = true
	}
	return nil
}

func isExpectedRuleError(err error) bool {
	return errors.Is(err, signup.ErrMembershipNotFound) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, users.ErrInvalidUserID)
}
