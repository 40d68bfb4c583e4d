package signup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTableNotFound indicates that the referenced table does not exist.
	ErrTableNotFound = errors.New("signup: table not found")
	// ErrMembershipNotFound indicates that the referenced membership does not exist on the table.
	ErrMembershipNotFound = errors.New("signup: membership not found")
	// ErrInvalidTable indicates an unusable table specification.
	ErrInvalidTable = errors.New("signup: invalid table")
	// ErrInvalidBehaviorState indicates an unknown behavior classification.
	ErrInvalidBehaviorState = errors.New("signup: invalid behavior state")
	// ErrInvalidAttendanceState indicates an unknown attendance classification.
	ErrInvalidAttendanceState = errors.New("signup: invalid attendance state")
)

// AttendanceState records what a manager said about a member's attendance.
type AttendanceState string

const (
	AttendanceUnset     AttendanceState = "unset"
	AttendanceConfirmed AttendanceState = "confirmed"
	AttendanceNoShow    AttendanceState = "no_show"
)

// ParseAttendanceState validates raw input.
func ParseAttendanceState(raw string) (AttendanceState, error) {
	switch state := AttendanceState(strings.ToLower(strings.TrimSpace(raw))); state {
	case AttendanceUnset, AttendanceConfirmed, AttendanceNoShow:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAttendanceState, raw)
	}
}

// BehaviorState records a manager's behavior classification of a member.
type BehaviorState string

const (
	BehaviorRegular BehaviorState = "regular"
	BehaviorGood    BehaviorState = "good"
	BehaviorBad     BehaviorState = "bad"
)

// ParseBehaviorState validates raw input.
func ParseBehaviorState(raw string) (BehaviorState, error) {
	switch state := BehaviorState(strings.ToLower(strings.TrimSpace(raw))); state {
	case BehaviorRegular, BehaviorGood, BehaviorBad:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBehaviorState, raw)
	}
}

// Table is the slice of table metadata the membership ledger depends on.
type Table struct {
	ID                    string `gorm:"column:id;primaryKey;size:64;not null"`
	OwnerID               string `gorm:"column:owner_id;size:190;not null;index:idx_game_tables_owner"`
	Title                 string `gorm:"column:title;size:200;not null;default:''"`
	Capacity              int    `gorm:"column:capacity;not null"`
	SignupOpensAtSeconds  int64  `gorm:"column:signup_opens_at_s;not null;default:0"`
	SignupClosesAtSeconds int64  `gorm:"column:signup_closes_at_s;not null;default:0"`
	Cancelled             bool   `gorm:"column:cancelled;not null;default:false"`
	CreatedAtSeconds      int64  `gorm:"column:created_at_s;not null"`
}

// TableName avoids the reserved word "table".
func (Table) TableName() string {
	return "game_tables"
}

// IsOpenAt reports whether signups are accepted at moment. Zero bounds are unbounded.
func (t Table) IsOpenAt(moment time.Time) bool {
	if t.Cancelled {
		return false
	}
	seconds := moment.UTC().Unix()
	if t.SignupOpensAtSeconds > 0 && seconds < t.SignupOpensAtSeconds {
		return false
	}
	if t.SignupClosesAtSeconds > 0 && seconds >= t.SignupClosesAtSeconds {
		return false
	}
	return true
}

// Membership is a user's single active participation. UserID is unique across all tables.
type Membership struct {
	ID                   string          `gorm:"column:id;primaryKey;size:64;not null"`
	UserID               string          `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_table_memberships_user"`
	TableID              string          `gorm:"column:table_id;size:64;not null;index:idx_table_memberships_rank,priority:1"`
	CountsTowardCapacity bool            `gorm:"column:counts_toward_capacity;not null"`
	IsCoordinator        bool            `gorm:"column:is_coordinator;not null;default:false"`
	JoinedAtMillis       int64           `gorm:"column:joined_at_ms;not null;index:idx_table_memberships_rank,priority:2"`
	AttendanceState      AttendanceState `gorm:"column:attendance_state;size:16;not null;default:'unset'"`
	BehaviorState        BehaviorState   `gorm:"column:behavior_state;size:16;not null;default:'regular'"`
	BehaviorSetBy        string          `gorm:"column:behavior_set_by;size:190;not null;default:''"`
	CreatedAtSeconds     int64           `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds     int64           `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "table_memberships"
}

// SignupActivity is an append-only record of join activity, kept after withdrawal.
type SignupActivity struct {
	ID                string `gorm:"column:id;primaryKey;size:64;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index:idx_signup_activity_user_time,priority:1"`
	TableID           string `gorm:"column:table_id;size:64;not null"`
	MembershipID      string `gorm:"column:membership_id;size:64;not null"`
	Counted           bool   `gorm:"column:counted;not null"`
	OccurredAtSeconds int64  `gorm:"column:occurred_at_s;not null;index:idx_signup_activity_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SignupActivity) TableName() string {
	return "signup_activity"
}

// Models lists every model owned by the package, for migrations.
func Models() []interface{} {
	return []interface{}{&Table{}, &Membership{}, &SignupActivity{}}
}
