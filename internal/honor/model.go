package honor

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

const maxTokenLength = 255

var (
	// ErrInvalidToken indicates that an idempotency token is empty or too long.
	ErrInvalidToken = errors.New("honor: invalid idempotency token")
	// ErrInvalidReason indicates a reason outside the closed reason table.
	ErrInvalidReason = errors.New("honor: invalid reason")
)

// Reason classifies why points were granted or taken.
type Reason string

const (
	ReasonAttended         Reason = "attended"
	ReasonNoShow           Reason = "no_show"
	ReasonBehaviorGood     Reason = "behavior_good"
	ReasonBehaviorBad      Reason = "behavior_bad"
	ReasonInactivityDecay  Reason = "inactivity_decay"
	ReasonManualAdjustment Reason = "manual_adjustment"
)

var knownReasons = map[Reason]struct{}{
	ReasonAttended:         {},
	ReasonNoShow:           {},
	ReasonBehaviorGood:     {},
	ReasonBehaviorBad:      {},
	ReasonInactivityDecay:  {},
	ReasonManualAdjustment: {},
}

// ParseReason validates raw input against the reason table.
func ParseReason(raw string) (Reason, error) {
	reason := Reason(strings.TrimSpace(raw))
	if _, ok := knownReasons[reason]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
	return reason, nil
}

// Valid reports whether the reason is part of the reason table.
func (r Reason) Valid() bool {
	_, ok := knownReasons[r]
	return ok
}

func (r Reason) String() string {
	return string(r)
}

// Token identifies one logical event for one user.
type Token string

// NewToken validates raw input and returns a Token.
func NewToken(raw string) (Token, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if len(trimmed) > maxTokenLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidToken, maxTokenLength)
	}
	return Token(trimmed), nil
}

func (t Token) String() string {
	return string(t)
}

// AttendedToken is granted while a membership's attendance is confirmed.
func AttendedToken(tableID, membershipID string) Token {
	return Token(fmt.Sprintf("table:%s:membership:%s:attended", tableID, membershipID))
}

// NoShowToken is held while a membership is marked as a no-show.
func NoShowToken(tableID, membershipID string) Token {
	return Token(fmt.Sprintf("table:%s:membership:%s:no_show", tableID, membershipID))
}

// BehaviorToken is held while managerID's good or bad classification stands.
func BehaviorToken(tableID, membershipID, state, managerID string) Token {
	return Token(fmt.Sprintf("table:%s:membership:%s:behavior:%s:by:%s", tableID, membershipID, state, managerID))
}

// DecayTokenPrefix is shared by every decay token of a period.
func DecayTokenPrefix(year, month int) string {
	return fmt.Sprintf("decay:inactivity:%04d-%02d:", year, month)
}

// DecayToken is the one-shot inactivity decay token for a user and period.
func DecayToken(year, month int, userID string) Token {
	return Token(DecayTokenPrefix(year, month) + userID)
}

// LedgerEntry is one append-only honor event.
type LedgerEntry struct {
	ID               string            `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	UserID           string            `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_honor_entries_token,priority:1;index:idx_honor_entries_user_created,priority:1" json:"user_id"`
	Points           int64             `gorm:"column:points;not null" json:"points"`
	Reason           Reason            `gorm:"column:reason;size:64;not null" json:"reason"`
	Metadata         datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	IdempotencyToken string            `gorm:"column:idempotency_token;size:255;not null;uniqueIndex:idx_honor_entries_token,priority:2" json:"idempotency_token"`
	CreatedAtSeconds int64             `gorm:"column:created_at_s;not null;index:idx_honor_entries_user_created,priority:2" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (LedgerEntry) TableName() string {
	return "honor_ledger_entries"
}

// Models lists every model owned by the package, for migrations.
func Models() []interface{} {
	return []interface{}{&LedgerEntry{}}
}
