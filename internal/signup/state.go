package signup

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockMembership loads the membership on tableID for update.
func LockMembership(tx *gorm.DB, tableID, membershipID string) (Membership, error) {
	var membership Membership
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND table_id = ?", strings.TrimSpace(membershipID), strings.TrimSpace(tableID)).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, ErrMembershipNotFound
	}
	if err != nil {
		return Membership{}, err
	}
	return membership, nil
}

// RecordAttendance stores the attendance classification of a membership.
func RecordAttendance(tx *gorm.DB, membershipID string, state AttendanceState, at time.Time) error {
	return tx.Model(&Membership{}).
		Where("id = ?", membershipID).
		Updates(map[string]interface{}{
			"attendance_state": state,
			"updated_at_s":     at.UTC().Unix(),
		}).Error
}

// RecordBehavior stores the behavior classification of a membership and the manager who set it.
func RecordBehavior(tx *gorm.DB, membershipID string, state BehaviorState, setBy string, at time.Time) error {
	return tx.Model(&Membership{}).
		Where("id = ?", membershipID).
		Updates(map[string]interface{}{
			"behavior_state":  state,
			"behavior_set_by": setBy,
			"updated_at_s":    at.UTC().Unix(),
		}).Error
}
