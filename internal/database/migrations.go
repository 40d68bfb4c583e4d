package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRecomputeHonorTotals   = "2026-09-01_recompute_honor_totals"
	migrationBackfillSignupActivity = "2026-09-14_backfill_signup_activity"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRecomputeHonorTotals, apply: recomputeHonorTotals},
		{name: migrationBackfillSignupActivity, apply: backfillSignupActivity},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// recomputeHonorTotals rebuilds every cached total from the ledger.
func recomputeHonorTotals(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("1 = 1").
		Update("honor_total", gorm.Expr("(SELECT COALESCE(SUM(e.points), 0) FROM honor_ledger_entries e WHERE e.user_id = users.id)")).Error
}

// backfillSignupActivity gives memberships created before activity tracking a counted
// activity row at their join time, so they are not mistaken for inactive users.
func backfillSignupActivity(db *gorm.DB) error {
	missing := db.Session(&gorm.Session{NewDB: true}).
		Model(&signup.SignupActivity{}).
		Select("1").
		Where("signup_activity.membership_id = table_memberships.id")

	var memberships []signup.Membership
	if err := db.Where("NOT EXISTS (?)", missing).Find(&memberships).Error; err != nil {
		return err
	}
	if len(memberships) == 0 {
		return nil
	}
	activity := make([]signup.SignupActivity, 0, len(memberships))
	for _, membership := range memberships {
		activity = append(activity, signup.SignupActivity{
			ID:                "backfill:" + membership.ID,
			UserID:            membership.UserID,
			TableID:           membership.TableID,
			MembershipID:      membership.ID,
			Counted:           membership.CountsTowardCapacity,
			OccurredAtSeconds: membership.JoinedAtMillis / 1000,
		})
	}
	return db.CreateInBatches(activity, 200).Error
}
