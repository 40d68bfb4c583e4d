package decay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLockAcquire = "decay.lock.acquire"
	opLockRelease = "decay.lock.release"

	defaultLeaseTTL = 30 * time.Minute
)

// ErrLockHeld indicates another process holds an unexpired lease.
var ErrLockHeld = errors.New("decay: job lock held")

// JobLease is one row of the job_locks table.
type JobLease struct {
	Name             string `gorm:"column:name;primaryKey;size:128;not null"`
	Holder           string `gorm:"column:holder;size:64;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (JobLease) TableName() string {
	return "job_locks"
}

// JobLockConfig describes the dependencies of a JobLock.
type JobLockConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	TTL        time.Duration
	Logger     *zap.Logger
}

// JobLock is a database lease that keeps at most one batch run alive per name.
type JobLock struct {
	db         *gorm.DB
	idProvider ids.Provider
	clock      func() time.Time
	ttl        time.Duration
	logger     *zap.Logger
}

// NewJobLock constructs a JobLock.
func NewJobLock(cfg JobLockConfig) (*JobLock, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobLock{db: cfg.Database, idProvider: idProvider, clock: clock, ttl: ttl, logger: logger}, nil
}

// Acquire claims the named lease, clearing it first if it has expired.
func (l *JobLock) Acquire(ctx context.Context, name string) (JobLease, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return JobLease{}, serviceerr.New(opLockAcquire, "missing_name", errMissingLockName)
	}
	holder, err := l.idProvider.NewID()
	if err != nil {
		return JobLease{}, serviceerr.New(opLockAcquire, "id_generation_failed", err)
	}
	now := l.clock().UTC()
	lease := JobLease{Name: trimmed, Holder: holder, ExpiresAtSeconds: now.Add(l.ttl).Unix()}

	database := l.db.WithContext(ctx)
	if err := database.Where("name = ? AND expires_at_s <= ?", trimmed, now.Unix()).Delete(&JobLease{}).Error; err != nil {
		l.logger.Error("job lock cleanup failed", zap.String("name", trimmed), zap.Error(err))
		return JobLease{}, serviceerr.New(opLockAcquire, "cleanup_failed", err)
	}
	result := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if result.Error != nil {
		l.logger.Error("job lock insert failed", zap.String("name", trimmed), zap.Error(result.Error))
		return JobLease{}, serviceerr.New(opLockAcquire, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var current JobLease
		if err := database.Where("name = ?", trimmed).Take(&current).Error; err == nil {
			return JobLease{}, fmt.Errorf("%w: %s until %s", ErrLockHeld, current.Holder, time.Unix(current.ExpiresAtSeconds, 0).UTC().Format(time.RFC3339))
		}
		return JobLease{}, ErrLockHeld
	}
	return lease, nil
}

// Release drops the lease if it is still held by the same holder.
func (l *JobLock) Release(ctx context.Context, lease JobLease) error {
	err := l.db.WithContext(ctx).
		Where("name = ? AND holder = ?", lease.Name, lease.Holder).
		Delete(&JobLease{}).Error
	if err != nil {
		l.logger.Error("job lock release failed", zap.String("name", lease.Name), zap.Error(err))
		return serviceerr.New(opLockRelease, "delete_failed", err)
	}
	return nil
}
