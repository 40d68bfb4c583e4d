package decay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opBatchNew   = "decay.batch.new"
	opCandidates = "decay.candidates"
	opApply      = "decay.apply"
	opRefresh    = "decay.refresh"

	// LockName is the job lock held for the duration of a decay run.
	LockName = "inactivity-decay"

	defaultBatchSize    = 500
	defaultRefreshChunk = 200
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingExecutor   = errors.New("transaction executor is required")
	errMissingLedger     = errors.New("ledger is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLockName   = errors.New("lock name is required")
)

// Config describes the dependencies of a Batch.
type Config struct {
	Executor           *txretry.Executor
	Ledger             *honor.Ledger
	IDProvider         ids.Provider
	Points             honor.PointsConfig
	Location           *time.Location
	BatchSize          int
	RefreshChunk       int
	RefreshConcurrency int
	Clock              func() time.Time
	Metrics            *Metrics
	Logger             *zap.Logger
}

// Options tune a single run. A nil PointsDelta uses the configured decay points.
type Options struct {
	PointsDelta *int64
	DryRun      bool
}

// Report summarises a run.
type Report struct {
	Period       Period
	DryRun       bool
	Points       int64
	Candidates   []string
	Applied      int
	Refreshed    int
	FailedChunks int
}

// Batch applies inactivity decay for a calendar period.
type Batch struct {
	executor           *txretry.Executor
	ledger             *honor.Ledger
	idProvider         ids.Provider
	points             honor.PointsConfig
	location           *time.Location
	batchSize          int
	refreshChunk       int
	refreshConcurrency int
	clock              func() time.Time
	metrics            *Metrics
	logger             *zap.Logger
}

// NewBatch constructs a Batch.
func NewBatch(cfg Config) (*Batch, error) {
	if cfg.Executor == nil {
		return nil, serviceerr.New(opBatchNew, "missing_executor", errMissingExecutor)
	}
	if cfg.Ledger == nil {
		return nil, serviceerr.New(opBatchNew, "missing_ledger", errMissingLedger)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opBatchNew, "missing_id_provider", errMissingIDProvider)
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	refreshChunk := cfg.RefreshChunk
	if refreshChunk <= 0 {
		refreshChunk = defaultRefreshChunk
	}
	concurrency := cfg.RefreshConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{
		executor:           cfg.Executor,
		ledger:             cfg.Ledger,
		idProvider:         cfg.IDProvider,
		points:             cfg.Points,
		location:           location,
		batchSize:          batchSize,
		refreshChunk:       refreshChunk,
		refreshConcurrency: concurrency,
		clock:              clock,
		metrics:            cfg.Metrics,
		logger:             logger,
	}, nil
}

// Location returns the timezone period bounds are computed in.
func (b *Batch) Location() *time.Location {
	return b.location
}

// Candidates lists users who existed before the period ended, have no counted join
// activity inside it, and have not been decayed for it yet.
func (b *Batch) Candidates(ctx context.Context, period Period) ([]string, error) {
	candidates, err := b.candidates(b.executor.Database().WithContext(ctx), period)
	if err != nil {
		b.logError(opCandidates, "query_failed", err, zap.Stringer("period", period))
		return nil, serviceerr.New(opCandidates, "query_failed", err)
	}
	return candidates, nil
}

func (b *Batch) candidates(database *gorm.DB, period Period) ([]string, error) {
	start, end := period.Bounds(b.location)
	tokenPrefix := honor.DecayTokenPrefix(period.Year, int(period.Month))
	activity := database.Session(&gorm.Session{NewDB: true}).
		Model(&signup.SignupActivity{}).
		Select("1").
		Where("signup_activity.user_id = users.id").
		Where("signup_activity.counted = ?", true).
		Where("signup_activity.occurred_at_s >= ? AND signup_activity.occurred_at_s < ?", start.Unix(), end.Unix())
	decayed := database.Session(&gorm.Session{NewDB: true}).
		Model(&honor.LedgerEntry{}).
		Select("1").
		Where("honor_ledger_entries.user_id = users.id").
		Where("honor_ledger_entries.idempotency_token LIKE ?", tokenPrefix+"%").
		// Exact DecayToken match: other tokens may share the period prefix.
		Where("SUBSTR(honor_ledger_entries.idempotency_token, ?) = users.id", len(tokenPrefix)+1)

	var candidates []string
	err := database.Model(&users.User{}).
		Where("users.created_at_s < ?", end.Unix()).
		Where("NOT EXISTS (?)", activity).
		Where("NOT EXISTS (?)", decayed).
		Order("users.id ASC").
		Pluck("users.id", &candidates).Error
	return candidates, err
}

// RunForPeriod applies one decay entry per candidate. Re-running a period only
// considers users without the period's token, so an interrupted run can be resumed.
func (b *Batch) RunForPeriod(ctx context.Context, period Period, options Options) (Report, error) {
	points := b.points.Decay
	if options.PointsDelta != nil {
		points = *options.PointsDelta
	}
	report := Report{Period: period, DryRun: options.DryRun, Points: points}

	if options.DryRun {
		candidates, err := b.Candidates(ctx, period)
		if err != nil {
			return report, err
		}
		report.Candidates = candidates
		b.logSummary(report)
		return report, nil
	}

	type applyResult struct {
		candidates []string
		applied    int
	}
	applied, err := txretry.Do(ctx, b.executor, opApply, func(tx *gorm.DB) (applyResult, error) {
		candidates, err := b.candidates(tx, period)
		if err != nil {
			return applyResult{}, err
		}
		if len(candidates) == 0 {
			return applyResult{}, nil
		}
		entries, err := b.decayEntries(period, points, candidates)
		if err != nil {
			return applyResult{}, err
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "idempotency_token"}},
			DoNothing: true,
		}).CreateInBatches(entries, b.batchSize)
		if result.Error != nil {
			return applyResult{}, result.Error
		}
		return applyResult{candidates: candidates, applied: int(result.RowsAffected)}, nil
	})
	if err != nil {
		b.logError(opApply, "insert_failed", err, zap.Stringer("period", period))
		return report, serviceerr.New(opApply, "insert_failed", err)
	}
	report.Candidates = applied.candidates
	report.Applied = applied.applied
	b.metrics.observeApplied(report.Applied)

	report.Refreshed, report.FailedChunks = b.refresh(ctx, period, applied.candidates)
	b.logSummary(report)
	return report, nil
}

// RunExclusive holds the decay job lock around RunForPeriod.
func (b *Batch) RunExclusive(ctx context.Context, lock *JobLock, period Period, options Options) (Report, error) {
	lease, err := lock.Acquire(ctx, LockName)
	if err != nil {
		return Report{Period: period, DryRun: options.DryRun}, err
	}
	defer func() {
		// Release must run even when ctx was cancelled mid-run.
		if releaseErr := lock.Release(context.WithoutCancel(ctx), lease); releaseErr != nil {
			b.logger.Warn("decay job lock release failed", zap.Error(releaseErr))
		}
	}()
	return b.RunForPeriod(ctx, period, options)
}

func (b *Batch) decayEntries(period Period, points int64, candidates []string) ([]honor.LedgerEntry, error) {
	createdAt := b.clock().UTC().Unix()
	entries := make([]honor.LedgerEntry, 0, len(candidates))
	for _, userID := range candidates {
		entryID, err := b.idProvider.NewID()
		if err != nil {
			return nil, err
		}
		entries = append(entries, honor.LedgerEntry{
			ID:               entryID,
			UserID:           userID,
			Points:           points,
			Reason:           honor.ReasonInactivityDecay,
			Metadata:         map[string]interface{}{"period": period.String()},
			IdempotencyToken: honor.DecayToken(period.Year, int(period.Month), userID).String(),
			CreatedAtSeconds: createdAt,
		})
	}
	return entries, nil
}

// refresh recomputes cached totals chunk by chunk. A failed chunk is logged and
// counted; the ledger rows are already committed, so a later refresh repairs it.
func (b *Batch) refresh(ctx context.Context, period Period, userIDs []string) (int, int) {
	var (
		mu        sync.Mutex
		refreshed int
		failed    int
		group     errgroup.Group
	)
	group.SetLimit(b.refreshConcurrency)
	for start := 0; start < len(userIDs); start += b.refreshChunk {
		end := min(start+b.refreshChunk, len(userIDs))
		chunk := userIDs[start:end]
		group.Go(func() error {
			updated, err := txretry.Do(ctx, b.executor, opRefresh, func(tx *gorm.DB) (int64, error) {
				return b.ledger.RefreshCachedTotals(tx, chunk...)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				b.metrics.observeFailedChunk()
				b.logError(opRefresh, "chunk_failed", err,
					zap.Stringer("period", period),
					zap.Int("chunk_start", start),
					zap.Int("chunk_size", len(chunk)))
				return nil
			}
			refreshed += int(updated)
			return nil
		})
	}
	_ = group.Wait()
	return refreshed, failed
}

func (b *Batch) logSummary(report Report) {
	b.logger.Info("inactivity decay finished",
		zap.Stringer("period", report.Period),
		zap.Bool("dry_run", report.DryRun),
		zap.Int64("points", report.Points),
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("applied", report.Applied),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("failed_chunks", report.FailedChunks))
}

func (b *Batch) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	b.logger.Error("decay batch error", attrs...)
}

// Models lists every model owned by the package, for migrations.
func Models() []interface{} {
	return []interface{}{&JobLease{}}
}
