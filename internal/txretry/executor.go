package txretry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRetriesExhausted marks a transient failure that outlived every attempt.
	ErrRetriesExhausted = errors.New("txretry: retries exhausted")

	errMissingDatabase = errors.New("txretry: database handle is required")
)

// ExhaustedError carries the last transient error once attempts run out.
// It matches both ErrRetriesExhausted and the underlying cause with errors.Is.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", ErrRetriesExhausted.Error(), e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// Config describes the dependencies of an Executor.
type Config struct {
	Database *gorm.DB
	Policy   Policy
	Logger   *zap.Logger
	Metrics  *Metrics
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, wait time.Duration) error
	// Random feeds jitter; nil uses math/rand.
	Random func() float64
}

// Executor runs functions inside database transactions and retries transient conflicts.
type Executor struct {
	db      *gorm.DB
	policy  Policy
	logger  *zap.Logger
	metrics *Metrics
	sleep   func(ctx context.Context, wait time.Duration) error
	random  func() float64
}

// NewExecutor validates the policy and constructs an Executor. A nil policy classifier
// is replaced by the classifier matching the database dialect.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	policy := cfg.Policy
	if policy.Classifier == nil && cfg.Database.Dialector != nil {
		policy.Classifier = ClassifierFor(cfg.Database.Dialector.Name())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	random := cfg.Random
	if random == nil {
		random = rand.Float64
	}
	return &Executor{
		db:      cfg.Database,
		policy:  policy,
		logger:  logger,
		metrics: cfg.Metrics,
		sleep:   sleep,
		random:  random,
	}, nil
}

// Database exposes the root handle for read-only queries that need no transaction.
func (e *Executor) Database() *gorm.DB {
	return e.db
}

// Policy returns the active policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// WithPolicy returns a copy of the executor using policy. An invalid policy keeps the current one.
func (e *Executor) WithPolicy(policy Policy) *Executor {
	if err := policy.Validate(); err != nil {
		return e
	}
	if policy.Classifier == nil {
		policy.Classifier = e.policy.Classifier
	}
	clone := *e
	clone.policy = policy
	return &clone
}

// Classify exposes the executor's classifier so domain code can recognise unique violations.
func (e *Executor) Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	return e.policy.classifier().Classify(err)
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func (e *Executor) IsUniqueViolation(err error) bool {
	return e.Classify(err) == ClassUniqueViolation
}

// Run executes fn inside a fresh transaction per attempt. On a retryable failure the
// transaction is rolled back and fn is re-run from scratch.
func (e *Executor) Run(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	return e.Retry(ctx, operation, func(attemptCtx context.Context, _ int) error {
		return e.runAttempt(e.db.WithContext(attemptCtx), fn)
	})
}

// Do is the value-returning form of Executor.Run.
func Do[T any](ctx context.Context, executor *Executor, operation string, fn func(tx *gorm.DB) (T, error)) (T, error) {
	var result T
	err := executor.Run(ctx, operation, func(tx *gorm.DB) error {
		value, err := fn(tx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Retry runs fn until it succeeds, fails permanently, or attempts run out.
// It has no transactional behaviour of its own.
func (e *Executor) Retry(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.policy.AttemptTimeout)
		}
		err := fn(attemptCtx, attempt)
		cancel()
		if err == nil {
			e.metrics.observe(operation, resultSuccess)
			return nil
		}

		class := e.classifyAttempt(ctx, err)
		retryable := class == ClassTransient || (class == ClassUniqueViolation && e.policy.RetryUniqueViolations)
		if !retryable {
			e.metrics.observe(operation, resultPermanent)
			return err
		}
		if attempt >= e.policy.MaxAttempts {
			e.metrics.observe(operation, resultExhausted)
			e.logger.Error("transaction retries exhausted",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return &ExhaustedError{Operation: operation, Attempts: attempt, Err: err}
		}

		wait := e.policy.Backoff(attempt, e.random)
		e.metrics.observe(operation, resultTransient)
		e.logger.Warn("transaction conflict, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("class", class.String()),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
}

func (e *Executor) classifyAttempt(ctx context.Context, err error) Class {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Only the attempt's own deadline is worth retrying; caller cancellation is final.
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return ClassTransient
		}
		return ClassPermanent
	}
	return e.Classify(err)
}

// runAttempt opens the attempt's transaction with the engine's lock wait bounded
// by the attempt timeout.
func (e *Executor) runAttempt(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	timeout := e.policy.AttemptTimeout
	if timeout <= 0 || db.Dialector == nil {
		return db.Transaction(fn)
	}
	switch db.Dialector.Name() {
	case dialectPostgres:
		return db.Transaction(func(tx *gorm.DB) error {
			// SET LOCAL ends with the transaction.
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Error; err != nil {
				return err
			}
			return fn(tx)
		})
	case dialectMySQL:
		// innodb_lock_wait_timeout only has session scope, so the pooled connection is
		// pinned for the attempt and handed back with the server default.
		return db.Connection(func(conn *gorm.DB) error {
			if err := conn.Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", mysqlLockWaitSeconds(timeout))).Error; err != nil {
				return err
			}
			defer func() {
				restore := conn.WithContext(context.WithoutCancel(conn.Statement.Context))
				if err := restore.Exec("SET SESSION innodb_lock_wait_timeout = DEFAULT").Error; err != nil {
					e.logger.Warn("lock wait timeout restore failed", zap.Error(err))
				}
			}()
			return conn.Transaction(fn)
		})
	default:
		return db.Transaction(fn)
	}
}

func mysqlLockWaitSeconds(timeout time.Duration) int64 {
	seconds := int64(timeout / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
