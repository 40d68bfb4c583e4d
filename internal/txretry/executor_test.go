package txretry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errTransientBusy = errors.New("database is locked (5) (SQLITE_BUSY)")

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, wait time.Duration) error {
	r.waits = append(r.waits, wait)
	return nil
}

func newBareExecutor(policy Policy, recorder *sleepRecorder, metrics *Metrics) *Executor {
	if policy.Classifier == nil {
		policy.Classifier = ClassifierFor("sqlite")
	}
	return &Executor{
		policy:  policy,
		logger:  zap.NewNop(),
		metrics: metrics,
		sleep:   recorder.sleep,
		random:  func() float64 { return 0.5 },
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	recorder := &sleepRecorder{}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	executor := newBareExecutor(Policy{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, Jitter: 0.2}, recorder, metrics)

	calls := 0
	err := executor.Retry(context.Background(), "test.op", func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTransientBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(recorder.waits) != 2 || recorder.waits[0] != 100*time.Millisecond || recorder.waits[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff waits: %v", recorder.waits)
	}
	if got := testutil.ToFloat64(metrics.attempts.WithLabelValues("test.op", resultTransient)); got != 2 {
		t.Fatalf("expected 2 transient observations, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.attempts.WithLabelValues("test.op", resultSuccess)); got != 1 {
		t.Fatalf("expected 1 success observation, got %v", got)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	defer goleak.VerifyNone(t)

	recorder := &sleepRecorder{}
	executor := newBareExecutor(DefaultPolicy(), recorder, nil)
	permanent := errors.New("no such table: users")

	calls := 0
	err := executor.Retry(context.Background(), "test.op", func(context.Context, int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if len(recorder.waits) != 0 {
		t.Fatalf("expected no backoff, got %v", recorder.waits)
	}
}

func TestRetryReportsExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t)

	recorder := &sleepRecorder{}
	executor := newBareExecutor(Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}, recorder, nil)

	calls := 0
	err := executor.Retry(context.Background(), "test.op", func(context.Context, int) error {
		calls++
		return fmt.Errorf("insert: %w", errTransientBusy)
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !errors.Is(err, errTransientBusy) {
		t.Fatalf("expected exhausted error to wrap the last cause, got %v", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("expected ExhaustedError with 3 attempts, got %#v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryDoesNotRetryUniqueViolationByDefault(t *testing.T) {
	defer goleak.VerifyNone(t)

	recorder := &sleepRecorder{}
	uniqueErr := errors.New("UNIQUE constraint failed: table_memberships.user_id")

	executor := newBareExecutor(Policy{MaxAttempts: 3}, recorder, nil)
	calls := 0
	err := executor.Retry(context.Background(), "test.op", func(context.Context, int) error {
		calls++
		return uniqueErr
	})
	if !errors.Is(err, uniqueErr) || calls != 1 {
		t.Fatalf("expected unique violation surfaced after one call, got %v after %d", err, calls)
	}

	optIn := newBareExecutor(Policy{MaxAttempts: 3, RetryUniqueViolations: true}, recorder, nil)
	calls = 0
	err = optIn.Retry(context.Background(), "test.op", func(_ context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return uniqueErr
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected opt-in policy to retry once, got %v after %d", err, calls)
	}
}

func TestRetryTreatsAttemptDeadlineAsTransient(t *testing.T) {
	defer goleak.VerifyNone(t)

	recorder := &sleepRecorder{}
	executor := newBareExecutor(Policy{MaxAttempts: 2, AttemptTimeout: time.Millisecond}, recorder, nil)

	calls := 0
	err := executor.Retry(context.Background(), "test.op", func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected attempt deadline to be retried, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryHonoursCallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	recorder := &sleepRecorder{}
	executor := newBareExecutor(DefaultPolicy(), recorder, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := executor.Retry(ctx, "test.op", func(context.Context, int) error {
		calls++
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry after cancellation, got %d calls", calls)
	}
}

type retryRow struct {
	ID string `gorm:"column:id;primaryKey;size:64"`
}

func (retryRow) TableName() string {
	return "retry_rows"
}

func TestRunRollsBackFailedAttempts(t *testing.T) {
	dsn := fmt.Sprintf("file:txretry_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&retryRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	recorder := &sleepRecorder{}
	executor, err := NewExecutor(Config{
		Database: db,
		Policy:   Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
		Sleep:    recorder.sleep,
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	inserted, err := Do(context.Background(), executor, "row.insert", func(tx *gorm.DB) (string, error) {
		if err := tx.Create(&retryRow{ID: "row-1"}).Error; err != nil {
			return "", err
		}
		if len(recorder.waits) == 0 {
			return "", errTransientBusy
		}
		return "row-1", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted != "row-1" {
		t.Fatalf("unexpected result %q", inserted)
	}

	var count int64
	if err := db.Model(&retryRow{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the failed attempt to roll back, found %d rows", count)
	}
	if !executor.IsUniqueViolation(db.Create(&retryRow{ID: "row-1"}).Error) {
		t.Fatalf("expected duplicate primary key to classify as unique violation")
	}
}

// mysqlNamedDialector runs on sqlite but reports the MySQL dialect name.
type mysqlNamedDialector struct {
	gorm.Dialector
}

func (mysqlNamedDialector) Name() string {
	return dialectMySQL
}

func TestRunRestoresMySQLLockWaitTimeout(t *testing.T) {
	dsn := fmt.Sprintf("file:txretry_mysql_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(mysqlNamedDialector{Dialector: sqlite.Open(dsn)}, &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&retryRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	var settings []string
	err = db.Callback().Raw().Before("gorm:raw").Register("test:capture_session_settings", func(tx *gorm.DB) {
		statement := tx.Statement.SQL.String()
		if !strings.Contains(statement, "innodb_lock_wait_timeout") {
			return
		}
		settings = append(settings, statement)
		tx.Statement.SQL.Reset()
		tx.Statement.SQL.WriteString("SELECT 1")
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	executor, err := NewExecutor(Config{
		Database: db,
		Policy:   Policy{MaxAttempts: 1, BaseBackoff: time.Millisecond, AttemptTimeout: 250 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	if err := executor.Run(context.Background(), "row.insert", func(tx *gorm.DB) error {
		return tx.Create(&retryRow{ID: "row-1"}).Error
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	errRejected := errors.New("rejected")
	if err := executor.Run(context.Background(), "row.reject", func(tx *gorm.DB) error {
		return errRejected
	}); !errors.Is(err, errRejected) {
		t.Fatalf("expected the attempt error, got %v", err)
	}

	expected := []string{
		"SET SESSION innodb_lock_wait_timeout = 1",
		"SET SESSION innodb_lock_wait_timeout = DEFAULT",
		"SET SESSION innodb_lock_wait_timeout = 1",
		"SET SESSION innodb_lock_wait_timeout = DEFAULT",
	}
	if strings.Join(settings, "\n") != strings.Join(expected, "\n") {
		t.Fatalf("unexpected session settings:\n%s", strings.Join(settings, "\n"))
	}

	var count int64
	if err := db.Model(&retryRow{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the committed attempt to persist, found %d rows", count)
	}
	if seconds := mysqlLockWaitSeconds(1500 * time.Millisecond); seconds != 1 {
		t.Fatalf("expected sub-second remainder to truncate to 1, got %d", seconds)
	}
}
