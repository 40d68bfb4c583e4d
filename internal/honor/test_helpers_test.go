package honor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 9, 14, 18, 0, 0, 0, time.UTC)

type testHarness struct {
	db       *gorm.DB
	executor *txretry.Executor
	ledger   *Ledger
	service  *Service
}

func newTestHarness(t *testing.T, strategy AppendStrategy, metrics *Metrics) testHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:honor_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	models := append([]interface{}{&users.User{}}, Models()...)
	models = append(models, signup.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	executor, err := txretry.NewExecutor(txretry.Config{
		Database: db,
		Policy:   txretry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	ledger, err := NewLedger(LedgerConfig{
		IDProvider: ids.NewUUIDProvider(),
		Clock:      func() time.Time { return testNow },
		Strategy:   strategy,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	service, err := NewService(ServiceConfig{Executor: executor, Ledger: ledger})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return testHarness{db: db, executor: executor, ledger: ledger, service: service}
}

func (h testHarness) newRuleEngine(t *testing.T, notifier Notifier) *RuleEngine {
	t.Helper()
	engine, err := NewRuleEngine(RuleEngineConfig{
		Executor: h.executor,
		Ledger:   h.ledger,
		Points:   DefaultPoints(),
		Clock:    func() time.Time { return testNow },
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("failed to build rule engine: %v", err)
	}
	return engine
}

func mustCreateUser(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	if err := db.Create(&users.User{ID: id, CreatedAtSeconds: testNow.Add(-90 * 24 * time.Hour).Unix()}).Error; err != nil {
		t.Fatalf("failed to create user %s: %v", id, err)
	}
}

func mustCreateMembership(t *testing.T, db *gorm.DB, id, tableID, userID string) signup.Membership {
	t.Helper()
	membership := signup.Membership{
		ID:                   id,
		UserID:               userID,
		TableID:              tableID,
		CountsTowardCapacity: true,
		JoinedAtMillis:       testNow.UnixMilli(),
		AttendanceState:      signup.AttendanceUnset,
		BehaviorState:        signup.BehaviorRegular,
		CreatedAtSeconds:     testNow.Unix(),
		UpdatedAtSeconds:     testNow.Unix(),
	}
	if err := db.Create(&membership).Error; err != nil {
		t.Fatalf("failed to create membership: %v", err)
	}
	return membership
}

func mustTotal(t *testing.T, h testHarness, userID string) int64 {
	t.Helper()
	total, err := h.service.Total(context.Background(), userID)
	if err != nil {
		t.Fatalf("total failed: %v", err)
	}
	return total
}

func cachedTotal(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var user users.User
	if err := db.Where("id = ?", userID).Take(&user).Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	return user.HonorTotal
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []HonorChanged
}

func (n *recordingNotifier) NotifyHonorChanged(event HonorChanged) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) snapshot() []HonorChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]HonorChanged(nil), n.events...)
}

var strategies = []AppendStrategy{StrategyUpsert, StrategyCatchReread}
