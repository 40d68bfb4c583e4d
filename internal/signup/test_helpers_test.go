package signup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testStart = time.Date(2025, 9, 10, 17, 0, 0, 0, time.UTC)

// steppingClock advances by one second per reading so join order is deterministic.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:signup_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	mustCreateUsers(t, db, "owner-1", "owner-2", "player-1", "gm", "first", "second", "third", "racer", "newcomer")
	return db
}

func mustCreateUsers(t *testing.T, db *gorm.DB, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		if err := db.Create(&users.User{ID: userID, CreatedAtSeconds: testStart.Unix()}).Error; err != nil {
			t.Fatalf("failed to create user %s: %v", userID, err)
		}
	}
}

func newTestService(t *testing.T, db *gorm.DB, metrics *Metrics) *Service {
	t.Helper()
	executor, err := txretry.NewExecutor(txretry.Config{
		Database: db,
		Policy:   txretry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	clock := &steppingClock{current: testStart}
	service, err := NewService(ServiceConfig{
		Executor:   executor,
		IDProvider: ids.NewUUIDProvider(),
		Clock:      clock.now,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustRegisterTable(t *testing.T, service *Service, owner string, capacity int) Table {
	t.Helper()
	table, err := service.RegisterTable(context.Background(), TableSpec{OwnerID: owner, Title: "Friday game", Capacity: capacity})
	if err != nil {
		t.Fatalf("failed to register table: %v", err)
	}
	return table
}

func mustJoin(t *testing.T, service *Service, request JoinRequest, expected OutcomeKind) JoinOutcome {
	t.Helper()
	outcome, err := service.Join(context.Background(), request)
	if err != nil {
		t.Fatalf("join %s -> %s failed: %v", request.UserID, request.TableID, err)
	}
	if outcome.Kind != expected {
		t.Fatalf("join %s -> %s: expected %s, got %s", request.UserID, request.TableID, expected, outcome.Kind)
	}
	return outcome
}

func countMemberships(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Membership{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}
