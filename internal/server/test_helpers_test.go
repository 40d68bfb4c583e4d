package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/auth"
	"github.com/MarcoPoloResearchLab/tableledger/internal/database"
	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

var testNow = time.Date(2025, 9, 14, 18, 0, 0, 0, time.UTC)

type testServer struct {
	handler    http.Handler
	db         *gorm.DB
	signup     *signup.Service
	realtime   *RealtimeDispatcher
	validator  *auth.SessionValidator
	registerer *prometheus.Registry
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return testNow }
	registry := prometheus.NewRegistry()
	executor, err := txretry.NewExecutor(txretry.Config{
		Database: db,
		Policy:   txretry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
		Metrics:  txretry.NewMetrics(registry),
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	idProvider := ids.NewUUIDProvider()
	signupService, err := signup.NewService(signup.ServiceConfig{
		Executor:   executor,
		IDProvider: idProvider,
		Clock:      clock,
		Metrics:    signup.NewMetrics(registry),
	})
	if err != nil {
		t.Fatalf("failed to build signup service: %v", err)
	}
	ledger, err := honor.NewLedger(honor.LedgerConfig{
		IDProvider: idProvider,
		Clock:      clock,
		Metrics:    honor.NewMetrics(registry),
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	honorService, err := honor.NewService(honor.ServiceConfig{Executor: executor, Ledger: ledger})
	if err != nil {
		t.Fatalf("failed to build honor service: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	rules, err := honor.NewRuleEngine(honor.RuleEngineConfig{
		Executor: executor,
		Ledger:   ledger,
		Points:   honor.DefaultPoints(),
		Clock:    clock,
		Notifier: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build rule engine: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Signup:           signupService,
		Rules:            rules,
		Honor:            honorService,
		Realtime:         dispatcher,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testServer{
		handler:    handler,
		db:         db,
		signup:     signupService,
		realtime:   dispatcher,
		validator:  validator,
		registerer: registry,
	}
}

func mintSessionToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: strings.ToUpper(userID[:1]) + userID[1:],
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tableledger-auth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (s testServer) do(t *testing.T, method, path, userID, body string, roles ...string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+mintSessionToken(t, userID, roles...))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s testServer) mustRegisterTable(t *testing.T, ownerID string, capacity int) signup.Table {
	t.Helper()
	table, err := s.signup.RegisterTable(t.Context(), signup.TableSpec{OwnerID: ownerID, Title: "Friday one-shot", Capacity: capacity})
	if err != nil {
		t.Fatalf("failed to register table: %v", err)
	}
	return table
}
