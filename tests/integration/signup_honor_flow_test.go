package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/auth"
	"github.com/MarcoPoloResearchLab/tableledger/internal/database"
	"github.com/MarcoPoloResearchLab/tableledger/internal/decay"
	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/ids"
	"github.com/MarcoPoloResearchLab/tableledger/internal/server"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "tableledger-auth"
	jsonContentType      = "application/json"
)

var flowNow = time.Date(2025, 9, 12, 19, 30, 0, 0, time.UTC)

type flow struct {
	handler http.Handler
	batch   *decay.Batch
	lock    *decay.JobLock
	signup  *signup.Service
	honor   *honor.Service
}

func newFlow(testContext *testing.T) flow {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return flowNow }

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(testContext.TempDir(), "flow.db"),
	}, zap.NewNop())
	require.NoError(testContext, err)
	testContext.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	executor, err := txretry.NewExecutor(txretry.Config{Database: db, Policy: txretry.DefaultPolicy()})
	require.NoError(testContext, err)
	idProvider := ids.NewUUIDProvider()

	signupService, err := signup.NewService(signup.ServiceConfig{Executor: executor, IDProvider: idProvider, Clock: clock})
	require.NoError(testContext, err)
	ledger, err := honor.NewLedger(honor.LedgerConfig{IDProvider: idProvider, Clock: clock, Strategy: honor.StrategyCatchReread, Classifier: executor})
	require.NoError(testContext, err)
	honorService, err := honor.NewService(honor.ServiceConfig{Executor: executor, Ledger: ledger})
	require.NoError(testContext, err)
	dispatcher := server.NewRealtimeDispatcher()
	rules, err := honor.NewRuleEngine(honor.RuleEngineConfig{
		Executor: executor,
		Ledger:   ledger,
		Points:   honor.DefaultPoints(),
		Clock:    clock,
		Notifier: dispatcher,
	})
	require.NoError(testContext, err)
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	require.NoError(testContext, err)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
		Clock:         clock,
	})
	require.NoError(testContext, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Signup:           signupService,
		Rules:            rules,
		Honor:            honorService,
		Realtime:         dispatcher,
		Logger:           zap.NewNop(),
	})
	require.NoError(testContext, err)

	batch, err := decay.NewBatch(decay.Config{
		Executor:   executor,
		Ledger:     ledger,
		IDProvider: idProvider,
		Points:     honor.DefaultPoints(),
		Clock:      clock,
	})
	require.NoError(testContext, err)
	lock, err := decay.NewJobLock(decay.JobLockConfig{Database: db, Clock: clock})
	require.NoError(testContext, err)

	return flow{handler: handler, batch: batch, lock: lock, signup: signupService, honor: honorService}
}

func (f flow) request(testContext *testing.T, method, path, userID string, body interface{}) (int, map[string]interface{}) {
	testContext.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(testContext, json.NewEncoder(&payload).Encode(body))
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", jsonContentType)
	request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionToken(testContext, userID)})

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	decoded := map[string]interface{}{}
	if recorder.Body.Len() > 0 {
		require.NoError(testContext, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	}
	return recorder.Code, decoded
}

func sessionToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(flowNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(flowNow.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(sessionSigningSecret))
	require.NoError(testContext, err)
	return signed
}

func TestSignupHonorAndDecayFlow(testContext *testing.T) {
	f := newFlow(testContext)
	ctx := context.Background()

	table, err := f.signup.RegisterTable(ctx, signup.TableSpec{OwnerID: "gm", Title: "Saturday campaign", Capacity: 3})
	require.NoError(testContext, err)

	status, joined := f.request(testContext, http.MethodPost, "/tables/"+table.ID+"/signup", "player-one", nil)
	require.Equal(testContext, http.StatusCreated, status)
	membershipID := joined["membership"].(map[string]interface{})["id"].(string)

	// Accounts without a join this month (the GM and a lurker) are decay candidates.
	status, _ = f.request(testContext, http.MethodGet, "/honor/me", "lurker", nil)
	require.Equal(testContext, http.StatusOK, status)

	base := fmt.Sprintf("/tables/%s/memberships/%s", table.ID, membershipID)
	status, attendance := f.request(testContext, http.MethodPost, base+"/attendance", "gm", map[string]string{"state": "confirmed"})
	require.Equal(testContext, http.StatusOK, status)
	require.EqualValues(testContext, 10, attendance["total"])

	status, behavior := f.request(testContext, http.MethodPost, base+"/behavior", "gm", map[string]string{"state": "good"})
	require.Equal(testContext, http.StatusOK, status)
	require.EqualValues(testContext, 20, behavior["total"])

	// Re-stating the same classification writes nothing.
	_, repeated := f.request(testContext, http.MethodPost, base+"/behavior", "gm", map[string]string{"state": "good"})
	require.Equal(testContext, false, repeated["changed"])

	period, err := decay.NewPeriod(2025, 9)
	require.NoError(testContext, err)
	report, err := f.batch.RunExclusive(ctx, f.lock, period, decay.Options{})
	require.NoError(testContext, err)
	require.Equal(testContext, []string{"gm", "lurker"}, report.Candidates)
	require.Equal(testContext, 2, report.Applied)

	rerun, err := f.batch.RunExclusive(ctx, f.lock, period, decay.Options{})
	require.NoError(testContext, err)
	require.Zero(testContext, rerun.Applied)

	lurkerTotal, err := f.honor.Total(ctx, "lurker")
	require.NoError(testContext, err)
	require.EqualValues(testContext, -10, lurkerTotal)

	_, board := f.request(testContext, http.MethodGet, "/honor/leaderboard", "lurker", nil)
	standings := board["standings"].([]interface{})
	require.Len(testContext, standings, 3)
	leader := standings[0].(map[string]interface{})
	require.Equal(testContext, "player-one", leader["user_id"])
	require.EqualValues(testContext, 20, leader["total"])
}
