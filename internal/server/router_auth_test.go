package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: "bob",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tableledger-auth",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/honor/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)
	ctx.Request = request

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
		Clock:         func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{sessions: validator, logger: zap.New(core)}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected the expired-token error to be logged")
	}
}

func TestAuthorizeRequestAcceptsCookieSessions(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodGet, "/honor/me", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: mintSessionToken(t, "erin")})
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected cookie session to be accepted, got %d", recorder.Code)
	}
}
