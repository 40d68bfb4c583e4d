package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/auth"
	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "tableledger_user_id"
	claimsContextKey = "tableledger_claims"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserService      = errors.New("user service dependency required")
	errMissingSignupService    = errors.New("signup service dependency required")
	errMissingRuleEngine       = errors.New("rule engine dependency required")
	errMissingHonorService     = errors.New("honor service dependency required")
)

// SessionValidator validates session tokens presented by clients.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto a canonical users row.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (users.UserID, error)
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Signup           *signup.Service
	Rules            *honor.RuleEngine
	Honor            *honor.Service
	Realtime         *RealtimeDispatcher
	MetricsHandler   http.Handler
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving signup and honor endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Signup == nil {
		return nil, errMissingSignupService
	}
	if deps.Rules == nil {
		return nil, errMissingRuleEngine
	}
	if deps.Honor == nil {
		return nil, errMissingHonorService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions: deps.SessionValidator,
		users:    deps.Users,
		signup:   deps.Signup,
		rules:    deps.Rules,
		honor:    deps.Honor,
		realtime: realtime,
		logger:   logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/tables/:tableID/signup", handler.handleJoin)
	protected.DELETE("/tables/:tableID/signup", handler.handleWithdraw)
	protected.GET("/tables/:tableID/roster", handler.handleRoster)
	protected.POST("/tables/:tableID/memberships/:membershipID/attendance", handler.handleAttendance)
	protected.POST("/tables/:tableID/memberships/:membershipID/behavior", handler.handleBehavior)

	protected.GET("/honor/me", handler.handleMyHonor)
	protected.GET("/honor/me/history", handler.handleMyHistory)
	protected.GET("/honor/me/stream", handler.handleHonorStream)
	protected.GET("/honor/users/:userID", handler.handleUserHonor)
	protected.POST("/honor/users/:userID/adjustments", handler.handleAdjust)
	protected.GET("/honor/leaderboard", handler.handleLeaderboard)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions SessionValidator
	users    UserResolver
	signup   *signup.Service
	rules    *honor.RuleEngine
	honor    *honor.Service
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			level = zap.InfoLevel
		}
		h.logger.Log(level, "session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID.String())
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

func (h *httpHandler) currentClaims(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

// actorFor resolves management rights: table owner, coordinator, or admin role.
func (h *httpHandler) actorFor(c *gin.Context, tableID string) (honor.Actor, error) {
	actor := honor.Actor{UserID: h.currentUserID(c)}
	if h.currentClaims(c).HasRole(auth.RoleAdmin) {
		actor.CanManage = true
		return actor, nil
	}
	if tableID == "" {
		return actor, nil
	}
	canManage, err := h.signup.CanManage(c.Request.Context(), actor.UserID, tableID)
	if err != nil {
		return actor, err
	}
	actor.CanManage = canManage
	return actor, nil
}
