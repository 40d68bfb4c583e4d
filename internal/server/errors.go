package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/MarcoPoloResearchLab/tableledger/internal/txretry"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const errorCodeTryAgain = "try_again"

// writeError maps domain errors onto status codes. Sentinels are checked before
// service codes because services wrap them.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, txretry.ErrRetriesExhausted):
		h.logger.Warn("request gave up after retries", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorCodeTryAgain})
	case errors.Is(err, honor.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, signup.ErrTableNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "table_not_found"})
	case errors.Is(err, signup.ErrMembershipNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "membership_not_found"})
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
	case errors.Is(err, users.ErrInvalidUserID),
		errors.Is(err, honor.ErrInvalidToken),
		errors.Is(err, honor.ErrInvalidReason),
		errors.Is(err, signup.ErrInvalidTable),
		errors.Is(err, signup.ErrInvalidAttendanceState),
		errors.Is(err, signup.ErrInvalidBehaviorState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	default:
		code, ok := serviceerr.Code(err)
		if !ok {
			code = operation + ".failed"
		}
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}
