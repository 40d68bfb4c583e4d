package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/gin-gonic/gin"
)

type classificationRequestPayload struct {
	State string `json:"state"`
}

type adjustmentRequestPayload struct {
	Points int64  `json:"points"`
	Token  string `json:"token"`
	Note   string `json:"note"`
}

type ledgerEntryPayload struct {
	ID               string                 `json:"id"`
	Points           int64                  `json:"points"`
	Reason           string                 `json:"reason"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyToken string                 `json:"idempotency_token"`
	CreatedAtSeconds int64                  `json:"created_at_s"`
}

type ruleResponsePayload struct {
	UserID  string              `json:"user_id"`
	Changed bool                `json:"changed"`
	Created bool                `json:"created"`
	Removed int                 `json:"removed"`
	Total   int64               `json:"total"`
	Entry   *ledgerEntryPayload `json:"entry,omitempty"`
}

type totalResponsePayload struct {
	UserID string `json:"user_id"`
	Total  int64  `json:"total"`
}

func newLedgerEntryPayload(entry honor.LedgerEntry) ledgerEntryPayload {
	return ledgerEntryPayload{
		ID:               entry.ID,
		Points:           entry.Points,
		Reason:           string(entry.Reason),
		Metadata:         entry.Metadata,
		IdempotencyToken: entry.IdempotencyToken,
		CreatedAtSeconds: entry.CreatedAtSeconds,
	}
}

func newRuleResponsePayload(outcome honor.RuleOutcome) ruleResponsePayload {
	response := ruleResponsePayload{
		UserID:  outcome.UserID,
		Changed: outcome.Changed,
		Created: outcome.Created,
		Removed: outcome.Removed,
		Total:   outcome.Total,
	}
	if outcome.Entry != nil {
		entry := newLedgerEntryPayload(*outcome.Entry)
		response.Entry = &entry
	}
	return response
}

func (h *httpHandler) handleAttendance(c *gin.Context) {
	var request classificationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, err := signup.ParseAttendanceState(request.State)
	if err != nil {
		h.writeError(c, "honor.attendance", err)
		return
	}
	tableID := c.Param("tableID")
	actor, err := h.actorFor(c, tableID)
	if err != nil {
		h.writeError(c, "honor.attendance", err)
		return
	}
	outcome, err := h.rules.SetAttendance(c.Request.Context(), actor, tableID, c.Param("membershipID"), state)
	if err != nil {
		h.writeError(c, "honor.attendance", err)
		return
	}
	c.JSON(http.StatusOK, newRuleResponsePayload(outcome))
}

func (h *httpHandler) handleBehavior(c *gin.Context) {
	var request classificationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, err := signup.ParseBehaviorState(request.State)
	if err != nil {
		h.writeError(c, "honor.behavior", err)
		return
	}
	tableID := c.Param("tableID")
	actor, err := h.actorFor(c, tableID)
	if err != nil {
		h.writeError(c, "honor.behavior", err)
		return
	}
	outcome, err := h.rules.SetBehavior(c.Request.Context(), actor, tableID, c.Param("membershipID"), state)
	if err != nil {
		h.writeError(c, "honor.behavior", err)
		return
	}
	c.JSON(http.StatusOK, newRuleResponsePayload(outcome))
}

func (h *httpHandler) handleAdjust(c *gin.Context) {
	var request adjustmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Points == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	token, err := honor.NewToken(request.Token)
	if err != nil {
		h.writeError(c, "honor.adjust", err)
		return
	}
	actor, err := h.actorFor(c, "")
	if err != nil {
		h.writeError(c, "honor.adjust", err)
		return
	}
	outcome, err := h.rules.Adjust(c.Request.Context(), actor, c.Param("userID"), request.Points, token, request.Note)
	if err != nil {
		h.writeError(c, "honor.adjust", err)
		return
	}
	status := http.StatusOK
	if outcome.Created {
		status = http.StatusCreated
	}
	c.JSON(status, newRuleResponsePayload(outcome))
}

func (h *httpHandler) handleMyHonor(c *gin.Context) {
	h.writeTotal(c, h.currentUserID(c))
}

func (h *httpHandler) handleUserHonor(c *gin.Context) {
	h.writeTotal(c, strings.TrimSpace(c.Param("userID")))
}

func (h *httpHandler) writeTotal(c *gin.Context, userID string) {
	total, err := h.honor.Total(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "honor.total", err)
		return
	}
	c.JSON(http.StatusOK, totalResponsePayload{UserID: userID, Total: total})
}

func (h *httpHandler) handleMyHistory(c *gin.Context) {
	entries, err := h.honor.History(c.Request.Context(), h.currentUserID(c), queryLimit(c))
	if err != nil {
		h.writeError(c, "honor.history", err)
		return
	}
	response := make([]ledgerEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, newLedgerEntryPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	standings, err := h.honor.Leaderboard(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.writeError(c, "honor.leaderboard", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"standings": standings})
}

// queryLimit returns 0 (the ledger default) for a missing or malformed limit.
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
