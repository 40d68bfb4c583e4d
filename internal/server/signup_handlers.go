package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/gin-gonic/gin"
)

type joinRequestPayload struct {
	AllowMove           bool `json:"allow_move"`
	Coordinator         bool `json:"coordinator"`
	ExcludeFromCapacity bool `json:"exclude_from_capacity"`
}

type membershipPayload struct {
	ID                   string `json:"id"`
	UserID               string `json:"user_id"`
	TableID              string `json:"table_id"`
	CountsTowardCapacity bool   `json:"counts_toward_capacity"`
	IsCoordinator        bool   `json:"is_coordinator"`
	JoinedAtMillis       int64  `json:"joined_at_ms"`
	AttendanceState      string `json:"attendance_state"`
	BehaviorState        string `json:"behavior_state"`
}

type joinResponsePayload struct {
	Outcome      string             `json:"outcome"`
	Membership   *membershipPayload `json:"membership,omitempty"`
	OtherTableID string             `json:"other_table_id,omitempty"`
}

type rosterEntryPayload struct {
	Membership membershipPayload `json:"membership"`
	Rank       int               `json:"rank"`
	Status     string            `json:"status"`
}

type rosterResponsePayload struct {
	TableID    string               `json:"table_id"`
	Title      string               `json:"title"`
	Capacity   int                  `json:"capacity"`
	Players    int                  `json:"players"`
	Waitlisted int                  `json:"waitlisted"`
	Entries    []rosterEntryPayload `json:"entries"`
}

func newMembershipPayload(membership signup.Membership) membershipPayload {
	return membershipPayload{
		ID:                   membership.ID,
		UserID:               membership.UserID,
		TableID:              membership.TableID,
		CountsTowardCapacity: membership.CountsTowardCapacity,
		IsCoordinator:        membership.IsCoordinator,
		JoinedAtMillis:       membership.JoinedAtMillis,
		AttendanceState:      string(membership.AttendanceState),
		BehaviorState:        string(membership.BehaviorState),
	}
}

func joinStatus(kind signup.OutcomeKind) int {
	switch kind {
	case signup.OutcomeCreated:
		return http.StatusCreated
	case signup.OutcomeBlockedOther:
		return http.StatusConflict
	case signup.OutcomeTableClosed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	var request joinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	tableID := c.Param("tableID")
	// Staff flags only stick for callers who already manage the table.
	if request.Coordinator || request.ExcludeFromCapacity {
		actor, err := h.actorFor(c, tableID)
		if err != nil {
			h.writeError(c, "signup.join", err)
			return
		}
		if !actor.CanManage {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
	}

	outcome, err := h.signup.Join(c.Request.Context(), signup.JoinRequest{
		UserID:              h.currentUserID(c),
		TableID:             tableID,
		AllowMove:           request.AllowMove,
		Coordinator:         request.Coordinator,
		ExcludeFromCapacity: request.ExcludeFromCapacity,
	})
	if err != nil {
		h.writeError(c, "signup.join", err)
		return
	}

	response := joinResponsePayload{Outcome: string(outcome.Kind), OtherTableID: outcome.OtherTableID}
	if outcome.Membership != nil {
		payload := newMembershipPayload(*outcome.Membership)
		response.Membership = &payload
	}
	c.JSON(joinStatus(outcome.Kind), response)
}

func (h *httpHandler) handleWithdraw(c *gin.Context) {
	removed, err := h.signup.Withdraw(c.Request.Context(), h.currentUserID(c), c.Param("tableID"))
	if err != nil {
		h.writeError(c, "signup.withdraw", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *httpHandler) handleRoster(c *gin.Context) {
	roster, err := h.signup.Roster(c.Request.Context(), c.Param("tableID"))
	if err != nil {
		h.writeError(c, "signup.roster", err)
		return
	}
	response := rosterResponsePayload{
		TableID:    roster.Table.ID,
		Title:      roster.Table.Title,
		Capacity:   roster.Table.Capacity,
		Players:    roster.Players,
		Waitlisted: roster.Waitlisted,
		Entries:    make([]rosterEntryPayload, 0, len(roster.Entries)),
	}
	for _, entry := range roster.Entries {
		response.Entries = append(response.Entries, rosterEntryPayload{
			Membership: newMembershipPayload(entry.Membership),
			Rank:       entry.Rank,
			Status:     string(entry.Status),
		})
	}
	c.JSON(http.StatusOK, response)
}
