package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/callstate"
	"callbridge/internal/monitoring"
	"callbridge/internal/queue"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

// QueueAPI is the coordinator surface the handlers consume.
type QueueAPI interface {
	Enqueue(ctx context.Context, req queue.CallRequest) (queue.QueueStatus, error)
	DequeueByChannel(ctx context.Context, channelID string) bool
	GetQueueStatus(ctx context.Context, channelID string) *queue.QueueStatus
	GetPendingRequests(ctx context.Context) ([]queue.CallRequest, error)
	GetQueueLength(ctx context.Context) int64
	IsQueueLeader() bool
}

// CallAPI is the synchronizer surface the handlers consume.
type CallAPI interface {
	GetActiveCall(ctx context.Context, callID string) *callstate.ActiveCall
	GetActiveCallByChannel(ctx context.Context, channelID string) *callstate.ActiveCall
	GetAllActiveCalls(ctx context.Context) []callstate.ActiveCall
	GetStateStats(ctx context.Context) callstate.StateStats
	EndCall(ctx context.Context, callID string) bool
}

type Handlers struct {
	Auth  *auth.Manager
	Queue QueueAPI
	Calls CallAPI
	Audit *audit.Service
}

// auditActor pulls the authenticated identity off the request for audit
// records. Best-effort: missing identity never blocks the action.
func auditActor(c *gin.Context) (userID, role string) {
	userID, _ = auth.UserID(c.Request.Context())
	role, _ = auth.Role(c.Request.Context())
	return userID, role
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a JWT access token.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	tok, err := h.Auth.IssueAccessToken(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

// --- Queue ---

type enqueueRequest struct {
	ChannelID  string `json:"channel_id"`
	GuildID    string `json:"guild_id"`
	WebhookURL string `json:"webhook_url"`
	Priority   int    `json:"priority"`
}

func (h Handlers) EnqueueCall(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ChannelID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "channel_id required"})
		return
	}

	status, err := h.Queue.Enqueue(c.Request.Context(), queue.CallRequest{
		ChannelID:  req.ChannelID,
		GuildID:    req.GuildID,
		WebhookURL: req.WebhookURL,
		Priority:   req.Priority,
	})
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		monitoring.ObserveQueueOp("enqueue", "duplicate")
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "channel already queued"})
		return
	case errors.Is(err, queue.ErrInvalidArgument):
		monitoring.ObserveQueueOp("enqueue", "invalid")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	case err != nil:
		monitoring.ObserveQueueOp("enqueue", "error")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}

	monitoring.ObserveQueueOp("enqueue", "ok")
	c.JSON(http.StatusOK, gin.H{
		"position":     status.Position,
		"queue_length": status.QueueLength,
	})
}

func (h Handlers) GetQueueStatus(c *gin.Context) {
	channelID := c.Param("channel_id")
	status := h.Queue.GetQueueStatus(c.Request.Context(), channelID)
	if status == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"position":     status.Position,
		"queue_length": status.QueueLength,
	})
}

func (h Handlers) CancelQueuedCall(c *gin.Context) {
	channelID := c.Param("channel_id")
	if !h.Queue.DequeueByChannel(c.Request.Context(), channelID) {
		monitoring.ObserveQueueOp("dequeue", "miss")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not queued"})
		return
	}
	monitoring.ObserveQueueOp("dequeue", "ok")
	c.JSON(http.StatusOK, gin.H{"status": "dequeued"})
}

// --- Calls ---

func (h Handlers) ListActiveCalls(c *gin.Context) {
	calls := h.Calls.GetAllActiveCalls(c.Request.Context())
	out := make([]callView, 0, len(calls))
	for i := range calls {
		out = append(out, viewOf(&calls[i]))
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) GetCall(c *gin.Context) {
	call := h.Calls.GetActiveCall(c.Request.Context(), c.Param("call_id"))
	if call == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(call))
}

func (h Handlers) GetCallByChannel(c *gin.Context) {
	call := h.Calls.GetActiveCallByChannel(c.Request.Context(), c.Param("channel_id"))
	if call == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "channel not in a call"})
		return
	}
	c.JSON(http.StatusOK, viewOf(call))
}

func (h Handlers) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats := h.Calls.GetStateStats(ctx)
	c.JSON(http.StatusOK, gin.H{
		"queue_length":      h.Queue.GetQueueLength(ctx),
		"queue_leader":      h.Queue.IsQueueLeader(),
		"active_calls":      stats.ActiveCalls,
		"participant_users": stats.ParticipantUsers,
		"average_age_ms":    stats.AverageAge.Milliseconds(),
	})
}

// --- Admin ---

// AdminListQueue exposes the raw pending queue in drain order.
func (h Handlers) AdminListQueue(c *gin.Context) {
	pending, err := h.Queue.GetPendingRequests(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "length": len(pending)})
}

// AdminEndCall force-ends a call.
func (h Handlers) AdminEndCall(c *gin.Context) {
	callID := c.Param("call_id")
	if !h.Calls.EndCall(c.Request.Context(), callID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if h.Audit != nil {
		userID, role := auditActor(c)
		_ = h.Audit.LogForceEnd(c.Request.Context(), userID, role, c.ClientIP(), callID, "force-ended via admin api")
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// AdminPurgeQueued removes a pending request on a channel's behalf.
func (h Handlers) AdminPurgeQueued(c *gin.Context) {
	channelID := c.Param("channel_id")
	if !h.Queue.DequeueByChannel(c.Request.Context(), channelID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not queued"})
		return
	}
	if h.Audit != nil {
		userID, role := auditActor(c)
		_ = h.Audit.LogQueuePurge(c.Request.Context(), userID, role, c.ClientIP(), channelID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "purged"})
}

// --- views ---

type callView struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Participants []participantView `json:"participants"`
	Messages     int               `json:"messages"`
}

type participantView struct {
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id,omitempty"`
	Users     []string  `json:"users"`
	JoinedAt  time.Time `json:"joined_at"`
}

func viewOf(call *callstate.ActiveCall) callView {
	v := callView{
		ID:        call.ID,
		Status:    string(call.Status),
		StartTime: call.StartTime,
		EndTime:   call.EndTime,
		Messages:  len(call.Messages),
	}
	for _, p := range call.Participants {
		v.Participants = append(v.Participants, participantView{
			ChannelID: p.ChannelID,
			GuildID:   p.GuildID,
			Users:     p.Users.Sorted(),
			JoinedAt:  p.JoinedAt,
		})
	}
	return v
}
