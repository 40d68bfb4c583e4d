package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/honor"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventHonorChanged = "honor-changed"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "tableledger"
	defaultHeartbeatInterval  = 25 * time.Second
)

// RealtimeMessage is one event delivered to a user's open streams.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Total     int64
	Timestamp time.Time
}

// RealtimeDispatcher fans honor changes out to per-user subscribers. Slow
// subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu                sync.RWMutex
	subscribers       map[string]map[int64]*realtimeSubscriber
	nextID            int64
	bufferSize        int
	heartbeatInterval time.Duration
	clock             func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers:       make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:        16,
		heartbeatInterval: defaultHeartbeatInterval,
		clock:             time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.UserID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyHonorChanged publishes a committed honor change.
func (d *RealtimeDispatcher) NotifyHonorChanged(event honor.HonorChanged) {
	d.Publish(RealtimeMessage{
		UserID:    event.UserID,
		EventType: RealtimeEventHonorChanged,
		Total:     event.Total,
		Timestamp: d.clock().UTC(),
	})
}

// Subscribers reports how many streams are open for userID.
func (d *RealtimeDispatcher) Subscribers(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

// unregisterSubscriber closes the stream under the write lock, so Publish never
// sends on a closed channel.
func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	if subscriber, ok := subscribers[subscriberID]; ok {
		close(subscriber.stream)
		delete(subscribers, subscriberID)
	}
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}

type realtimeEventPayload struct {
	UserID    string `json:"userId"`
	Total     int64  `json:"total"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

func (h *httpHandler) handleHonorStream(c *gin.Context) {
	userID := h.currentUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.realtime.heartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Debug("honor stream opened", zap.String("user_id", userID))
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				UserID:    userID,
				Timestamp: tick.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				UserID:    message.UserID,
				Total:     message.Total,
				Timestamp: message.Timestamp.Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		}
	}
}
