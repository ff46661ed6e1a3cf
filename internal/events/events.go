package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel the chat-platform adapter subscribes to
// for user-visible notifications.
const Channel = "cb:v1:events"

// Lifecycle event types.
const (
	TypeCallQueued        = "call:queued"
	TypeCallMatched       = "call:matched"
	TypeCallEnded         = "call:ended"
	TypeParticipantJoined = "call:participant-joined"
	TypeParticipantLeft   = "call:participant-left"
	TypeCallMessage       = "call:message"
)

// Event is the envelope published for every call lifecycle transition.
// Delivery is best-effort; subscribers must tolerate gaps.
type Event struct {
	Type      string    `json:"type"`
	CallID    string    `json:"call_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	ClusterID string    `json:"cluster_id,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher fans lifecycle events out to the external bus.
// Implementations must never propagate delivery failures to callers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// RedisPublisher publishes events on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb       *redis.Client
	log       *slog.Logger
	clusterID string
	clock     func() time.Time
}

func NewRedisPublisher(rdb *redis.Client, log *slog.Logger, clusterID string) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, log: log, clusterID: clusterID, clock: time.Now}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	if ev.ClusterID == "" {
		ev.ClusterID = p.clusterID
	}
	if ev.At.IsZero() {
		ev.At = p.clock().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("event marshal failed", "type", ev.Type, "err", err)
		return
	}
	if err := p.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		p.log.Warn("event publish failed", "type", ev.Type, "call_id", ev.CallID, "err", err)
	}
}

// Nop discards every event. Useful in tests and tools that do not
// need downstream notifications.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
