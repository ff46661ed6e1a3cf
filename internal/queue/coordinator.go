package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/config"
	"callbridge/internal/events"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Coordination-store keyspace, versioned to allow safe schema evolution.
const (
	queueKey       = "cb:v1:queue"
	requestsKey    = "cb:v1:queue:requests"
	leaderKey      = "cb:v1:queue:leader"
	leaderEpochKey = "cb:v1:queue:leader:epoch"
)

var (
	// ErrAlreadyQueued is returned when a channel enqueues while it still
	// has a pending request.
	ErrAlreadyQueued = errors.New("channel already queued")

	ErrInvalidArgument = errors.New("invalid argument")
)

// enqueueLua inserts a request atomically: the ZADD NX is a no-op (not an
// overwrite) when the channel is already queued, so two clusters racing on
// the same channel cannot produce a duplicate entry.
//
// KEYS[1] = pending queue zset
// KEYS[2] = request side index hash
// ARGV[1] = channel id
// ARGV[2] = score
// ARGV[3] = request payload
// ARGV[4] = side index ttl (millis)
//
// Returns {added, rank, queue length}.
const enqueueLua = `
local added = redis.call('ZADD', KEYS[1], 'NX', ARGV[2], ARGV[1])
if added == 0 then
  return {0, -1, redis.call('ZCARD', KEYS[1])}
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return {1, redis.call('ZRANK', KEYS[1], ARGV[1]), redis.call('ZCARD', KEYS[1])}
`

var enqueueScript = redis.NewScript(enqueueLua)

// Coordinator maintains the single global, cross-process pending-call queue
// and this cluster's view of queue leadership. All cross-process coordination
// happens through atomic Redis operations; no authoritative state lives in
// local memory.
type Coordinator struct {
	rdb       *redis.Client
	events    events.Publisher
	log       *slog.Logger
	cfg       config.QueueConfig
	clusterID string

	// clock is injectable for deterministic tests.
	clock func() time.Time

	mu        sync.Mutex
	leader    bool
	epoch     int64
	checkedAt time.Time
}

func NewCoordinator(rdb *redis.Client, pub events.Publisher, log *slog.Logger, cfg config.QueueConfig, clusterID string) *Coordinator {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		rdb:       rdb,
		events:    pub,
		log:       log,
		cfg:       cfg,
		clusterID: clusterID,
		clock:     time.Now,
	}
}

// Start launches the election and cleanup loops. They stop when ctx is
// cancelled; no other cancellation is needed.
func (c *Coordinator) Start(ctx context.Context) {
	go c.electionLoop(ctx)
	go c.cleanupLoop(ctx)
}

// Enqueue records a pending call request for req.ChannelID and returns the
// freshly computed queue status. Fails with ErrAlreadyQueued when the channel
// already has a pending request. Store errors propagate to the caller; this
// is the one correctness-critical write on the queue path.
func (c *Coordinator) Enqueue(ctx context.Context, req CallRequest) (QueueStatus, error) {
	if req.ChannelID == "" {
		return QueueStatus{}, ErrInvalidArgument
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.QueuedAt.IsZero() {
		req.QueuedAt = c.clock().UTC()
	}
	if req.ClusterID == "" {
		req.ClusterID = c.clusterID
	}

	payload, err := encodeRequest(req)
	if err != nil {
		return QueueStatus{}, err
	}

	res, err := enqueueScript.Eval(ctx, c.rdb,
		[]string{queueKey, requestsKey},
		req.ChannelID, int64(req.Score()), payload, c.cfg.Timeout.Milliseconds(),
	).Slice()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("enqueue %s: %w", req.ChannelID, err)
	}
	if len(res) != 3 {
		return QueueStatus{}, fmt.Errorf("enqueue %s: unexpected script reply %v", req.ChannelID, res)
	}

	added, _ := res[0].(int64)
	rank, _ := res[1].(int64)
	length, _ := res[2].(int64)

	if added == 0 {
		return QueueStatus{}, ErrAlreadyQueued
	}

	c.events.Publish(ctx, events.Event{Type: events.TypeCallQueued, ChannelID: req.ChannelID})

	return QueueStatus{Position: int(rank) + 1, QueueLength: length}, nil
}

// Dequeue removes the pending request with the given request id, locating it
// by scanning the side index (requests carry no reverse id index; the scan is
// bounded by queue size). Returns whether anything was removed.
func (c *Coordinator) Dequeue(ctx context.Context, requestID string) bool {
	if requestID == "" {
		return false
	}
	all, err := c.rdb.HGetAll(ctx, requestsKey).Result()
	if err != nil {
		c.log.Error("queue dequeue scan failed", "request_id", requestID, "err", err)
		return false
	}
	for channelID, payload := range all {
		req, err := decodeRequest(payload)
		if err != nil {
			// Corrupt entries are purged by GetPendingRequests.
			continue
		}
		if req.ID == requestID {
			return c.DequeueByChannel(ctx, channelID)
		}
	}
	return false
}

// DequeueByChannel removes a channel's pending request from both the ordered
// queue and the side index in one MULTI/EXEC batch. Idempotent: removing an
// absent channel returns false.
func (c *Coordinator) DequeueByChannel(ctx context.Context, channelID string) bool {
	if channelID == "" {
		return false
	}
	var zrem *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		zrem = p.ZRem(ctx, queueKey, channelID)
		p.HDel(ctx, requestsKey, channelID)
		return nil
	})
	if err != nil {
		c.log.Error("queue dequeue failed", "channel_id", channelID, "err", err)
		return false
	}
	return zrem.Val() > 0
}

// GetQueueStatus returns the channel's 1-based rank and the total queue
// length, or nil when the channel is not queued. Rank comes straight from
// the ordered structure so it is always consistent with the latest mutation.
func (c *Coordinator) GetQueueStatus(ctx context.Context, channelID string) *QueueStatus {
	rank, err := c.rdb.ZRank(ctx, queueKey, channelID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		c.log.Error("queue rank read failed", "channel_id", channelID, "err", err)
		return nil
	}
	length, err := c.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		c.log.Error("queue length read failed", "err", err)
		return nil
	}
	return &QueueStatus{Position: int(rank) + 1, QueueLength: length}
}

// GetPendingRequests returns the full queue in drain order (ascending score).
// Entries whose payload is missing or fails to decode are treated as corrupt
// and purged. Used exclusively by the leader process.
func (c *Coordinator) GetPendingRequests(ctx context.Context) ([]CallRequest, error) {
	members, err := c.rdb.ZRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue range: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	payloads, err := c.rdb.HGetAll(ctx, requestsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue payloads: %w", err)
	}

	out := make([]CallRequest, 0, len(members))
	for _, channelID := range members {
		payload, ok := payloads[channelID]
		if !ok {
			c.log.Warn("queued channel has no request payload, purging", "channel_id", channelID)
			c.DequeueByChannel(ctx, channelID)
			continue
		}
		req, err := decodeRequest(payload)
		if err != nil {
			c.log.Warn("corrupt queued request, purging", "channel_id", channelID, "err", err)
			c.DequeueByChannel(ctx, channelID)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// IsInQueue reports whether the channel currently has a pending request.
func (c *Coordinator) IsInQueue(ctx context.Context, channelID string) bool {
	_, err := c.rdb.ZScore(ctx, queueKey, channelID).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.log.Error("queue membership read failed", "channel_id", channelID, "err", err)
		return false
	}
	return true
}

// GetQueueLength returns the number of pending requests, or 0 on store error.
func (c *Coordinator) GetQueueLength(ctx context.Context) int64 {
	n, err := c.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		c.log.Error("queue length read failed", "err", err)
		return 0
	}
	return n
}

func (c *Coordinator) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.cleanupOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cleanupOnce purges every queue entry strictly older than the queue timeout
// (an entry exactly at the boundary survives), then reconciles the side index
// by dropping payloads whose channel is no longer queued.
func (c *Coordinator) cleanupOnce(ctx context.Context) {
	cutoff := c.clock().Add(-c.cfg.Timeout).UnixMilli()
	removed, err := c.rdb.ZRemRangeByScore(ctx, queueKey, "-inf", fmt.Sprintf("(%d", cutoff)).Result()
	if err != nil {
		c.log.Error("queue cleanup failed", "err", err)
		return
	}
	if removed > 0 {
		c.log.Info("purged expired queue entries", "count", removed)
	}

	members, err := c.rdb.ZRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		c.log.Error("queue reconcile read failed", "err", err)
		return
	}
	fields, err := c.rdb.HKeys(ctx, requestsKey).Result()
	if err != nil {
		c.log.Error("queue reconcile index read failed", "err", err)
		return
	}

	live := make(map[string]struct{}, len(members))
	for _, m := range members {
		live[m] = struct{}{}
	}
	var orphans []string
	for _, f := range fields {
		if _, ok := live[f]; !ok {
			orphans = append(orphans, f)
		}
	}
	if len(orphans) == 0 {
		return
	}
	if err := c.rdb.HDel(ctx, requestsKey, orphans...).Err(); err != nil {
		c.log.Error("queue reconcile delete failed", "count", len(orphans), "err", err)
		return
	}
	c.log.Info("reconciled orphaned request payloads", "count", len(orphans))
}
