package callstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"callbridge/internal/config"
	"callbridge/internal/events"
	"callbridge/pkg/utils"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidArgument = errors.New("invalid argument")

// DurableStore is the relational side of the synchronizer: loaded on cache
// miss, written behind on every mutation.
type DurableStore interface {
	// LoadActiveCall returns the call only while its durable status is
	// ACTIVE; ended or unknown calls load as nil.
	LoadActiveCall(ctx context.Context, id string) (*ActiveCall, error)
	// PersistCall upserts the full call snapshot.
	PersistCall(ctx context.Context, call ActiveCall) error
}

// persistQueue decouples the synchronizer from the write-behind worker.
// Enqueue must never block the caller.
type persistQueue interface {
	Enqueue(call ActiveCall)
}

type nopPersist struct{}

func (nopPersist) Enqueue(ActiveCall) {}

// Synchronizer keeps live call state in the coordination store, mirrored
// asynchronously into the durable store. The cache is authoritative while a
// call runs; the durable store backfills after a cache miss or restart.
//
// A call is spread over several keys so concurrent mutations never collide on
// a shared record: the immutable-ish core is one string, each side's user set
// is a Redis SET, and the message window is a capped LIST. Participant joins
// and message appends are single atomic commands, not read-modify-write.
type Synchronizer struct {
	rdb     *redis.Client
	durable DurableStore
	persist persistQueue
	events  events.Publisher
	log     *slog.Logger
	cfg     config.CallConfig

	clock func() time.Time
}

func NewSynchronizer(rdb *redis.Client, durable DurableStore, persist persistQueue, pub events.Publisher, log *slog.Logger, cfg config.CallConfig) *Synchronizer {
	if persist == nil {
		persist = nopPersist{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		rdb:     rdb,
		durable: durable,
		persist: persist,
		events:  pub,
		log:     log,
		cfg:     cfg,
		clock:   time.Now,
	}
}

// Start launches the reconciliation sweep. Stops when ctx is cancelled.
func (s *Synchronizer) Start(ctx context.Context) {
	go s.sweepLoop(ctx)
}

// SyncActiveCall writes the full call into the cache in one MULTI/EXEC batch
// and schedules a durable write-behind. Every key involved gets a fresh TTL,
// so any activity keeps the whole call alive. The message window is truncated
// to the most recent MessageWindow entries.
func (s *Synchronizer) SyncActiveCall(ctx context.Context, call *ActiveCall) error {
	if call == nil || call.ID == "" {
		return ErrInvalidArgument
	}
	if len(call.Messages) > MessageWindow {
		call.Messages = call.Messages[len(call.Messages)-MessageWindow:]
	}

	core, err := encodeCall(call)
	if err != nil {
		return err
	}
	encodedMsgs := make([]interface{}, 0, len(call.Messages))
	for _, m := range call.Messages {
		p, err := encodeMessage(m)
		if err != nil {
			return err
		}
		encodedMsgs = append(encodedMsgs, p)
	}

	ttl := s.cfg.CacheTTL
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, callCoreKey(call.ID), core, ttl)

		for _, part := range call.Participants {
			uk := callUsersKey(call.ID, part.ChannelID)
			p.Del(ctx, uk)
			if part.Users.Len() > 0 {
				members := make([]interface{}, 0, part.Users.Len())
				for _, u := range part.Users.Sorted() {
					members = append(members, u)
				}
				p.SAdd(ctx, uk, members...)
				p.Expire(ctx, uk, ttl)
			}
			p.Set(ctx, channelKey(part.ChannelID), call.ID, ttl)
		}

		mk := callMsgsKey(call.ID)
		p.Del(ctx, mk)
		if len(encodedMsgs) > 0 {
			p.RPush(ctx, mk, encodedMsgs...)
			p.LTrim(ctx, mk, -MessageWindow, -1)
			p.Expire(ctx, mk, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync call %s: %w", call.ID, err)
	}

	s.persist.Enqueue(call.Clone())
	return nil
}

// GetActiveCall returns the call from the cache, falling back to the durable
// store on a miss. A durable hit re-primes the cache. Returns nil when the
// call is unknown, ended, or the lookup fails; read errors are logged, never
// surfaced.
func (s *Synchronizer) GetActiveCall(ctx context.Context, callID string) *ActiveCall {
	if callID == "" {
		return nil
	}
	call, err := s.loadFromCache(ctx, callID)
	if err != nil {
		s.log.Error("call cache read failed", "call_id", callID, "err", err)
		return nil
	}
	if call != nil {
		return call
	}

	call, err = s.durable.LoadActiveCall(ctx, callID)
	if err != nil {
		s.log.Error("call durable read failed", "call_id", callID, "err", err)
		return nil
	}
	if call == nil {
		return nil
	}
	if err := s.SyncActiveCall(ctx, call); err != nil {
		// Serving the durable copy is still correct; only the re-prime failed.
		s.log.Error("call cache re-prime failed", "call_id", callID, "err", err)
	}
	return call
}

// GetActiveCallByChannel resolves the channel-to-call mapping, then loads the
// call. Nil when the channel is not in any call.
func (s *Synchronizer) GetActiveCallByChannel(ctx context.Context, channelID string) *ActiveCall {
	if channelID == "" {
		return nil
	}
	callID, err := s.rdb.Get(ctx, channelKey(channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		s.log.Error("channel mapping read failed", "channel_id", channelID, "err", err)
		return nil
	}
	return s.GetActiveCall(ctx, callID)
}

// ParticipantAction distinguishes a user joining a call side from leaving it.
type ParticipantAction string

const (
	ActionJoined ParticipantAction = "joined"
	ActionLeft   ParticipantAction = "left"
)

// UpdateCallParticipant adds or removes a user on one side of a call. The
// mutation is a single set command against that side's user-set key, so two
// clusters updating different sides (or even the same side) cannot overwrite
// each other's writes. No-op when the call or the side is unknown, or the
// call has ended.
func (s *Synchronizer) UpdateCallParticipant(ctx context.Context, callID, channelID, userID string, action ParticipantAction) {
	if callID == "" || channelID == "" || userID == "" {
		return
	}
	call, err := s.loadFromCache(ctx, callID)
	if err != nil {
		s.log.Error("participant update read failed", "call_id", callID, "err", err)
		return
	}
	if call == nil || call.Status == StatusEnded {
		return
	}
	part := call.Participant(channelID)
	if part == nil {
		return
	}

	uk := callUsersKey(callID, channelID)
	ttl := s.cfg.CacheTTL
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		switch action {
		case ActionJoined:
			p.SAdd(ctx, uk, userID)
		case ActionLeft:
			p.SRem(ctx, uk, userID)
		}
		p.Expire(ctx, uk, ttl)
		p.Expire(ctx, callCoreKey(callID), ttl)
		return nil
	})
	if err != nil {
		s.log.Error("participant update failed", "call_id", callID, "channel_id", channelID, "err", err)
		return
	}

	switch action {
	case ActionJoined:
		part.Users.Add(userID)
		s.events.Publish(ctx, events.Event{Type: events.TypeParticipantJoined, CallID: callID, ChannelID: channelID, UserID: userID})
	case ActionLeft:
		part.Users.Remove(userID)
		s.events.Publish(ctx, events.Event{Type: events.TypeParticipantLeft, CallID: callID, ChannelID: channelID, UserID: userID})
	}
	s.persist.Enqueue(call.Clone())
}

// AddCallMessage appends a relayed message to the call's rolling window. The
// append is RPUSH followed by LTRIM in one batch, so the window stays at most
// MessageWindow long and concurrent appenders interleave without loss. No-op
// when the call is unknown or ended.
func (s *Synchronizer) AddCallMessage(ctx context.Context, callID string, msg CallMessage) {
	if callID == "" {
		return
	}
	call, err := s.loadFromCache(ctx, callID)
	if err != nil {
		s.log.Error("message append read failed", "call_id", callID, "err", err)
		return
	}
	if call == nil || call.Status == StatusEnded {
		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.clock().UTC()
	}

	payload, err := encodeMessage(msg)
	if err != nil {
		s.log.Error("message encode failed", "call_id", callID, "err", err)
		return
	}

	mk := callMsgsKey(callID)
	ttl := s.cfg.CacheTTL
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, mk, payload)
		p.LTrim(ctx, mk, -MessageWindow, -1)
		p.Expire(ctx, mk, ttl)
		p.Expire(ctx, callCoreKey(callID), ttl)
		return nil
	})
	if err != nil {
		s.log.Error("message append failed", "call_id", callID, "err", err)
		return
	}

	call.Messages = append(call.Messages, msg)
	if len(call.Messages) > MessageWindow {
		call.Messages = call.Messages[len(call.Messages)-MessageWindow:]
	}
	s.events.Publish(ctx, events.Event{Type: events.TypeCallMessage, CallID: callID, UserID: msg.AuthorID})
	s.persist.Enqueue(call.Clone())
}

// RemoveActiveCall drops every cache key belonging to the call, including the
// channel mappings of all its sides, in one MULTI/EXEC batch. Idempotent:
// removing an unknown call is a no-op.
func (s *Synchronizer) RemoveActiveCall(ctx context.Context, callID string) {
	if callID == "" {
		return
	}
	call, err := s.loadCore(ctx, callID)
	if err != nil {
		s.log.Error("call removal read failed", "call_id", callID, "err", err)
		return
	}
	if call == nil {
		return
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, callCoreKey(callID))
		p.Del(ctx, callMsgsKey(callID))
		for _, part := range call.Participants {
			p.Del(ctx, callUsersKey(callID, part.ChannelID))
			p.Del(ctx, channelKey(part.ChannelID))
		}
		return nil
	})
	if err != nil {
		s.log.Error("call removal failed", "call_id", callID, "err", err)
	}
}

// EndCall marks the call ENDED, schedules the final durable write, evicts it
// from the cache and publishes call:ended. Returns false when the call is
// unknown on both stores.
func (s *Synchronizer) EndCall(ctx context.Context, callID string) bool {
	call := s.GetActiveCall(ctx, callID)
	if call == nil {
		return false
	}
	now := s.clock().UTC()
	call.Status = StatusEnded
	call.EndTime = &now
	for i := range call.Participants {
		if call.Participants[i].LeftAt == nil {
			call.Participants[i].LeftAt = &now
		}
	}

	s.persist.Enqueue(call.Clone())
	s.RemoveActiveCall(ctx, callID)
	s.events.Publish(ctx, events.Event{Type: events.TypeCallEnded, CallID: callID})
	return true
}

// GetAllActiveCalls enumerates every cached call via cursor-based SCAN.
// Core records that fail to decode are deleted, not surfaced; a call whose
// side keys cannot be read is skipped for this pass.
func (s *Synchronizer) GetAllActiveCalls(ctx context.Context) []ActiveCall {
	keys, err := utils.ScanKeys(ctx, s.rdb, callCorePattern)
	if err != nil {
		s.log.Error("call enumeration failed", "err", err)
		return nil
	}

	out := make([]ActiveCall, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, callKeyPrefix), callCoreSuffix)
		call, err := s.loadFromCache(ctx, id)
		if err != nil {
			s.log.Error("call read failed during enumeration", "call_id", id, "err", err)
			continue
		}
		if call == nil {
			continue
		}
		out = append(out, *call)
	}
	return out
}

// GetStateStats aggregates the cached call population.
func (s *Synchronizer) GetStateStats(ctx context.Context) StateStats {
	calls := s.GetAllActiveCalls(ctx)
	stats := StateStats{ActiveCalls: len(calls)}
	if len(calls) == 0 {
		return stats
	}
	users := NewUserSet()
	var totalAge time.Duration
	now := s.clock()
	for i := range calls {
		for _, p := range calls[i].Participants {
			for _, u := range p.Users.Sorted() {
				users.Add(u)
			}
		}
		totalAge += calls[i].Age(now)
	}
	stats.ParticipantUsers = users.Len()
	stats.AverageAge = totalAge / time.Duration(len(calls))
	return stats
}

func (s *Synchronizer) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweepOnce force-ends calls that have been running longer than the maximum
// call duration. Catches calls orphaned by a crashed cluster.
func (s *Synchronizer) sweepOnce(ctx context.Context) {
	now := s.clock()
	for _, call := range s.GetAllActiveCalls(ctx) {
		if call.Age(now) <= s.cfg.MaxDuration {
			continue
		}
		s.log.Warn("force-ending overlong call", "call_id", call.ID, "age", call.Age(now))
		s.EndCall(ctx, call.ID)
	}
}

// loadCore fetches and decodes only the core record. A corrupt record is
// deleted and reads as absent.
func (s *Synchronizer) loadCore(ctx context.Context, callID string) (*ActiveCall, error) {
	raw, err := s.rdb.Get(ctx, callCoreKey(callID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	call, err := decodeCall(raw)
	if err != nil {
		s.log.Warn("corrupt call record, deleting", "call_id", callID, "err", err)
		if delErr := s.rdb.Del(ctx, callCoreKey(callID), callMsgsKey(callID)).Err(); delErr != nil {
			s.log.Error("corrupt call delete failed", "call_id", callID, "err", delErr)
		}
		return nil, nil
	}
	return call, nil
}

// loadFromCache assembles the full call from its core, per-side user sets and
// message window.
func (s *Synchronizer) loadFromCache(ctx context.Context, callID string) (*ActiveCall, error) {
	call, err := s.loadCore(ctx, callID)
	if call == nil || err != nil {
		return nil, err
	}

	for i := range call.Participants {
		members, err := s.rdb.SMembers(ctx, callUsersKey(callID, call.Participants[i].ChannelID)).Result()
		if err != nil {
			return nil, fmt.Errorf("call %s users: %w", callID, err)
		}
		call.Participants[i].Users = NewUserSet(members...)
	}

	raws, err := s.rdb.LRange(ctx, callMsgsKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("call %s messages: %w", callID, err)
	}
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			s.log.Warn("corrupt call message skipped", "call_id", callID, "err", err)
			continue
		}
		call.Messages = append(call.Messages, msg)
	}
	return call, nil
}
