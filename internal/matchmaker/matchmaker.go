package matchmaker

import (
	"context"
	"log/slog"
	"time"

	"callbridge/internal/callstate"
	"callbridge/internal/events"
	"callbridge/internal/queue"

	"github.com/google/uuid"
)

// queueSource is the slice of the queue coordinator the matchmaker needs.
type queueSource interface {
	IsQueueLeader() bool
	ValidateLeadership(ctx context.Context) bool
	GetPendingRequests(ctx context.Context) ([]queue.CallRequest, error)
	DequeueByChannel(ctx context.Context, channelID string) bool
}

type callSink interface {
	SyncActiveCall(ctx context.Context, call *callstate.ActiveCall) error
}

// Matchmaker drains the pending queue on the leader cluster, pairing requests
// in queue order into active calls. Only the elected leader matches, and it
// re-validates its fencing epoch right before every pass so a stale leader
// never drains concurrently with the current one.
type Matchmaker struct {
	queue  queueSource
	calls  callSink
	events events.Publisher
	log    *slog.Logger
	cfg    config

	clock func() time.Time
	newID func() string
}

type config struct {
	Interval time.Duration
}

func New(q queueSource, calls callSink, pub events.Publisher, log *slog.Logger, interval time.Duration) *Matchmaker {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Matchmaker{
		queue:  q,
		calls:  calls,
		events: pub,
		log:    log,
		cfg:    config{Interval: interval},
		clock:  time.Now,
		newID:  uuid.NewString,
	}
}

// Start launches the match loop. Stops when ctx is cancelled.
func (m *Matchmaker) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Matchmaker) loop(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.matchOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// matchOnce pairs adjacent pending requests in queue order. Returns the
// number of calls created.
func (m *Matchmaker) matchOnce(ctx context.Context) int {
	if !m.queue.IsQueueLeader() {
		return 0
	}
	if !m.queue.ValidateLeadership(ctx) {
		m.log.Warn("leadership hint stale, skipping match pass")
		return 0
	}

	pending, err := m.queue.GetPendingRequests(ctx)
	if err != nil {
		m.log.Error("pending queue read failed", "err", err)
		return 0
	}

	matched := 0
	for i := 0; i+1 < len(pending); i += 2 {
		if m.materialize(ctx, pending[i], pending[i+1]) {
			matched++
		}
	}
	return matched
}

// materialize turns a pair of requests into an active call. The call is
// synced before either request is dequeued: if the sync fails, both requests
// stay queued and the pair is retried on the next pass.
func (m *Matchmaker) materialize(ctx context.Context, a, b queue.CallRequest) bool {
	now := m.clock().UTC()
	call := &callstate.ActiveCall{
		ID: m.newID(),
		// The longer-waiting side of the pair counts as the initiator.
		InitiatorID:  a.ChannelID,
		Status:       callstate.StatusActive,
		StartTime:    now,
		Participants: []callstate.CallParticipant{
			participantFrom(a, now),
			participantFrom(b, now),
		},
	}

	if err := m.calls.SyncActiveCall(ctx, call); err != nil {
		m.log.Error("matched call sync failed, leaving requests queued",
			"call_id", call.ID, "channels", []string{a.ChannelID, b.ChannelID}, "err", err)
		return false
	}

	m.queue.DequeueByChannel(ctx, a.ChannelID)
	m.queue.DequeueByChannel(ctx, b.ChannelID)

	m.log.Info("call matched",
		"call_id", call.ID, "channel_a", a.ChannelID, "channel_b", b.ChannelID,
		"wait_a", now.Sub(a.QueuedAt), "wait_b", now.Sub(b.QueuedAt))
	m.events.Publish(ctx, events.Event{Type: events.TypeCallMatched, CallID: call.ID})
	return true
}

func participantFrom(req queue.CallRequest, now time.Time) callstate.CallParticipant {
	return callstate.CallParticipant{
		ChannelID:  req.ChannelID,
		GuildID:    req.GuildID,
		WebhookURL: req.WebhookURL,
		Users:      callstate.NewUserSet(),
		JoinedAt:   now,
	}
}
