package callstate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"callbridge/internal/config"
	"callbridge/internal/events"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDurable struct {
	mu        sync.Mutex
	call      *ActiveCall
	loadErr   error
	persisted []ActiveCall
	failures  int
}

func (s *stubDurable) LoadActiveCall(context.Context, string) (*ActiveCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.call == nil {
		return nil, nil
	}
	c := s.call.Clone()
	return &c, nil
}

func (s *stubDurable) PersistCall(_ context.Context, call ActiveCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("db unavailable")
	}
	s.persisted = append(s.persisted, call)
	return nil
}

type recordingPersist struct {
	snaps []ActiveCall
}

func (r *recordingPersist) Enqueue(call ActiveCall) { r.snaps = append(r.snaps, call) }

type recordingPub struct {
	evs []events.Event
}

func (r *recordingPub) Publish(_ context.Context, ev events.Event) { r.evs = append(r.evs, ev) }

func testCallConfig() config.CallConfig {
	return config.CallConfig{
		CacheTTL:      time.Hour,
		MaxDuration:   4 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

func newTestSync(t *testing.T) (*Synchronizer, redismock.ClientMock, *stubDurable, *recordingPersist, *recordingPub) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	durable := &stubDurable{}
	persist := &recordingPersist{}
	pub := &recordingPub{}
	s := NewSynchronizer(db, durable, persist, pub, nil, testCallConfig())
	s.clock = func() time.Time { return testNow }
	return s, mock, durable, persist, pub
}

// expectSyncPipeline registers the exact MULTI/EXEC batch SyncActiveCall
// issues for the given (already window-truncated) call.
func expectSyncPipeline(t *testing.T, mock redismock.ClientMock, call *ActiveCall, ttl time.Duration) {
	t.Helper()
	core, err := encodeCall(call)
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectSet(callCoreKey(call.ID), core, ttl).SetVal("OK")
	for _, p := range call.Participants {
		uk := callUsersKey(call.ID, p.ChannelID)
		mock.ExpectDel(uk).SetVal(0)
		if p.Users.Len() > 0 {
			members := make([]interface{}, 0, p.Users.Len())
			for _, u := range p.Users.Sorted() {
				members = append(members, u)
			}
			mock.ExpectSAdd(uk, members...).SetVal(int64(p.Users.Len()))
			mock.ExpectExpire(uk, ttl).SetVal(true)
		}
		mock.ExpectSet(channelKey(p.ChannelID), call.ID, ttl).SetVal("OK")
	}
	mk := callMsgsKey(call.ID)
	mock.ExpectDel(mk).SetVal(0)
	if len(call.Messages) > 0 {
		vals := make([]interface{}, 0, len(call.Messages))
		for _, m := range call.Messages {
			p, err := encodeMessage(m)
			require.NoError(t, err)
			vals = append(vals, p)
		}
		mock.ExpectRPush(mk, vals...).SetVal(int64(len(call.Messages)))
		mock.ExpectLTrim(mk, -MessageWindow, -1).SetVal("OK")
		mock.ExpectExpire(mk, ttl).SetVal(true)
	}
	mock.ExpectTxPipelineExec()
}

// expectLoad registers the reads loadFromCache issues to assemble the call.
func expectLoad(t *testing.T, mock redismock.ClientMock, call *ActiveCall) {
	t.Helper()
	core, err := encodeCall(call)
	require.NoError(t, err)

	mock.ExpectGet(callCoreKey(call.ID)).SetVal(core)
	for _, p := range call.Participants {
		mock.ExpectSMembers(callUsersKey(call.ID, p.ChannelID)).SetVal(p.Users.Sorted())
	}
	raws := make([]string, 0, len(call.Messages))
	for _, m := range call.Messages {
		payload, err := encodeMessage(m)
		require.NoError(t, err)
		raws = append(raws, payload)
	}
	mock.ExpectLRange(callMsgsKey(call.ID), 0, -1).SetVal(raws)
}

func TestSyncActiveCall_WritesAllKeysAndSchedulesPersist(t *testing.T) {
	s, mock, _, persist, _ := newTestSync(t)
	call := testCall()

	expectSyncPipeline(t, mock, call, s.cfg.CacheTTL)
	require.NoError(t, s.SyncActiveCall(context.Background(), call))

	require.Len(t, persist.snaps, 1)
	assert.Equal(t, "call-1", persist.snaps[0].ID)
	assert.Equal(t, []string{"user-1", "user-2"}, persist.snaps[0].Participants[0].Users.Sorted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncActiveCall_InvalidCall(t *testing.T) {
	s, _, _, _, _ := newTestSync(t)
	assert.ErrorIs(t, s.SyncActiveCall(context.Background(), nil), ErrInvalidArgument)
	assert.ErrorIs(t, s.SyncActiveCall(context.Background(), &ActiveCall{}), ErrInvalidArgument)
}

// Syncing a call and reading it back restores the same call: participant user
// sets (empty and multi-user) land in per-side sets and come back as sets.
func TestSyncThenGet_RoundTrip(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)
	call := testCall()
	call.Messages = []CallMessage{
		{AuthorID: "user-1", AuthorUsername: "ada", Content: "hello", SentAt: testNow},
		{AuthorID: "user-2", AuthorUsername: "ben", Content: "hi", SentAt: testNow.Add(time.Second)},
	}

	expectSyncPipeline(t, mock, call, s.cfg.CacheTTL)
	require.NoError(t, s.SyncActiveCall(context.Background(), call))

	expectLoad(t, mock, call)
	got := s.GetActiveCall(context.Background(), "call-1")
	require.NotNil(t, got)

	assert.Equal(t, call.ID, got.ID)
	assert.Equal(t, call.Status, got.Status)
	require.Len(t, got.Participants, 2)
	assert.Equal(t, []string{"user-1", "user-2"}, got.Participants[0].Users.Sorted())
	assert.Equal(t, 0, got.Participants[1].Users.Len())
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, "hi", got.Messages[1].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Syncing 60 messages keeps only the newest 50, oldest first.
func TestSyncActiveCall_TruncatesMessageWindow(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)
	call := testCall()
	for i := 0; i < 60; i++ {
		call.Messages = append(call.Messages, CallMessage{
			AuthorID: "user-1",
			Content:  fmt.Sprintf("msg-%d", i),
			SentAt:   testNow.Add(time.Duration(i) * time.Second),
		})
	}

	truncated := call.Clone()
	truncated.Messages = truncated.Messages[10:]
	expectSyncPipeline(t, mock, &truncated, s.cfg.CacheTTL)

	require.NoError(t, s.SyncActiveCall(context.Background(), call))
	require.Len(t, call.Messages, MessageWindow)

	expectLoad(t, mock, &truncated)
	got := s.GetActiveCall(context.Background(), "call-1")
	require.NotNil(t, got)
	require.Len(t, got.Messages, MessageWindow)
	assert.Equal(t, "msg-10", got.Messages[0].Content)
	assert.Equal(t, "msg-59", got.Messages[MessageWindow-1].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveCall_MissFallsBackToDurableAndReprimes(t *testing.T) {
	s, mock, durable, persist, _ := newTestSync(t)
	durable.call = testCall()

	mock.ExpectGet(callCoreKey("call-1")).RedisNil()
	expectSyncPipeline(t, mock, durable.call, s.cfg.CacheTTL)

	got := s.GetActiveCall(context.Background(), "call-1")
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID)
	assert.Len(t, persist.snaps, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveCall_UnknownEverywhereReturnsNil(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)

	mock.ExpectGet(callCoreKey("nope")).RedisNil()
	assert.Nil(t, s.GetActiveCall(context.Background(), "nope"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveCall_DurableErrorReturnsNil(t *testing.T) {
	s, mock, durable, _, _ := newTestSync(t)
	durable.loadErr = assert.AnError

	mock.ExpectGet(callCoreKey("call-1")).RedisNil()
	assert.Nil(t, s.GetActiveCall(context.Background(), "call-1"))
}

// A core record that fails to decode is deleted, then treated as a miss.
func TestGetActiveCall_CorruptCoreIsDeleted(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)

	mock.ExpectGet(callCoreKey("call-1")).SetVal("{broken")
	mock.ExpectDel(callCoreKey("call-1"), callMsgsKey("call-1")).SetVal(2)

	assert.Nil(t, s.GetActiveCall(context.Background(), "call-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveCallByChannel(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)
	call := testCall()

	mock.ExpectGet(channelKey("chan-a")).SetVal("call-1")
	expectLoad(t, mock, call)
	got := s.GetActiveCallByChannel(context.Background(), "chan-a")
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID)

	mock.ExpectGet(channelKey("chan-z")).RedisNil()
	assert.Nil(t, s.GetActiveCallByChannel(context.Background(), "chan-z"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A join mutates only that side's user set, as a single atomic SADD.
func TestUpdateCallParticipant_Join(t *testing.T) {
	s, mock, _, persist, pub := newTestSync(t)
	call := testCall()

	expectLoad(t, mock, call)
	mock.ExpectTxPipeline()
	mock.ExpectSAdd(callUsersKey("call-1", "chan-b"), "user-9").SetVal(1)
	mock.ExpectExpire(callUsersKey("call-1", "chan-b"), s.cfg.CacheTTL).SetVal(true)
	mock.ExpectExpire(callCoreKey("call-1"), s.cfg.CacheTTL).SetVal(true)
	mock.ExpectTxPipelineExec()

	s.UpdateCallParticipant(context.Background(), "call-1", "chan-b", "user-9", ActionJoined)

	require.Len(t, pub.evs, 1)
	assert.Equal(t, events.TypeParticipantJoined, pub.evs[0].Type)
	assert.Equal(t, "user-9", pub.evs[0].UserID)
	require.Len(t, persist.snaps, 1)
	assert.True(t, persist.snaps[0].Participant("chan-b").Users.Contains("user-9"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCallParticipant_Leave(t *testing.T) {
	s, mock, _, persist, pub := newTestSync(t)
	call := testCall()

	expectLoad(t, mock, call)
	mock.ExpectTxPipeline()
	mock.ExpectSRem(callUsersKey("call-1", "chan-a"), "user-2").SetVal(1)
	mock.ExpectExpire(callUsersKey("call-1", "chan-a"), s.cfg.CacheTTL).SetVal(true)
	mock.ExpectExpire(callCoreKey("call-1"), s.cfg.CacheTTL).SetVal(true)
	mock.ExpectTxPipelineExec()

	s.UpdateCallParticipant(context.Background(), "call-1", "chan-a", "user-2", ActionLeft)

	require.Len(t, pub.evs, 1)
	assert.Equal(t, events.TypeParticipantLeft, pub.evs[0].Type)
	require.Len(t, persist.snaps, 1)
	assert.False(t, persist.snaps[0].Participant("chan-a").Users.Contains("user-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCallParticipant_NoOpCases(t *testing.T) {
	s, mock, _, persist, pub := newTestSync(t)

	// Unknown call.
	mock.ExpectGet(callCoreKey("ghost")).RedisNil()
	s.UpdateCallParticipant(context.Background(), "ghost", "chan-a", "user-1", ActionJoined)

	// Ended call.
	ended := testCall()
	ended.Status = StatusEnded
	expectLoad(t, mock, ended)
	s.UpdateCallParticipant(context.Background(), "call-1", "chan-a", "user-1", ActionJoined)

	// Channel not part of the call.
	call := testCall()
	expectLoad(t, mock, call)
	s.UpdateCallParticipant(context.Background(), "call-1", "chan-z", "user-1", ActionJoined)

	assert.Empty(t, pub.evs)
	assert.Empty(t, persist.snaps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddCallMessage_AppendsAndTrims(t *testing.T) {
	s, mock, _, persist, pub := newTestSync(t)
	call := testCall()
	msg := CallMessage{AuthorID: "user-1", AuthorUsername: "ada", Content: "ping"}
	stamped := msg
	stamped.SentAt = testNow
	payload, err := encodeMessage(stamped)
	require.NoError(t, err)

	expectLoad(t, mock, call)
	mock.ExpectTxPipeline()
	mock.ExpectRPush(callMsgsKey("call-1"), payload).SetVal(1)
	mock.ExpectLTrim(callMsgsKey("call-1"), -MessageWindow, -1).SetVal("OK")
	mock.ExpectExpire(callMsgsKey("call-1"), s.cfg.CacheTTL).SetVal(true)
	mock.ExpectExpire(callCoreKey("call-1"), s.cfg.CacheTTL).SetVal(true)
	mock.ExpectTxPipelineExec()

	s.AddCallMessage(context.Background(), "call-1", msg)

	require.Len(t, pub.evs, 1)
	assert.Equal(t, events.TypeCallMessage, pub.evs[0].Type)
	require.Len(t, persist.snaps, 1)
	require.Len(t, persist.snaps[0].Messages, 1)
	assert.Equal(t, "ping", persist.snaps[0].Messages[0].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddCallMessage_EndedCallIsNoOp(t *testing.T) {
	s, mock, _, persist, _ := newTestSync(t)
	ended := testCall()
	ended.Status = StatusEnded

	expectLoad(t, mock, ended)
	s.AddCallMessage(context.Background(), "call-1", CallMessage{AuthorID: "user-1", Content: "late"})

	assert.Empty(t, persist.snaps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Removal drops every key of the call; a subsequent lookup is a clean miss.
func TestRemoveActiveCall_ThenGetReturnsNil(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)
	call := testCall()
	core, err := encodeCall(call)
	require.NoError(t, err)

	mock.ExpectGet(callCoreKey("call-1")).SetVal(core)
	mock.ExpectTxPipeline()
	mock.ExpectDel(callCoreKey("call-1")).SetVal(1)
	mock.ExpectDel(callMsgsKey("call-1")).SetVal(1)
	mock.ExpectDel(callUsersKey("call-1", "chan-a")).SetVal(1)
	mock.ExpectDel(channelKey("chan-a")).SetVal(1)
	mock.ExpectDel(callUsersKey("call-1", "chan-b")).SetVal(0)
	mock.ExpectDel(channelKey("chan-b")).SetVal(1)
	mock.ExpectTxPipelineExec()

	s.RemoveActiveCall(context.Background(), "call-1")

	mock.ExpectGet(callCoreKey("call-1")).RedisNil()
	assert.Nil(t, s.GetActiveCall(context.Background(), "call-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveActiveCall_UnknownIsNoOp(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)
	mock.ExpectGet(callCoreKey("ghost")).RedisNil()
	s.RemoveActiveCall(context.Background(), "ghost")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndCall_PersistsFinalStateAndEvicts(t *testing.T) {
	s, mock, _, persist, pub := newTestSync(t)
	call := testCall()
	core, err := encodeCall(call)
	require.NoError(t, err)

	expectLoad(t, mock, call)
	mock.ExpectGet(callCoreKey("call-1")).SetVal(core)
	mock.ExpectTxPipeline()
	mock.ExpectDel(callCoreKey("call-1")).SetVal(1)
	mock.ExpectDel(callMsgsKey("call-1")).SetVal(1)
	mock.ExpectDel(callUsersKey("call-1", "chan-a")).SetVal(1)
	mock.ExpectDel(channelKey("chan-a")).SetVal(1)
	mock.ExpectDel(callUsersKey("call-1", "chan-b")).SetVal(0)
	mock.ExpectDel(channelKey("chan-b")).SetVal(1)
	mock.ExpectTxPipelineExec()

	assert.True(t, s.EndCall(context.Background(), "call-1"))

	require.Len(t, persist.snaps, 1)
	final := persist.snaps[0]
	assert.Equal(t, StatusEnded, final.Status)
	require.NotNil(t, final.EndTime)
	assert.True(t, final.EndTime.Equal(testNow))
	require.NotNil(t, final.Participants[0].LeftAt)

	require.Len(t, pub.evs, 1)
	assert.Equal(t, events.TypeCallEnded, pub.evs[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndCall_UnknownReturnsFalse(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)
	mock.ExpectGet(callCoreKey("ghost")).RedisNil()
	assert.False(t, s.EndCall(context.Background(), "ghost"))
}

func TestGetAllActiveCalls_SkipsAndDeletesCorrupt(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)
	call := testCall()

	mock.ExpectScan(0, callCorePattern, 100).SetVal(
		[]string{callCoreKey("call-1"), callCoreKey("call-bad")}, 0)
	expectLoad(t, mock, call)
	mock.ExpectGet(callCoreKey("call-bad")).SetVal("{broken")
	mock.ExpectDel(callCoreKey("call-bad"), callMsgsKey("call-bad")).SetVal(1)

	calls := s.GetAllActiveCalls(context.Background())
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStateStats_CountsDistinctUsers(t *testing.T) {
	s, mock, _, _, _ := newTestSync(t)

	a := testCall()
	a.StartTime = testNow.Add(-10 * time.Minute)

	b := testCall()
	b.ID = "call-2"
	b.StartTime = testNow.Add(-20 * time.Minute)
	b.Participants = []CallParticipant{
		{ChannelID: "chan-c", Users: NewUserSet("user-2", "user-3"), JoinedAt: b.StartTime},
	}

	mock.ExpectScan(0, callCorePattern, 100).SetVal(
		[]string{callCoreKey("call-1"), callCoreKey("call-2")}, 0)
	expectLoad(t, mock, a)
	expectLoad(t, mock, b)

	stats := s.GetStateStats(context.Background())
	assert.Equal(t, 2, stats.ActiveCalls)
	// user-2 appears in both calls but counts once.
	assert.Equal(t, 3, stats.ParticipantUsers)
	assert.Equal(t, 15*time.Minute, stats.AverageAge)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepOnce_ForceEndsOverlongCalls(t *testing.T) {
	s, mock, _, persist, pub := newTestSync(t)

	stale := testCall()
	stale.StartTime = testNow.Add(-5 * time.Hour)
	core, err := encodeCall(stale)
	require.NoError(t, err)

	mock.ExpectScan(0, callCorePattern, 100).SetVal([]string{callCoreKey("call-1")}, 0)
	expectLoad(t, mock, stale)

	// EndCall re-reads, persists the final snapshot, then evicts.
	expectLoad(t, mock, stale)
	mock.ExpectGet(callCoreKey("call-1")).SetVal(core)
	mock.ExpectTxPipeline()
	mock.ExpectDel(callCoreKey("call-1")).SetVal(1)
	mock.ExpectDel(callMsgsKey("call-1")).SetVal(1)
	mock.ExpectDel(callUsersKey("call-1", "chan-a")).SetVal(1)
	mock.ExpectDel(channelKey("chan-a")).SetVal(1)
	mock.ExpectDel(callUsersKey("call-1", "chan-b")).SetVal(0)
	mock.ExpectDel(channelKey("chan-b")).SetVal(1)
	mock.ExpectTxPipelineExec()

	s.sweepOnce(context.Background())

	require.Len(t, persist.snaps, 1)
	assert.Equal(t, StatusEnded, persist.snaps[0].Status)
	require.Len(t, pub.evs, 1)
	assert.Equal(t, events.TypeCallEnded, pub.evs[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}
