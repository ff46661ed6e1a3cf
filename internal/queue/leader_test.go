package queue

import (
	"context"
	"testing"
	"time"

	"callbridge/internal/events"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectAcquire(mock redismock.ClientMock, clusterID string, ttl time.Duration, epoch int64) {
	mock.ExpectSetNX(leaderKey, clusterID, ttl).SetVal(true)
	mock.ExpectIncr(leaderEpochKey).SetVal(epoch)
}

func TestElection_AcquiresVacantLock(t *testing.T) {
	c, mock := newTestCoordinator(t)

	expectAcquire(mock, "cluster-a", c.cfg.LeaderTTL, 1)
	c.electOnce(context.Background())

	assert.True(t, c.IsQueueLeader())
	assert.Equal(t, int64(1), c.LeaderEpoch())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElection_LoserIsNotLeader(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectSetNX(leaderKey, "cluster-a", c.cfg.LeaderTTL).SetVal(false)
	mock.ExpectGet(leaderKey).SetVal("cluster-b")
	c.electOnce(context.Background())

	assert.False(t, c.IsQueueLeader())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Exactly one of two racing clusters wins the lock; after the TTL lapses a
// third cluster can acquire it under a new epoch.
func TestElection_RaceThenTakeoverAfterTTL(t *testing.T) {
	dbA, mockA := redismock.NewClientMock()
	dbB, mockB := redismock.NewClientMock()
	dbC, mockC := redismock.NewClientMock()

	cfg := testQueueConfig()
	a := NewCoordinator(dbA, events.Nop{}, nil, cfg, "cluster-a")
	b := NewCoordinator(dbB, events.Nop{}, nil, cfg, "cluster-b")
	cc := NewCoordinator(dbC, events.Nop{}, nil, cfg, "cluster-c")
	for _, co := range []*Coordinator{a, b, cc} {
		co.clock = func() time.Time { return testNow }
	}

	// A wins the SETNX race, B loses and observes A as holder.
	expectAcquire(mockA, "cluster-a", cfg.LeaderTTL, 1)
	mockB.ExpectSetNX(leaderKey, "cluster-b", cfg.LeaderTTL).SetVal(false)
	mockB.ExpectGet(leaderKey).SetVal("cluster-a")

	a.electOnce(context.Background())
	b.electOnce(context.Background())

	assert.True(t, a.IsQueueLeader())
	assert.False(t, b.IsQueueLeader())

	// A stops renewing; the lock expires and C's SETNX succeeds.
	expectAcquire(mockC, "cluster-c", cfg.LeaderTTL, 2)
	cc.electOnce(context.Background())
	assert.True(t, cc.IsQueueLeader())
	assert.Equal(t, int64(2), cc.LeaderEpoch())

	require.NoError(t, mockA.ExpectationsWereMet())
	require.NoError(t, mockB.ExpectationsWereMet())
	require.NoError(t, mockC.ExpectationsWereMet())
}

func TestElection_RenewsWhileStillHolder(t *testing.T) {
	c, mock := newTestCoordinator(t)

	expectAcquire(mock, "cluster-a", c.cfg.LeaderTTL, 3)
	c.electOnce(context.Background())
	require.True(t, c.IsQueueLeader())

	mock.ExpectSetNX(leaderKey, "cluster-a", c.cfg.LeaderTTL).SetVal(false)
	mock.ExpectGet(leaderKey).SetVal("cluster-a")
	mock.ExpectExpire(leaderKey, c.cfg.LeaderTTL).SetVal(true)
	mock.ExpectGet(leaderEpochKey).SetVal("3")
	c.electOnce(context.Background())

	assert.True(t, c.IsQueueLeader())
	assert.Equal(t, int64(3), c.LeaderEpoch())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElection_DemotesWhenAnotherClusterTakesOver(t *testing.T) {
	c, mock := newTestCoordinator(t)

	expectAcquire(mock, "cluster-a", c.cfg.LeaderTTL, 1)
	c.electOnce(context.Background())
	require.True(t, c.IsQueueLeader())

	mock.ExpectSetNX(leaderKey, "cluster-a", c.cfg.LeaderTTL).SetVal(false)
	mock.ExpectGet(leaderKey).SetVal("cluster-b")
	c.electOnce(context.Background())

	assert.False(t, c.IsQueueLeader())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElection_StoreErrorDegradesToNonLeader(t *testing.T) {
	c, mock := newTestCoordinator(t)

	expectAcquire(mock, "cluster-a", c.cfg.LeaderTTL, 1)
	c.electOnce(context.Background())
	require.True(t, c.IsQueueLeader())

	mock.ExpectSetNX(leaderKey, "cluster-a", c.cfg.LeaderTTL).SetErr(assert.AnError)
	c.electOnce(context.Background())

	assert.False(t, c.IsQueueLeader())
}

func TestIsQueueLeader_HintGoesStale(t *testing.T) {
	c, mock := newTestCoordinator(t)

	expectAcquire(mock, "cluster-a", c.cfg.LeaderTTL, 1)
	c.electOnce(context.Background())
	require.True(t, c.IsQueueLeader())

	// Without a refresh, the cached flag stops being trusted after two
	// election intervals.
	c.clock = func() time.Time { return testNow.Add(2*c.cfg.ElectionInterval + time.Second) }
	assert.False(t, c.IsQueueLeader())
}

func TestValidateLeadership_FencingEpochMustMatch(t *testing.T) {
	c, mock := newTestCoordinator(t)

	expectAcquire(mock, "cluster-a", c.cfg.LeaderTTL, 5)
	c.electOnce(context.Background())

	mock.ExpectGet(leaderKey).SetVal("cluster-a")
	mock.ExpectGet(leaderEpochKey).SetVal("5")
	assert.True(t, c.ValidateLeadership(context.Background()))

	// A newer epoch means another cluster held the lock in between; the
	// stale leader must not act.
	mock.ExpectGet(leaderKey).SetVal("cluster-a")
	mock.ExpectGet(leaderEpochKey).SetVal("6")
	assert.False(t, c.ValidateLeadership(context.Background()))

	mock.ExpectGet(leaderKey).SetVal("cluster-b")
	assert.False(t, c.ValidateLeadership(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}
