package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leader election: every cluster attempts, on a fixed interval, to acquire a
// short-TTL mutual-exclusion key carrying its own cluster id. Exactly one
// holder exists per lock epoch (bounded by the TTL plus clock skew); absence
// of a leader only stalls queue draining until the next election.
//
// A fencing epoch is INCR'd on every fresh acquisition. Leader-gated work
// must call ValidateLeadership immediately before acting, so a process that
// stalled past the TTL and still believes it leads cannot drain the queue
// concurrently with the new holder.

func (c *Coordinator) electionLoop(ctx context.Context) {
	// Run immediately so a fresh process can take over a vacant lock
	// without waiting a full interval.
	c.electOnce(ctx)

	t := time.NewTicker(c.cfg.ElectionInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.electOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) electOnce(ctx context.Context) {
	acquired, err := c.rdb.SetNX(ctx, leaderKey, c.clusterID, c.cfg.LeaderTTL).Result()
	if err != nil {
		c.demote("election attempt failed", err)
		return
	}

	if acquired {
		epoch, err := c.rdb.Incr(ctx, leaderEpochKey).Result()
		if err != nil {
			// The lock is held but the epoch is unknown; drop the leader
			// belief and let the lock lapse.
			c.demote("fencing epoch increment failed", err)
			return
		}
		c.promote(epoch)
		c.log.Info("queue leadership acquired", "cluster_id", c.clusterID, "epoch", epoch)
		return
	}

	holder, err := c.rdb.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Lock expired between SETNX and GET; retry next interval.
			c.demote("", nil)
			return
		}
		c.demote("leader holder read failed", err)
		return
	}

	if holder != c.clusterID {
		// Another cluster took over after the lock expired; demote.
		c.demote("", nil)
		return
	}

	// Still the holder: renew the TTL so the lock does not lapse mid-term.
	if err := c.rdb.Expire(ctx, leaderKey, c.cfg.LeaderTTL).Err(); err != nil {
		c.demote("leader renewal failed", err)
		return
	}
	epoch, err := c.rdb.Get(ctx, leaderEpochKey).Int64()
	if err != nil {
		c.demote("fencing epoch read failed", err)
		return
	}
	c.promote(epoch)
}

// IsQueueLeader is a non-blocking read of the cached leadership hint. The
// hint is only trusted within one election cycle of its last refresh; a
// stale hint reads as non-leader, which is the safe direction.
func (c *Coordinator) IsQueueLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.leader {
		return false
	}
	return c.clock().Sub(c.checkedAt) < 2*c.cfg.ElectionInterval
}

// LeaderEpoch returns the fencing epoch under which this cluster last
// acquired or confirmed leadership. Zero when never elected.
func (c *Coordinator) LeaderEpoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// ValidateLeadership re-checks the lock holder and fencing epoch against the
// store. Leader-gated actions must pass this immediately before acting; the
// cached flag is a hint, never authoritative for correctness.
func (c *Coordinator) ValidateLeadership(ctx context.Context) bool {
	holder, err := c.rdb.Get(ctx, leaderKey).Result()
	if err != nil || holder != c.clusterID {
		return false
	}
	epoch, err := c.rdb.Get(ctx, leaderEpochKey).Int64()
	if err != nil {
		return false
	}
	return epoch == c.LeaderEpoch()
}

func (c *Coordinator) promote(epoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = true
	c.epoch = epoch
	c.checkedAt = c.clock()
}

// demote drops the local leader belief. Election errors degrade this process
// to non-leader rather than crashing it.
func (c *Coordinator) demote(msg string, err error) {
	c.mu.Lock()
	wasLeader := c.leader
	c.leader = false
	c.checkedAt = c.clock()
	c.mu.Unlock()

	if err != nil {
		c.log.Error(msg, "cluster_id", c.clusterID, "err", err)
	}
	if wasLeader {
		c.log.Info("queue leadership lost", "cluster_id", c.clusterID)
	}
}
