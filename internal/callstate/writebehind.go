package callstate

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	deadLetterKey = "cb:v1:deadletter"
	deadLetterCap = 1000

	persistAttempts = 3
	persistBackoff  = 250 * time.Millisecond
)

// Persister is the write-behind worker between the cache and the durable
// store. Mutations enqueue full call snapshots; the worker drains them in
// order with bounded retries. A snapshot that exhausts its retries goes to a
// capped dead-letter list in the cache instead of being dropped silently.
type Persister struct {
	durable DurableStore
	rdb     redis.Cmdable
	log     *slog.Logger

	jobs chan ActiveCall
	done chan struct{}

	// sleep is injectable so tests skip real backoff waits.
	sleep func(time.Duration)
}

func NewPersister(durable DurableStore, rdb redis.Cmdable, log *slog.Logger, buffer int) *Persister {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Persister{
		durable: durable,
		rdb:     rdb,
		log:     log,
		jobs:    make(chan ActiveCall, buffer),
		done:    make(chan struct{}),
		sleep:   time.Sleep,
	}
}

// Start launches the drain worker. The worker stops once ctx is cancelled and
// the job buffer is empty; Wait blocks until then.
func (p *Persister) Start(ctx context.Context) {
	go p.run(ctx)
}

// Wait blocks until the worker has drained and exited.
func (p *Persister) Wait() {
	<-p.done
}

// Enqueue schedules a snapshot for durable persistence. Never blocks: when
// the buffer is full the snapshot goes straight to the dead-letter list.
func (p *Persister) Enqueue(call ActiveCall) {
	select {
	case p.jobs <- call:
	default:
		p.log.Error("persist buffer full, dead-lettering", "call_id", call.ID)
		p.deadLetter(context.Background(), call)
	}
}

func (p *Persister) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case call := <-p.jobs:
			p.persistWithRetry(call)
		case <-ctx.Done():
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case call := <-p.jobs:
					p.persistWithRetry(call)
				default:
					return
				}
			}
		}
	}
}

// persistWithRetry attempts the durable write a bounded number of times with
// exponential backoff, then dead-letters. Write-behind never retries forever:
// a wedged database must not wedge the worker.
func (p *Persister) persistWithRetry(call ActiveCall) {
	// Persistence outlives the request that triggered it.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backoff := persistBackoff
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		lastErr = p.durable.PersistCall(ctx, call)
		if lastErr == nil {
			return
		}
		p.log.Warn("durable persist failed",
			"call_id", call.ID, "attempt", attempt, "err", lastErr)
		if attempt < persistAttempts {
			p.sleep(backoff)
			backoff *= 2
		}
	}

	p.log.Error("durable persist exhausted retries, dead-lettering",
		"call_id", call.ID, "attempts", persistAttempts, "err", lastErr)
	p.deadLetter(ctx, call)
}

// deadLetter stores the full snapshot, side-key contents included, so the
// entry can be replayed even after the live call keys expire.
func (p *Persister) deadLetter(ctx context.Context, call ActiveCall) {
	payload, err := encodeSnapshot(&call)
	if err != nil {
		p.log.Error("dead-letter encode failed", "call_id", call.ID, "err", err)
		return
	}
	if err := p.rdb.LPush(ctx, deadLetterKey, payload).Err(); err != nil {
		p.log.Error("dead-letter push failed", "call_id", call.ID, "err", err)
		return
	}
	if err := p.rdb.LTrim(ctx, deadLetterKey, 0, deadLetterCap-1).Err(); err != nil {
		p.log.Error("dead-letter trim failed", "err", err)
	}
}
