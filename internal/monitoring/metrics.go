package monitoring

import (
	"context"
	"runtime"
	"time"

	"callbridge/internal/callstate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_queue_length",
			Help: "Current number of pending call requests",
		},
	)

	activeCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_active_calls",
			Help: "Current number of active calls",
		},
	)

	participantUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_participant_users",
			Help: "Distinct users across all active calls",
		},
	)

	queueLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_queue_leader",
			Help: "1 when this cluster holds queue leadership",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_goroutines",
			Help: "Current number of goroutines",
		},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_queue_operations_total",
			Help: "Total queue operations by outcome",
		},
		[]string{"operation", "status"},
	)
)

// ObserveQueueOp records one queue operation outcome ("ok", "duplicate",
// "error", ...).
func ObserveQueueOp(operation, status string) {
	queueOperations.WithLabelValues(operation, status).Inc()
}

// statsSource is the read surface the monitor samples.
type statsSource interface {
	GetQueueLength(ctx context.Context) int64
	IsQueueLeader() bool
}

type callSource interface {
	GetStateStats(ctx context.Context) callstate.StateStats
}

// Monitor samples queue and call-state gauges on a fixed interval.
type Monitor struct {
	queue statsSource
	calls callSource
}

func NewMonitor(queue statsSource, calls callSource) *Monitor {
	return &Monitor{queue: queue, calls: calls}
}

// Start launches the sampling loop. Stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sampleOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	queueLength.Set(float64(m.queue.GetQueueLength(ctx)))
	if m.queue.IsQueueLeader() {
		queueLeader.Set(1)
	} else {
		queueLeader.Set(0)
	}

	stats := m.calls.GetStateStats(ctx)
	activeCalls.Set(float64(stats.ActiveCalls))
	participantUsers.Set(float64(stats.ParticipantUsers))

	goroutineCount.Set(float64(runtime.NumGoroutine()))
}
