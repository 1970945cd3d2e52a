// Package metrics implements the client's wait-free metrics registry:
// every update is a single atomic add, derived figures (success rate, mean
// latency, throughput) are computed on read from the counters and uptime.
// The registry doubles as a set of Prometheus collectors, scoped to the
// Registry instance and computed from it on every /metrics scrape.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the holder of counters and latency aggregates; each Client
// creates its own. Every counter and latency field is accessed exclusively
// through atomic operations and there is no mutex anywhere in this type;
// startedAt is a plain field, set by New and overwritten by Reset.
type Registry struct {
	startedAt time.Time

	totalRequests     int64
	successfulRequests int64
	failedRequests    int64
	timedOutRequests  int64
	cancelledRequests int64
	lateOrUnknown     int64

	totalSessions     int64
	activeSessions    int64
	completedSessions int64
	streamingMessages int64

	pendingRequests int64

	bytesSent     int64
	bytesReceived int64

	// Latency aggregate over successful sync/async completions, in
	// microseconds. latencyMinUs is stored as -1 until the first sample to
	// distinguish "no samples yet" from "min sample was 0".
	latencyCount   int64
	latencySumUs   int64
	latencyMinUs   int64
	latencyMaxUs   int64

	promCollectors *prometheusCollectors
}

// New creates a Registry with its clock started now.
func New() *Registry {
	r := &Registry{startedAt: time.Now(), latencyMinUs: -1}
	r.promCollectors = newPrometheusCollectors(r)
	return r
}

// Collectors returns the Prometheus collectors backing this registry, for
// registration with a prometheus.Registerer by the embedding application.
func (r *Registry) Collectors() []prometheus.Collector {
	return r.promCollectors.all()
}

func (r *Registry) RecordRequestSent()              { atomic.AddInt64(&r.totalRequests, 1) }
func (r *Registry) RecordRequestSucceeded(lat time.Duration) {
	atomic.AddInt64(&r.successfulRequests, 1)
	r.recordLatency(lat)
}
func (r *Registry) RecordRequestFailed()    { atomic.AddInt64(&r.failedRequests, 1) }
func (r *Registry) RecordRequestTimedOut()  { atomic.AddInt64(&r.timedOutRequests, 1) }
func (r *Registry) RecordRequestCancelled() { atomic.AddInt64(&r.cancelledRequests, 1) }
func (r *Registry) RecordLateOrUnknown()    { atomic.AddInt64(&r.lateOrUnknown, 1) }

func (r *Registry) RecordSessionCreated()   { atomic.AddInt64(&r.totalSessions, 1); atomic.AddInt64(&r.activeSessions, 1) }
func (r *Registry) RecordSessionCompleted() { atomic.AddInt64(&r.activeSessions, -1); atomic.AddInt64(&r.completedSessions, 1) }
func (r *Registry) RecordStreamingMessage() { atomic.AddInt64(&r.streamingMessages, 1) }

// IncPendingRequests/DecPendingRequests track the Correlation Manager's live
// entry count as a gauge (rpc_pending_requests), mirrored from its own
// atomic counter since the manager is the sole owner of that count.
func (r *Registry) IncPendingRequests() { atomic.AddInt64(&r.pendingRequests, 1) }
func (r *Registry) DecPendingRequests() { atomic.AddInt64(&r.pendingRequests, -1) }

func (r *Registry) RecordBytesSent(n int)     { atomic.AddInt64(&r.bytesSent, int64(n)) }
func (r *Registry) RecordBytesReceived(n int) { atomic.AddInt64(&r.bytesReceived, int64(n)) }

func (r *Registry) recordLatency(lat time.Duration) {
	us := lat.Microseconds()
	atomic.AddInt64(&r.latencyCount, 1)
	atomic.AddInt64(&r.latencySumUs, us)

	for {
		cur := atomic.LoadInt64(&r.latencyMinUs)
		if cur != -1 && cur <= us {
			break
		}
		if atomic.CompareAndSwapInt64(&r.latencyMinUs, cur, us) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&r.latencyMaxUs)
		if cur >= us {
			break
		}
		if atomic.CompareAndSwapInt64(&r.latencyMaxUs, cur, us) {
			break
		}
	}
}

// Snapshot is a point-in-time, read-only copy of the registry's state plus
// the derived figures computed from it.
type Snapshot struct {
	Uptime time.Duration

	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TimedOutRequests   int64
	CancelledRequests  int64
	LateOrUnknown      int64

	TotalSessions     int64
	ActiveSessions    int64
	CompletedSessions int64
	StreamingMessages int64

	PendingRequests int64

	BytesSent     int64
	BytesReceived int64

	LatencyCount  int64
	LatencyMeanUs float64
	LatencyMinUs  int64
	LatencyMaxUs  int64

	SuccessRate       float64
	MessagesPerSecond float64
	BytesPerSecond    float64
}

// Snapshot reads every counter and derives the summary figures.
func (r *Registry) Snapshot() Snapshot {
	uptime := time.Since(r.startedAt)

	s := Snapshot{
		Uptime:             uptime,
		TotalRequests:      atomic.LoadInt64(&r.totalRequests),
		SuccessfulRequests: atomic.LoadInt64(&r.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&r.failedRequests),
		TimedOutRequests:   atomic.LoadInt64(&r.timedOutRequests),
		CancelledRequests:  atomic.LoadInt64(&r.cancelledRequests),
		LateOrUnknown:      atomic.LoadInt64(&r.lateOrUnknown),
		TotalSessions:      atomic.LoadInt64(&r.totalSessions),
		ActiveSessions:     atomic.LoadInt64(&r.activeSessions),
		CompletedSessions:  atomic.LoadInt64(&r.completedSessions),
		StreamingMessages:  atomic.LoadInt64(&r.streamingMessages),
		PendingRequests:    atomic.LoadInt64(&r.pendingRequests),
		BytesSent:          atomic.LoadInt64(&r.bytesSent),
		BytesReceived:      atomic.LoadInt64(&r.bytesReceived),
		LatencyCount:       atomic.LoadInt64(&r.latencyCount),
		LatencyMinUs:       atomic.LoadInt64(&r.latencyMinUs),
		LatencyMaxUs:       atomic.LoadInt64(&r.latencyMaxUs),
	}
	if s.LatencyMinUs == -1 {
		s.LatencyMinUs = 0
	}
	if s.LatencyCount > 0 {
		s.LatencyMeanUs = float64(atomic.LoadInt64(&r.latencySumUs)) / float64(s.LatencyCount)
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}
	secs := uptime.Seconds()
	if secs > 0 {
		s.MessagesPerSecond = float64(s.TotalRequests+s.StreamingMessages) / secs
		s.BytesPerSecond = float64(s.BytesSent+s.BytesReceived) / secs
	}
	return s
}

// Uptime returns elapsed time since the registry started.
func (r *Registry) Uptime() time.Duration { return time.Since(r.startedAt) }

// Reset zeros all counters and restarts the uptime clock. Used between test
// cases and by operators wanting a clean window; never called by the core
// client itself.
func (r *Registry) Reset() {
	atomic.StoreInt64(&r.totalRequests, 0)
	atomic.StoreInt64(&r.successfulRequests, 0)
	atomic.StoreInt64(&r.failedRequests, 0)
	atomic.StoreInt64(&r.timedOutRequests, 0)
	atomic.StoreInt64(&r.cancelledRequests, 0)
	atomic.StoreInt64(&r.lateOrUnknown, 0)
	atomic.StoreInt64(&r.totalSessions, 0)
	atomic.StoreInt64(&r.activeSessions, 0)
	atomic.StoreInt64(&r.completedSessions, 0)
	atomic.StoreInt64(&r.streamingMessages, 0)
	atomic.StoreInt64(&r.pendingRequests, 0)
	atomic.StoreInt64(&r.bytesSent, 0)
	atomic.StoreInt64(&r.bytesReceived, 0)
	atomic.StoreInt64(&r.latencyCount, 0)
	atomic.StoreInt64(&r.latencySumUs, 0)
	atomic.StoreInt64(&r.latencyMinUs, -1)
	atomic.StoreInt64(&r.latencyMaxUs, 0)
	r.startedAt = time.Now()
}
