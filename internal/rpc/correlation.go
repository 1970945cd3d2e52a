package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/rpcbroker/internal/metrics"
	"github.com/adred-codev/rpcbroker/internal/rpcerr"
	"github.com/rs/zerolog"
)

// result is what a waiter is resolved with: either a Response or an error
// from the taxonomy in internal/rpcerr.
type result struct {
	resp Response
	err  error
}

// pendingOp is a tagged variant: a correlation id maps to exactly one of
// these three waiter shapes.
type pendingOp interface {
	isPendingOp()
}

// syncWaiter is a one-shot rendezvous for SendSync: the channel is
// buffered 1 so completion never blocks on a caller that already gave up.
type syncWaiter struct {
	done chan result
}

func (*syncWaiter) isPendingOp() {}

// asyncFuture is what SendAsync returns; completion and cancellation both
// resolve the same buffered channel exactly once.
type asyncFuture struct {
	done      chan result
	cancelled int32 // atomic flag; set by Future.Cancel
}

func (*asyncFuture) isPendingOp() {}

// streamingWaiter backs StreamStart: done resolves the aggregate (final)
// response, handler optionally receives every incremental response for
// bidirectional streaming. handler is stored behind a mutex so BidiSend
// can atomically swap it in.
type streamingWaiter struct {
	done chan result

	mu      sync.Mutex
	handler StreamHandler
}

func (*streamingWaiter) isPendingOp() {}

type entry struct {
	op        pendingOp
	sessionID string
	createdAt time.Time

	mu    sync.Mutex // guards timer, which resetTimeout may replace in place
	timer *time.Timer
}

// CorrelationManager maps correlation ids to pending waiters, enforces
// timeouts, and guarantees at-most-once completion. It is owned
// exclusively by Client; the Receiver holds only a borrowed reference,
// never mutating entries directly.
type CorrelationManager struct {
	table   sync.Map // string -> *entry
	count   int64    // atomic live-entry count, enforces max-concurrent-requests
	maxSize int64

	metrics *metrics.Registry
	logger  zerolog.Logger
}

// NewCorrelationManager creates a manager capped at maxConcurrentRequests
// live entries.
func NewCorrelationManager(maxConcurrentRequests int, reg *metrics.Registry, logger zerolog.Logger) *CorrelationManager {
	return &CorrelationManager{
		maxSize: int64(maxConcurrentRequests),
		metrics: reg,
		logger:  logger,
	}
}

// register inserts op under a fresh correlation id before the message is
// sent, and arms a timeout that fires op with rpcerr.Timeout at
// now+timeoutMs if nothing resolves it first.
func (m *CorrelationManager) register(op pendingOp, sessionID string, timeoutMs int) (string, error) {
	if atomic.AddInt64(&m.count, 1) > m.maxSize {
		atomic.AddInt64(&m.count, -1)
		return "", rpcerr.New(rpcerr.CapacityExceeded, "max-concurrent-requests reached")
	}

	id := newID()
	e := &entry{op: op, sessionID: sessionID, createdAt: time.Now()}
	m.metrics.IncPendingRequests()
	m.table.Store(id, e)
	// Arm the timer only once the entry is in the table, so that even a
	// very short timeout finds it there when it fires.
	e.mu.Lock()
	e.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		m.fireTimeout(id)
	})
	e.mu.Unlock()
	return id, nil
}

// registerWithID is used by streaming operations where the correlation id
// must equal a pre-existing session id, since the session identifier
// doubles as the correlation id for the final aggregated response.
func (m *CorrelationManager) registerWithID(id string, op pendingOp, sessionID string, timeoutMs int) error {
	if atomic.AddInt64(&m.count, 1) > m.maxSize {
		atomic.AddInt64(&m.count, -1)
		return rpcerr.New(rpcerr.CapacityExceeded, "max-concurrent-requests reached")
	}

	e := &entry{op: op, sessionID: sessionID, createdAt: time.Now()}
	m.metrics.IncPendingRequests()
	m.table.Store(id, e)
	e.mu.Lock()
	e.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		m.fireTimeout(id)
	})
	e.mu.Unlock()
	return nil
}

// resetTimeout replaces id's scheduled timeout with a fresh one at
// now+timeoutMs, stopping whatever timer was previously armed. Used by
// streamEnd, whose own timeoutMs supersedes the default timeout the
// aggregate waiter was registered with back in StreamStart. Returns false
// if id is no longer live (it already resolved).
func (m *CorrelationManager) resetTimeout(id string, timeoutMs int) bool {
	v, ok := m.table.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		m.fireTimeout(id)
	})
	return true
}

// remove deletes id from the table, cancels its timer (best-effort: the
// timer may already be firing concurrently), and decrements the live
// count. Returns the removed entry, or nil if id was not present — the
// caller (deliverResponse, fireTimeout, cancel) uses this to implement
// at-most-once completion: whichever caller sees the entry first owns it.
func (m *CorrelationManager) remove(id string) *entry {
	v, ok := m.table.LoadAndDelete(id)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	atomic.AddInt64(&m.count, -1)
	m.metrics.DecPendingRequests()
	return e
}

// deliverResponse is called by the Receiver for every inbound RESPONSE
// message. It never mutates an entry directly from the receiver's
// goroutine except through this atomic remove-and-complete path.
func (m *CorrelationManager) deliverResponse(meta metadata, payload []byte) {
	v, ok := m.table.Load(meta.CorrelationID)
	if !ok {
		m.metrics.RecordLateOrUnknown()
		m.logger.Debug().Str("correlation_id", meta.CorrelationID).Msg("dropping response for unknown or already-resolved correlation id")
		return
	}
	e := v.(*entry)

	resp := Response{Payload: payload, Success: meta.Success, ErrorMessage: meta.ErrorMessage}
	if !meta.HasSuccess {
		resp.Success = true
	}

	switch op := e.op.(type) {
	case *syncWaiter, *asyncFuture:
		if m.remove(meta.CorrelationID) == nil {
			// Lost the race with a timeout firing concurrently.
			return
		}
		m.completeWaiter(e.op, result{resp: resp})
	case *streamingWaiter:
		if meta.StreamFinal {
			if m.remove(meta.CorrelationID) == nil {
				return
			}
			m.deliverFinal(op, result{resp: resp})
		} else {
			m.deliverIncremental(op, resp)
		}
	}
}

func (m *CorrelationManager) completeWaiter(op pendingOp, r result) {
	switch w := op.(type) {
	case *syncWaiter:
		w.done <- r
	case *asyncFuture:
		w.done <- r
	}
}

func (m *CorrelationManager) deliverFinal(w *streamingWaiter, r result) {
	w.done <- r
	w.mu.Lock()
	h := w.handler
	w.mu.Unlock()
	if h != nil {
		m.safeDispatch(func() { h.OnComplete() })
	}
}

func (m *CorrelationManager) deliverIncremental(w *streamingWaiter, resp Response) {
	w.mu.Lock()
	h := w.handler
	w.mu.Unlock()
	if h == nil {
		return
	}
	m.metrics.RecordStreamingMessage()
	m.safeDispatch(func() { h.OnResponse(resp) })
}

// safeDispatch runs user-supplied handler code with panic recovery: a
// panic inside OnResponse/OnComplete/OnError is recovered, logged, and
// swallowed rather than propagated, isolating other sessions from one
// misbehaving handler.
func (m *CorrelationManager) safeDispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic_value", r).Msg("stream handler panicked, recovered")
		}
	}()
	fn()
}

// fireTimeout completes a still-pending entry with rpcerr.Timeout. It
// re-checks presence first (best-effort timer cancellation): if
// deliverResponse already removed the entry, fireTimeout is a no-op.
func (m *CorrelationManager) fireTimeout(id string) {
	e := m.remove(id)
	if e == nil {
		return
	}
	m.metrics.RecordRequestTimedOut()
	timeoutErr := rpcerr.New(rpcerr.Timeout, "no response within the configured timeout")

	switch w := e.op.(type) {
	case *syncWaiter:
		w.done <- result{err: timeoutErr}
	case *asyncFuture:
		w.done <- result{err: timeoutErr}
	case *streamingWaiter:
		w.done <- result{err: timeoutErr}
		w.mu.Lock()
		h := w.handler
		w.mu.Unlock()
		if h != nil {
			m.safeDispatch(func() { h.OnError(timeoutErr) })
		}
	}
}

// cancel removes id and completes it with rpcerr.Cancelled. Used by
// Future.Cancel.
func (m *CorrelationManager) cancel(id string) bool {
	e := m.remove(id)
	if e == nil {
		return false
	}
	m.metrics.RecordRequestCancelled()
	cancelErr := rpcerr.New(rpcerr.Cancelled, "operation cancelled")
	switch w := e.op.(type) {
	case *syncWaiter:
		w.done <- result{err: cancelErr}
	case *asyncFuture:
		w.done <- result{err: cancelErr}
	case *streamingWaiter:
		w.done <- result{err: cancelErr}
	}
	return true
}

// cancelAll removes every live entry and fails each with reason, called
// once at shutdown. After it returns, the table is empty and every
// scheduled timeout has been cancelled.
func (m *CorrelationManager) cancelAll(reasonMessage string) {
	m.table.Range(func(key, value any) bool {
		id := key.(string)
		e := m.remove(id)
		if e == nil {
			return true
		}
		cancelErr := rpcerr.New(rpcerr.Cancelled, reasonMessage)
		switch w := e.op.(type) {
		case *syncWaiter:
			w.done <- result{err: cancelErr}
		case *asyncFuture:
			w.done <- result{err: cancelErr}
		case *streamingWaiter:
			w.done <- result{err: cancelErr}
			w.mu.Lock()
			h := w.handler
			w.mu.Unlock()
			if h != nil {
				m.safeDispatch(func() { h.OnError(cancelErr) })
			}
		}
		return true
	})
}

// liveCount reports the current number of live correlation entries,
// exported for metrics gauges and capacity tests.
func (m *CorrelationManager) liveCount() int64 {
	return atomic.LoadInt64(&m.count)
}

// streamWaiterFor returns the streamingWaiter for a session's correlation
// entry (the correlation id equals the session id), or nil if absent —
// used by BidiSend to atomically swap in a per-message handler.
func (m *CorrelationManager) streamWaiterFor(correlationID string) (*streamingWaiter, bool) {
	v, ok := m.table.Load(correlationID)
	if !ok {
		return nil, false
	}
	w, ok := v.(*entry).op.(*streamingWaiter)
	return w, ok
}
