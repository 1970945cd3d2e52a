package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/rpcbroker/internal/metrics"
	"github.com/adred-codev/rpcbroker/internal/rpcerr"
	"github.com/rs/zerolog"
)

// sessionRecord is the mutable state of one streaming session. The fields
// below mu are only read or written with mu held (by SessionManager's
// methods), which is how concurrent StreamSend calls on the same session
// are serialized.
type sessionRecord struct {
	id            string
	createdAt     time.Time
	correlationID string

	mu             sync.Mutex
	active         bool
	lastActivityAt time.Time
	messageCount   int64
}

// SessionManager tracks session-id → sessionRecord and enforces the
// configured cap on concurrently active sessions.
type SessionManager struct {
	table   sync.Map // string -> *sessionRecord
	count   int64
	maxSize int64

	metrics *metrics.Registry
	logger  zerolog.Logger

	reapCancel func()
	reapWg     sync.WaitGroup
}

// NewSessionManager creates a manager capped at maxConcurrentSessions live
// sessions.
func NewSessionManager(maxConcurrentSessions int, reg *metrics.Registry, logger zerolog.Logger) *SessionManager {
	return &SessionManager{maxSize: int64(maxConcurrentSessions), metrics: reg, logger: logger}
}

// create allocates a fresh session id and inserts it ACTIVE with
// message-count 0; the CREATED state is implicit and never observable.
func (s *SessionManager) create() (*sessionRecord, error) {
	if atomic.AddInt64(&s.count, 1) > s.maxSize {
		atomic.AddInt64(&s.count, -1)
		return nil, rpcerr.New(rpcerr.CapacityExceeded, "max-concurrent-sessions reached")
	}

	id := newID()
	rec := &sessionRecord{
		id:             id,
		createdAt:      time.Now(),
		lastActivityAt: time.Now(),
		active:         true,
		correlationID:  id, // the session id doubles as the correlation id
	}
	s.table.Store(id, rec)
	s.metrics.RecordSessionCreated()
	return rec, nil
}

// get returns the record for id if present and active; SessionNotFound if
// absent, SessionClosed if present but no longer active.
func (s *SessionManager) get(id string) (*sessionRecord, error) {
	v, ok := s.table.Load(id)
	if !ok {
		return nil, rpcerr.New(rpcerr.SessionNotFound, "no such session")
	}
	rec := v.(*sessionRecord)
	rec.mu.Lock()
	active := rec.active
	rec.mu.Unlock()
	if !active {
		return nil, rpcerr.New(rpcerr.SessionClosed, "session is closed")
	}
	return rec, nil
}

// recordActivity increments message-count and refreshes last-activity-at,
// failing if the session is not active.
func (s *SessionManager) recordActivity(id string) error {
	rec, err := s.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.active {
		return rpcerr.New(rpcerr.SessionClosed, "session is closed")
	}
	rec.messageCount++
	rec.lastActivityAt = time.Now()
	return nil
}

// deactivate transitions a session ACTIVE → CLOSED exactly once and
// removes its record from the table. Returns true if this call performed
// the transition: whoever flips the active flag first owns teardown.
// Callers holding a *sessionRecord fetched before deactivation may keep
// reading its immutable fields after removal.
func (s *SessionManager) deactivate(id string) bool {
	v, ok := s.table.Load(id)
	if !ok {
		return false
	}
	rec := v.(*sessionRecord)
	rec.mu.Lock()
	wasActive := rec.active
	rec.active = false
	rec.mu.Unlock()
	if wasActive {
		s.table.Delete(id)
		atomic.AddInt64(&s.count, -1)
		s.metrics.RecordSessionCompleted()
	}
	return wasActive
}

// routingKeyFor returns the stable routing key for id, which is the
// session id itself.
func (s *SessionManager) routingKeyFor(id string) string { return id }

// startReaper runs forever (until stop is called) sweeping sessions whose
// last-activity-at is older than idleThreshold, notifying their bidi
// handler with an error before removal.
func (s *SessionManager) startReaper(interval, idleThreshold time.Duration, onIdle func(id string, rec *sessionRecord)) {
	var cancelled int32
	stop := make(chan struct{})
	s.reapCancel = func() {
		if atomic.CompareAndSwapInt32(&cancelled, 0, 1) {
			close(stop)
		}
	}

	s.reapWg.Add(1)
	go func() {
		defer s.reapWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reapOnce(idleThreshold, onIdle)
			case <-stop:
				return
			}
		}
	}()
}

func (s *SessionManager) reapOnce(idleThreshold time.Duration, onIdle func(id string, rec *sessionRecord)) {
	now := time.Now()
	s.table.Range(func(key, value any) bool {
		id := key.(string)
		rec := value.(*sessionRecord)

		rec.mu.Lock()
		idle := rec.active && now.Sub(rec.lastActivityAt) >= idleThreshold
		if idle {
			rec.active = false
		}
		rec.mu.Unlock()
		if !idle {
			return true
		}
		// This sweep flipped the flag, so it owns teardown: notify first,
		// then drop the record.
		if onIdle != nil {
			onIdle(id, rec)
		}
		s.table.Delete(id)
		atomic.AddInt64(&s.count, -1)
		s.metrics.RecordSessionCompleted()
		return true
	})
}

func (s *SessionManager) stopReaper() {
	if s.reapCancel != nil {
		s.reapCancel()
	}
	s.reapWg.Wait()
}

// liveCount reports the current number of active sessions, for capacity
// tests and metrics.
func (s *SessionManager) liveCount() int64 { return atomic.LoadInt64(&s.count) }

// tableSize walks the table and reports how many records it holds. Closed
// sessions are deleted on deactivation, so this should track liveCount.
func (s *SessionManager) tableSize() int {
	n := 0
	s.table.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// closeAll deactivates every session (used during Client.Close), returning
// the ids that were actually transitioned so the caller can notify their
// bidi handlers.
func (s *SessionManager) closeAll() []string {
	var closed []string
	s.table.Range(func(key, value any) bool {
		id := key.(string)
		if s.deactivate(id) {
			closed = append(closed, id)
		}
		return true
	})
	return closed
}
