// Package rpc implements the RPC client's three core subsystems
// (Correlation Manager, Session Manager, Send/Receive pipeline) and the
// public facade that ties them together.
package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/rpcbroker/internal/broker"
	"github.com/adred-codev/rpcbroker/internal/metrics"
	"github.com/adred-codev/rpcbroker/internal/queueselect"
	"github.com/adred-codev/rpcbroker/internal/rpcerr"
	"github.com/adred-codev/rpcbroker/internal/workerpool"
	"github.com/rs/zerolog"
)

// Options configures a Client. Every configurable bound is represented
// here. New does not replace zero values with defaults, except that a zero
// ConsumeQueueSize becomes ConsumeThreadsMax*100, so callers normally build
// Options from a loaded, validated config.Config rather than filling it in
// by hand.
type Options struct {
	RequestTopic        string
	ResponseTopicPrefix string
	RequestTopicQueues  int
	ResponseTopicQueues int

	DefaultTimeout        time.Duration
	MaxConcurrentRequests int
	MaxConcurrentSessions int
	RetrySync             int
	RetryAsync            int
	SendTimeout           time.Duration
	MaxMessageBytes       int
	ConsumeThreadsMin     int
	ConsumeThreadsMax     int
	ConsumeQueueSize      int

	SessionIdleTimeout time.Duration
	ReapInterval       time.Duration

	SendRatePerSec int

	MetricsLogEnabled  bool
	MetricsLogInterval time.Duration
}

// Client is the public RPC facade: SendSync, SendAsync, StreamStart,
// StreamSend, StreamEnd, BidiSend, Start, Close.
type Client struct {
	opts   Options
	b      broker.Broker
	logger zerolog.Logger

	senderID      string
	responseTopic string

	correlation *CorrelationManager
	sessions    *SessionManager
	sender      *sender
	receiver    *receiver
	metrics     *metrics.Registry
	summary     *metrics.SummaryLogger

	ctx    context.Context
	cancel context.CancelFunc

	started int32
	closed  int32
	closeMu sync.Mutex
}

// New constructs a Client bound to b. The client does not connect or
// subscribe until Start is called.
func New(b broker.Broker, opts Options, logger zerolog.Logger) *Client {
	reg := metrics.New()
	senderID := newID()

	c := &Client{
		opts:          opts,
		b:             b,
		logger:        logger,
		senderID:      senderID,
		responseTopic: opts.ResponseTopicPrefix + senderID,
		correlation:   NewCorrelationManager(opts.MaxConcurrentRequests, reg, logger),
		sessions:      NewSessionManager(opts.MaxConcurrentSessions, reg, logger),
		metrics:       reg,
	}

	c.sender = newSender(b, opts.RequestTopic, senderID, opts.MaxMessageBytes, opts.RetrySync, opts.RetryAsync, opts.SendRatePerSec, opts.SendTimeout, reg, logger)

	pool := workerpool.New(opts.ConsumeThreadsMin, opts.ConsumeThreadsMax, c.consumeQueueSize(), logger)
	c.receiver = newReceiver(b, c.responseTopic, c.correlation, pool, reg, logger)

	if opts.MetricsLogEnabled {
		c.summary = metrics.NewSummaryLogger(reg, logger, opts.MetricsLogInterval)
	}

	b.SetQueueSelector(func(topic string, payload []byte, routingKey string) int {
		return queueselect.Select(routingKey, opts.RequestTopicQueues)
	})

	return c
}

func (c *Client) consumeQueueSize() int {
	size := opts2QueueSize(c.opts)
	if size < 1 {
		size = 1
	}
	return size
}

func opts2QueueSize(o Options) int {
	if o.ConsumeQueueSize > 0 {
		return o.ConsumeQueueSize
	}
	return o.ConsumeThreadsMax * 100
}

// SenderID returns this client instance's sender id.
func (c *Client) SenderID() string { return c.senderID }

// Metrics returns the client's metrics registry for external scraping.
func (c *Client) Metrics() *metrics.Registry { return c.metrics }

// Start brings up the client's subsystems in order: metrics, correlation
// manager, session manager (reaper), receiver, sender. It is idempotent
// after a first success.
func (c *Client) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.b.EnsureTopic(ctx, c.opts.RequestTopic, c.opts.RequestTopicQueues); err != nil {
		atomic.StoreInt32(&c.started, 0)
		return rpcerr.Wrap(rpcerr.TransportError, "failed to ensure request topic exists", err)
	}
	if err := c.b.EnsureTopic(ctx, c.responseTopic, c.opts.ResponseTopicQueues); err != nil {
		atomic.StoreInt32(&c.started, 0)
		return rpcerr.Wrap(rpcerr.TransportError, "failed to ensure response topic exists", err)
	}

	if c.summary != nil {
		c.summary.Start(c.ctx)
	}

	c.sessions.startReaper(c.opts.ReapInterval, c.opts.SessionIdleTimeout, c.onIdleSession)

	if err := c.receiver.start(c.ctx); err != nil {
		c.sessions.stopReaper()
		if c.summary != nil {
			c.summary.Stop()
		}
		atomic.StoreInt32(&c.started, 0)
		return rpcerr.Wrap(rpcerr.TransportError, "failed to subscribe to response topic", err)
	}

	c.logger.Info().
		Str("sender_id", c.senderID).
		Str("response_topic", c.responseTopic).
		Msg("rpc client started")
	return nil
}

// onIdleSession notifies any bidi handler of the session with a timeout
// error. The reaper calls it before dropping the session record; Close
// calls it after closeAll has already dropped every record.
func (c *Client) onIdleSession(id string, _ *sessionRecord) {
	if w, ok := c.correlation.streamWaiterFor(id); ok {
		w.mu.Lock()
		h := w.handler
		w.mu.Unlock()
		if h != nil {
			idleErr := rpcerr.New(rpcerr.Timeout, "session idle-reaped")
			c.correlation.safeDispatch(func() { h.OnError(idleErr) })
		}
	}
}

// Close tears the client down in reverse start order: sender stops
// accepting new work implicitly (operations called after Close return
// NotStarted), receiver unsubscribes and drains, sessions deactivate and
// notify bidi handlers, correlation cancels everything outstanding, and a
// final metrics summary is logged. Idempotent.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if atomic.LoadInt32(&c.started) == 0 {
		return nil
	}

	c.receiver.stop()

	for _, id := range c.sessions.closeAll() {
		c.onIdleSession(id, nil)
	}
	c.sessions.stopReaper()

	c.correlation.cancelAll("client closing")

	if c.summary != nil {
		c.summary.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.logger.Info().Str("sender_id", c.senderID).Msg("rpc client closed")
	return nil
}

func (c *Client) requireStarted() error {
	if atomic.LoadInt32(&c.started) == 0 || atomic.LoadInt32(&c.closed) == 1 {
		return rpcerr.New(rpcerr.NotStarted, "client is not started")
	}
	return nil
}

func (c *Client) effectiveTimeout(timeoutMs int) (int, error) {
	if timeoutMs == 0 {
		return int(c.opts.DefaultTimeout / time.Millisecond), nil
	}
	if timeoutMs < 1 || timeoutMs > 300_000 {
		return 0, rpcerr.New(rpcerr.InvalidArgument, "timeoutMs must be between 1 and 300000")
	}
	return timeoutMs, nil
}

// SendSync sends payload and blocks until a response arrives or timeoutMs
// elapses (0 uses the configured default timeout).
func (c *Client) SendSync(ctx context.Context, payload []byte, timeoutMs int) (Response, error) {
	if err := c.requireStarted(); err != nil {
		return Response{}, err
	}
	if err := c.sender.validatePayload(payload); err != nil {
		return Response{}, err
	}
	timeout, err := c.effectiveTimeout(timeoutMs)
	if err != nil {
		return Response{}, err
	}

	waiter := &syncWaiter{done: make(chan result, 1)}
	id, err := c.correlation.register(waiter, "", timeout)
	if err != nil {
		return Response{}, err
	}

	c.metrics.RecordRequestSent()
	sentAt := time.Now()

	if err := c.sender.sendRequest(ctx, id, "", payload, false, true); err != nil {
		c.correlation.remove(id)
		c.metrics.RecordRequestFailed()
		return Response{}, err
	}

	select {
	case r := <-waiter.done:
		if r.err != nil {
			c.metrics.RecordRequestFailed()
			return Response{}, r.err
		}
		c.metrics.RecordRequestSucceeded(time.Since(sentAt))
		return r.resp, nil
	case <-ctx.Done():
		c.correlation.cancel(id)
		return Response{}, rpcerr.Wrap(rpcerr.Cancelled, "caller context cancelled", ctx.Err())
	}
}

// Future is returned by SendAsync: a single-resolve handle for the
// eventual Response.
type Future struct {
	id          string
	correlation *CorrelationManager
	waiter      *asyncFuture
	sentAt      time.Time
	metrics     *metrics.Registry
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case r := <-f.waiter.done:
		if r.err != nil {
			f.metrics.RecordRequestFailed()
			return Response{}, r.err
		}
		f.metrics.RecordRequestSucceeded(time.Since(f.sentAt))
		return r.resp, nil
	case <-ctx.Done():
		f.Cancel()
		return Response{}, rpcerr.Wrap(rpcerr.Cancelled, "caller context cancelled", ctx.Err())
	}
}

// Cancel removes the pending correlation entry and resolves the future
// with rpcerr.Cancelled, if it has not already resolved.
func (f *Future) Cancel() {
	if atomic.CompareAndSwapInt32(&f.waiter.cancelled, 0, 1) {
		f.correlation.cancel(f.id)
	}
}

// SendAsync registers the request and returns immediately with a Future;
// it never blocks the caller.
func (c *Client) SendAsync(ctx context.Context, payload []byte, timeoutMs int) (*Future, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	if err := c.sender.validatePayload(payload); err != nil {
		return nil, err
	}
	timeout, err := c.effectiveTimeout(timeoutMs)
	if err != nil {
		return nil, err
	}

	waiter := &asyncFuture{done: make(chan result, 1)}
	id, err := c.correlation.register(waiter, "", timeout)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordRequestSent()
	sentAt := time.Now()
	future := &Future{id: id, correlation: c.correlation, waiter: waiter, sentAt: sentAt, metrics: c.metrics}

	go func() {
		if err := c.sender.sendRequest(ctx, id, "", payload, false, false); err != nil {
			// A timeout or cancel may have already completed the waiter
			// while the publish was in flight; only the goroutine that
			// wins the remove may resolve it.
			if c.correlation.remove(id) != nil {
				c.metrics.RecordRequestFailed()
				waiter.done <- result{err: err}
			}
		}
	}()

	return future, nil
}

// StreamStart creates a session and registers its aggregate waiter; it is
// purely local and sends nothing.
func (c *Client) StreamStart() (string, error) {
	if err := c.requireStarted(); err != nil {
		return "", err
	}

	rec, err := c.sessions.create()
	if err != nil {
		return "", err
	}

	waiter := &streamingWaiter{done: make(chan result, 1)}
	if err := c.correlation.registerWithID(rec.id, waiter, rec.id, int(c.opts.DefaultTimeout/time.Millisecond)); err != nil {
		c.sessions.deactivate(rec.id)
		return "", err
	}
	return rec.id, nil
}

// StreamSend sends one mid-stream message on sessionID's routing key, with
// no correlation id: the responder groups mid-stream messages by session id.
func (c *Client) StreamSend(ctx context.Context, sessionID string, payload []byte) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	if err := c.sender.validatePayload(payload); err != nil {
		return err
	}
	if _, err := c.sessions.get(sessionID); err != nil {
		return err
	}
	if err := c.sessions.recordActivity(sessionID); err != nil {
		return err
	}

	c.metrics.RecordStreamingMessage()
	return c.sender.sendRequest(ctx, "", sessionID, payload, false, false)
}

// StreamEnd sends the end-of-stream marker, deactivates the session, and
// blocks for the aggregate final response.
func (c *Client) StreamEnd(ctx context.Context, sessionID string, timeoutMs int) (Response, error) {
	if err := c.requireStarted(); err != nil {
		return Response{}, err
	}
	timeout, err := c.effectiveTimeout(timeoutMs)
	if err != nil {
		return Response{}, err
	}

	rec, err := c.sessions.get(sessionID)
	if err != nil {
		return Response{}, err
	}
	_ = c.sessions.recordActivity(sessionID)
	c.sessions.deactivate(sessionID)

	w, ok := c.correlation.streamWaiterFor(rec.correlationID)
	if !ok {
		return Response{}, rpcerr.New(rpcerr.Internal, "missing streaming waiter for session")
	}

	// The aggregate waiter was armed with StreamStart's default timeout;
	// streamEnd's own timeoutMs is the real deadline for the final
	// response from this point on, so re-arm it.
	c.correlation.resetTimeout(sessionID, timeout)

	if err := c.sender.sendRequest(ctx, sessionID, sessionID, nil, true, true); err != nil {
		c.correlation.remove(sessionID)
		return Response{}, err
	}

	select {
	case r := <-w.done:
		if r.err != nil {
			return Response{}, r.err
		}
		return r.resp, nil
	case <-ctx.Done():
		c.correlation.cancel(sessionID)
		return Response{}, rpcerr.Wrap(rpcerr.Cancelled, "caller context cancelled", ctx.Err())
	}
}

// BidiSend attaches (or atomically replaces) the per-message handler on
// sessionID's streaming waiter, records activity, and sends payload on the
// session's routing key.
func (c *Client) BidiSend(ctx context.Context, sessionID string, payload []byte, handler StreamHandler) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	if err := c.sender.validatePayload(payload); err != nil {
		return err
	}
	rec, err := c.sessions.get(sessionID)
	if err != nil {
		return err
	}

	w, ok := c.correlation.streamWaiterFor(rec.correlationID)
	if !ok {
		return rpcerr.New(rpcerr.Internal, "missing streaming waiter for session")
	}
	w.mu.Lock()
	w.handler = handler
	w.mu.Unlock()

	if err := c.sessions.recordActivity(sessionID); err != nil {
		return err
	}

	return c.sender.sendRequest(ctx, "", sessionID, payload, false, false)
}
