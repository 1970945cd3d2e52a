package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/rpcbroker/internal/broker"
	"github.com/adred-codev/rpcbroker/internal/broker/memory"
	"github.com/adred-codev/rpcbroker/internal/rpcerr"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func testOptions() Options {
	return Options{
		RequestTopic:          "rpc.requests",
		ResponseTopicPrefix:   "rpc.responses.",
		RequestTopicQueues:    4,
		ResponseTopicQueues:   1,
		DefaultTimeout:        2 * time.Second,
		MaxConcurrentRequests: 1000,
		MaxConcurrentSessions: 100,
		RetrySync:             0,
		RetryAsync:            0,
		SendTimeout:           time.Second,
		MaxMessageBytes:       1 << 20,
		ConsumeThreadsMin:     2,
		ConsumeThreadsMax:     4,
		ConsumeQueueSize:      64,
		SessionIdleTimeout:    time.Hour,
		ReapInterval:          10 * time.Millisecond,
	}
}

// newTestClient returns a started client plus a closer. Callers must defer
// the closer themselves (after their own defer goleak.VerifyNone) rather
// than rely on t.Cleanup: Cleanup hooks run strictly after the test
// function's own defers unwind, so a t.Cleanup-based Close would still be
// live goroutines when a deferred goleak check ran.
func newTestClient(t *testing.T, opts Options) (c *Client, b broker.Broker, closer func()) {
	t.Helper()
	b = memory.New()
	c = New(b, opts, zerolog.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c, b, func() { _ = c.Close() }
}

// echoResponder subscribes to the request topic and replies to every
// request on the requester's private response topic, echoing the payload.
// Callers must Unsubscribe the returned subscription (before closing the
// client, so a deferred goleak check doesn't see its goroutine as leaked).
func echoResponder(t *testing.T, b broker.Broker, requestTopic string) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), requestTopic, func(ctx context.Context, msg broker.Message) {
		meta := decodeMetadata(msg.Properties)
		if meta.Type != messageTypeRequest {
			return
		}
		respTopic := "rpc.responses." + meta.SenderID
		resp := metadata{
			CorrelationID: meta.CorrelationID,
			Type:          messageTypeResponse,
			TimestampMs:   nowMs(),
			HasSuccess:    true,
			Success:       true,
		}
		if meta.StreamEnd {
			resp.StreamFinal = true
		}
		_ = b.Publish(ctx, respTopic, msg.Payload, resp.encode(), broker.PublishOptions{})
	})
	if err != nil {
		t.Fatalf("responder subscribe failed: %v", err)
	}
	return sub
}

func TestSendSyncEcho(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	c, b, closeClient := newTestClient(t, opts)
	defer closeClient()
	defer echoResponder(t, b, opts.RequestTopic).Unsubscribe()

	resp, err := c.SendSync(context.Background(), []byte("ping"), 5000)
	if err != nil {
		t.Fatalf("SendSync failed: %v", err)
	}
	if string(resp.Payload) != "ping" {
		t.Errorf("payload = %q, want %q", resp.Payload, "ping")
	}
	if !resp.Success {
		t.Errorf("expected Success=true")
	}

	snap := c.Metrics().Snapshot()
	if snap.TotalRequests != 1 || snap.SuccessfulRequests != 1 {
		t.Errorf("unexpected metrics snapshot: %+v", snap)
	}
}

func TestSendAsyncTimeoutWithLateResponse(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	c, b, closeClient := newTestClient(t, opts)
	defer closeClient()

	// No responder subscribed; requests are published but never answered
	// until we manually fire one late, after the timeout has already fired.
	var capturedCorrelationID string
	var mu sync.Mutex
	sub, err := b.Subscribe(context.Background(), opts.RequestTopic, func(ctx context.Context, msg broker.Message) {
		meta := decodeMetadata(msg.Properties)
		mu.Lock()
		capturedCorrelationID = meta.CorrelationID
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	future, err := c.SendAsync(context.Background(), []byte("x"), 50)
	if err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}

	start := time.Now()
	_, err = future.Wait(context.Background())
	elapsed := time.Since(start)
	if rpcerr.CodeOf(err) != rpcerr.Timeout {
		t.Fatalf("expected Timeout error, got %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("future resolved before the configured timeout: %v", elapsed)
	}

	snap := c.Metrics().Snapshot()
	if snap.TimedOutRequests != 1 {
		t.Errorf("TimedOutRequests = %d, want 1", snap.TimedOutRequests)
	}

	// The correlation id the responder observed should now be unknown to
	// the client: deliver a response for it and confirm it's dropped as
	// late/unknown rather than completing anything.
	mu.Lock()
	id := capturedCorrelationID
	mu.Unlock()
	if id == "" {
		t.Fatal("responder never observed a request")
	}
	resp := metadata{CorrelationID: id, Type: messageTypeResponse, TimestampMs: nowMs(), HasSuccess: true, Success: true}
	if err := b.Publish(context.Background(), c.responseTopic, []byte("late"), resp.encode(), broker.PublishOptions{}); err != nil {
		t.Fatalf("publish late response failed: %v", err)
	}

	// Give the receiver's worker pool a moment to process the late message.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Metrics().Snapshot().LateOrUnknown == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.Metrics().Snapshot().LateOrUnknown; got != 1 {
		t.Errorf("LateOrUnknown = %d, want 1", got)
	}
}

// streamResponder groups requests by session id and, once it has seen the
// end-of-stream marker, replies once with the concatenation of every
// payload it saw for that session, marked as the final aggregate response.
func streamResponder(t *testing.T, b broker.Broker, requestTopic string) broker.Subscription {
	t.Helper()
	var mu sync.Mutex
	buffers := map[string][]byte{}

	sub, err := b.Subscribe(context.Background(), requestTopic, func(ctx context.Context, msg broker.Message) {
		meta := decodeMetadata(msg.Properties)
		if meta.Type != messageTypeRequest || meta.SessionID == "" {
			return
		}

		mu.Lock()
		if !meta.StreamEnd {
			buffers[meta.SessionID] = append(buffers[meta.SessionID], msg.Payload...)
		}
		payload := append([]byte(nil), buffers[meta.SessionID]...)
		mu.Unlock()

		if !meta.StreamEnd {
			return
		}

		respTopic := "rpc.responses." + meta.SenderID
		resp := metadata{
			CorrelationID: meta.SessionID,
			Type:          messageTypeResponse,
			TimestampMs:   nowMs(),
			StreamFinal:   true,
			HasSuccess:    true,
			Success:       true,
		}
		_ = b.Publish(ctx, respTopic, payload, resp.encode(), broker.PublishOptions{})
	})
	if err != nil {
		t.Fatalf("stream responder subscribe failed: %v", err)
	}
	return sub
}

func TestStreamingAggregation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	c, b, closeClient := newTestClient(t, opts)
	defer closeClient()
	defer streamResponder(t, b, opts.RequestTopic).Unsubscribe()

	sessionID, err := c.StreamStart()
	if err != nil {
		t.Fatalf("StreamStart failed: %v", err)
	}

	for _, chunk := range []string{"a", "b", "c"} {
		if err := c.StreamSend(context.Background(), sessionID, []byte(chunk)); err != nil {
			t.Fatalf("StreamSend(%q) failed: %v", chunk, err)
		}
	}

	resp, err := c.StreamEnd(context.Background(), sessionID, 5000)
	if err != nil {
		t.Fatalf("StreamEnd failed: %v", err)
	}
	if string(resp.Payload) != "abc" {
		t.Errorf("aggregate payload = %q, want %q", resp.Payload, "abc")
	}

	snap := c.Metrics().Snapshot()
	if snap.CompletedSessions != 1 {
		t.Errorf("CompletedSessions = %d, want 1", snap.CompletedSessions)
	}

	// The session is closed; further sends must fail.
	if err := c.StreamSend(context.Background(), sessionID, []byte("late")); rpcerr.CodeOf(err) != rpcerr.SessionNotFound {
		t.Errorf("StreamSend after StreamEnd: got %v, want SessionNotFound", err)
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	responses []string
	completed bool
	done      chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) OnResponse(resp Response) {
	h.mu.Lock()
	h.responses = append(h.responses, string(resp.Payload))
	h.mu.Unlock()
}

func (h *recordingHandler) OnComplete() {
	h.mu.Lock()
	h.completed = true
	h.mu.Unlock()
	close(h.done)
}

func (h *recordingHandler) OnError(error) {}

// bidiResponder replies to every mid-stream message with an incremental
// response echoing it, then replies to the end marker with a final one.
func bidiResponder(t *testing.T, b broker.Broker, requestTopic string) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), requestTopic, func(ctx context.Context, msg broker.Message) {
		meta := decodeMetadata(msg.Properties)
		if meta.Type != messageTypeRequest || meta.SessionID == "" {
			return
		}
		respTopic := "rpc.responses." + meta.SenderID
		resp := metadata{
			CorrelationID: meta.SessionID,
			Type:          messageTypeResponse,
			TimestampMs:   nowMs(),
			HasSuccess:    true,
			Success:       true,
		}
		if meta.StreamEnd {
			resp.StreamFinal = true
			_ = b.Publish(ctx, respTopic, nil, resp.encode(), broker.PublishOptions{})
			return
		}
		_ = b.Publish(ctx, respTopic, msg.Payload, resp.encode(), broker.PublishOptions{})
	})
	if err != nil {
		t.Fatalf("bidi responder subscribe failed: %v", err)
	}
	return sub
}

func TestBidiStreaming(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	c, b, closeClient := newTestClient(t, opts)
	defer closeClient()
	defer bidiResponder(t, b, opts.RequestTopic).Unsubscribe()

	sessionID, err := c.StreamStart()
	if err != nil {
		t.Fatalf("StreamStart failed: %v", err)
	}

	h := newRecordingHandler()
	for _, chunk := range []string{"q1", "q2", "q3"} {
		if err := c.BidiSend(context.Background(), sessionID, []byte(chunk), h); err != nil {
			t.Fatalf("BidiSend(%q) failed: %v", chunk, err)
		}
	}

	resp, err := c.StreamEnd(context.Background(), sessionID, 5000)
	if err != nil {
		t.Fatalf("StreamEnd failed: %v", err)
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnComplete never fired")
	}

	h.mu.Lock()
	responses := append([]string(nil), h.responses...)
	completed := h.completed
	h.mu.Unlock()

	if len(responses) != 3 {
		t.Fatalf("got %d incremental responses, want 3: %v", len(responses), responses)
	}
	for i, want := range []string{"q1", "q2", "q3"} {
		if responses[i] != want {
			t.Errorf("response[%d] = %q, want %q (order must match send order)", i, responses[i], want)
		}
	}
	if !completed {
		t.Error("expected OnComplete to have fired")
	}
	if len(resp.Payload) != 0 {
		t.Errorf("final aggregate payload = %q, want empty", resp.Payload)
	}
}

func TestCapacityExceededThenRecovers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	opts.MaxConcurrentRequests = 2
	c, _, closeClient := newTestClient(t, opts)
	defer closeClient()

	f1, err := c.SendAsync(context.Background(), []byte("1"), 100)
	if err != nil {
		t.Fatalf("first SendAsync failed: %v", err)
	}
	f2, err := c.SendAsync(context.Background(), []byte("2"), 5000)
	if err != nil {
		t.Fatalf("second SendAsync failed: %v", err)
	}

	_, err = c.SendAsync(context.Background(), []byte("3"), 5000)
	if rpcerr.CodeOf(err) != rpcerr.CapacityExceeded {
		t.Fatalf("third SendAsync: got %v, want CapacityExceeded", err)
	}

	// Let the first request time out, freeing a slot.
	if _, err := f1.Wait(context.Background()); rpcerr.CodeOf(err) != rpcerr.Timeout {
		t.Fatalf("f1.Wait: got %v, want Timeout", err)
	}

	f4, err := c.SendAsync(context.Background(), []byte("4"), 5000)
	if err != nil {
		t.Fatalf("fourth SendAsync after a slot freed up: %v", err)
	}
	f4.Cancel()
	f2.Cancel()
}

func TestCloseDrainsOutstandingFutures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	opts.MaxConcurrentRequests = 200
	b := memory.New()
	c := New(b, opts, zerolog.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const n = 100
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		f, err := c.SendAsync(context.Background(), []byte("x"), 60_000)
		if err != nil {
			t.Fatalf("SendAsync[%d] failed: %v", i, err)
		}
		futures[i] = f
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i, f := range futures {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := f.Wait(ctx)
		cancel()
		if rpcerr.CodeOf(err) != rpcerr.Cancelled {
			t.Errorf("future[%d]: got %v, want Cancelled", i, err)
		}
	}

	if got := c.correlation.liveCount(); got != 0 {
		t.Errorf("correlation table not empty after Close: %d entries", got)
	}
	if got := c.sessions.liveCount(); got != 0 {
		t.Errorf("active session count not zero after Close: %d", got)
	}
	if got := c.sessions.tableSize(); got != 0 {
		t.Errorf("session table not empty after Close: %d entries", got)
	}

	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Errorf("second Close returned an error: %v", err)
	}
}

func TestCloseRemovesSessionRecords(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	opts.MaxConcurrentSessions = 50
	b := memory.New()
	c := New(b, opts, zerolog.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const n = 50
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := c.StreamStart()
		if err != nil {
			t.Fatalf("StreamStart[%d] failed: %v", i, err)
		}
		ids[i] = id
	}

	// Close a few explicitly so both teardown paths delete their records.
	for _, id := range ids[:10] {
		if _, err := c.StreamEnd(context.Background(), id, 50); rpcerr.CodeOf(err) != rpcerr.Timeout {
			t.Fatalf("StreamEnd(%s): got %v, want Timeout", id, err)
		}
	}
	if got := c.sessions.tableSize(); got != n-10 {
		t.Fatalf("session table holds %d records after 10 StreamEnds, want %d", got, n-10)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := c.sessions.tableSize(); got != 0 {
		t.Errorf("session table holds %d records after Close, want 0", got)
	}
	if got := c.sessions.liveCount(); got != 0 {
		t.Errorf("active session count is %d after Close, want 0", got)
	}
}

func TestSendSyncBeforeStartFailsNotStarted(t *testing.T) {
	b := memory.New()
	c := New(b, testOptions(), zerolog.Nop())

	_, err := c.SendSync(context.Background(), []byte("x"), 1000)
	if rpcerr.CodeOf(err) != rpcerr.NotStarted {
		t.Fatalf("got %v, want NotStarted", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	c, _, closeClient := newTestClient(t, opts)
	defer closeClient()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start returned an error: %v", err)
	}
}

func TestPayloadSizeBoundary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	opts.MaxMessageBytes = 8
	c, b, closeClient := newTestClient(t, opts)
	defer closeClient()
	defer echoResponder(t, b, opts.RequestTopic).Unsubscribe()

	ok := make([]byte, 8)
	if _, err := c.SendSync(context.Background(), ok, 2000); err != nil {
		t.Errorf("payload at exactly max-message-bytes failed: %v", err)
	}

	tooBig := make([]byte, 9)
	_, err := c.SendSync(context.Background(), tooBig, 2000)
	if rpcerr.CodeOf(err) != rpcerr.InvalidArgument {
		t.Errorf("oversized payload: got %v, want InvalidArgument", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	cases := []metadata{
		{CorrelationID: "c1", Type: messageTypeRequest, TimestampMs: 123},
		{CorrelationID: "c2", SenderID: "s1", Type: messageTypeRequest, TimestampMs: 1, SessionID: "sess1"},
		{CorrelationID: "c3", Type: messageTypeResponse, TimestampMs: 2, HasSuccess: true, Success: true},
		{CorrelationID: "c4", Type: messageTypeResponse, TimestampMs: 3, HasSuccess: true, Success: false, ErrorMessage: "boom"},
		{CorrelationID: "c5", SessionID: "sess2", Type: messageTypeRequest, TimestampMs: 4, StreamEnd: true},
		{CorrelationID: "c6", Type: messageTypeResponse, TimestampMs: 5, StreamFinal: true, HasSuccess: true, Success: true},
	}

	for _, want := range cases {
		got := decodeMetadata(want.encode())
		if got != want {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
		}
	}
}

func TestSessionIdleReap(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testOptions()
	opts.SessionIdleTimeout = 0
	opts.ReapInterval = 5 * time.Millisecond
	c, _, closeClient := newTestClient(t, opts)
	defer closeClient()

	sessionID, err := c.StreamStart()
	if err != nil {
		t.Fatalf("StreamStart failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.sessions.get(sessionID); rpcerr.CodeOf(err) == rpcerr.SessionNotFound {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session with idle-threshold 0 was never reaped")
}
