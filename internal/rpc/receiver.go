package rpc

import (
	"context"

	"github.com/adred-codev/rpcbroker/internal/broker"
	"github.com/adred-codev/rpcbroker/internal/metrics"
	"github.com/adred-codev/rpcbroker/internal/workerpool"
	"github.com/rs/zerolog"
)

// receiver consumes the sender's private response topic and dispatches
// each decoded response into the CorrelationManager, via a bounded worker
// pool so a slow correlation dispatch never stalls the broker's delivery
// callback. It holds only a borrowed reference to the CorrelationManager
// and never mutates entries directly.
type receiver struct {
	b            broker.Broker
	responseTopic string
	correlation  *CorrelationManager
	pool         *workerpool.Pool
	sub          broker.Subscription

	metrics *metrics.Registry
	logger  zerolog.Logger
}

func newReceiver(b broker.Broker, responseTopic string, correlation *CorrelationManager, pool *workerpool.Pool, reg *metrics.Registry, logger zerolog.Logger) *receiver {
	return &receiver{
		b:             b,
		responseTopic: responseTopic,
		correlation:   correlation,
		pool:          pool,
		metrics:       reg,
		logger:        logger,
	}
}

// start subscribes to the per-sender response topic and begins dispatching
// inbound messages.
func (r *receiver) start(ctx context.Context) error {
	r.pool.Start(ctx)

	sub, err := r.b.Subscribe(ctx, r.responseTopic, r.handle)
	if err != nil {
		r.pool.Stop()
		return err
	}
	r.sub = sub
	return nil
}

// handle is the broker delivery callback. It never propagates an error
// back to the broker: malformed or misrouted messages are dropped with a
// logged warning (no metric counts them), and any panic during dispatch is
// recovered by the worker pool, not surfaced here.
func (r *receiver) handle(ctx context.Context, msg broker.Message) {
	meta := decodeMetadata(msg.Properties)

	if meta.Type != messageTypeResponse {
		r.logger.Warn().Str("message_type", string(meta.Type)).Msg("dropping non-response message on response topic")
		return
	}
	if meta.CorrelationID == "" {
		r.logger.Warn().Msg("dropping response message with no correlation id")
		return
	}

	r.metrics.RecordBytesReceived(len(msg.Payload))

	// Dispatch keyed by session id (falling back to correlation id for
	// non-streaming responses) so that responses belonging to the same
	// session are always handled by the same shard goroutine, in the
	// order the broker delivered them — required for I5/P2 ordering even
	// though the pool itself runs many goroutines concurrently.
	key := meta.SessionID
	if key == "" {
		key = meta.CorrelationID
	}
	r.pool.SubmitOrdered(key, func() {
		r.correlation.deliverResponse(meta, msg.Payload)
	})
}

// stop unsubscribes and waits for in-flight dispatches to drain.
func (r *receiver) stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.pool.Stop()
}
