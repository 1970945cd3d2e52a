package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/rpcbroker/internal/broker"
	"github.com/adred-codev/rpcbroker/internal/metrics"
	"github.com/adred-codev/rpcbroker/internal/rpcerr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// sender publishes request envelopes to the shared request topic,
// attaching metadata and, for streaming sends, pinning the destination
// queue to the session's routing key. It never mutates session state
// itself, avoiding a cyclic ownership between sender and SessionManager.
type sender struct {
	b               broker.Broker
	requestTopic    string
	senderID        string
	maxMessageBytes int
	retrySync       int
	retryAsync      int
	sendTimeout     time.Duration
	limiter         *rate.Limiter

	metrics *metrics.Registry
	logger  zerolog.Logger
}

func newSender(b broker.Broker, requestTopic, senderID string, maxMessageBytes, retrySync, retryAsync, sendRatePerSec int, sendTimeout time.Duration, reg *metrics.Registry, logger zerolog.Logger) *sender {
	var limiter *rate.Limiter
	if sendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(sendRatePerSec), sendRatePerSec)
	}
	return &sender{
		b:               b,
		requestTopic:    requestTopic,
		senderID:        senderID,
		maxMessageBytes: maxMessageBytes,
		retrySync:       retrySync,
		retryAsync:      retryAsync,
		sendTimeout:     sendTimeout,
		limiter:         limiter,
		metrics:         reg,
		logger:          logger,
	}
}

// validatePayload enforces the configured max-message-bytes cap locally,
// before ever touching the broker.
func (s *sender) validatePayload(payload []byte) error {
	if payload == nil {
		return rpcerr.New(rpcerr.InvalidArgument, "payload must not be nil")
	}
	if len(payload) > s.maxMessageBytes {
		return rpcerr.New(rpcerr.InvalidArgument, fmt.Sprintf("payload of %d bytes exceeds max-message-bytes %d", len(payload), s.maxMessageBytes))
	}
	return nil
}

// sendRequest publishes one REQUEST envelope with the given correlation id
// and, optionally, session id / routing key / stream-end marker.
func (s *sender) sendRequest(ctx context.Context, correlationID, sessionID string, payload []byte, streamEnd bool, isSync bool) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return rpcerr.Wrap(rpcerr.TransportError, "send rate limiter wait failed", err)
		}
	}

	meta := metadata{
		CorrelationID: correlationID,
		SenderID:      s.senderID,
		SessionID:     sessionID,
		Type:          messageTypeRequest,
		TimestampMs:   nowMs(),
		StreamEnd:     streamEnd,
	}

	opts := broker.PublishOptions{}
	if sessionID != "" {
		opts.RoutingKey = sessionID
	}

	retries := s.retryAsync
	if isSync {
		retries = s.retrySync
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = s.publishOnce(ctx, payload, meta, opts)
		if lastErr == nil {
			s.metrics.RecordBytesSent(len(payload))
			return nil
		}
		s.logger.Warn().Err(lastErr).Int("attempt", attempt).Str("correlation_id", correlationID).Msg("broker publish failed, retrying")
	}
	return rpcerr.Wrap(rpcerr.TransportError, "broker send failed after retries", lastErr)
}

// publishOnce bounds a single publish attempt by the configured send
// acknowledgment timeout, on top of any deadline the caller's context
// already carries (whichever expires first ends the attempt).
func (s *sender) publishOnce(ctx context.Context, payload []byte, meta metadata, opts broker.PublishOptions) error {
	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}
	return s.b.Publish(ctx, s.requestTopic, payload, meta.encode(), opts)
}
