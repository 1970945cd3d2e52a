package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SummaryLogger periodically prints a one-line summary of a Registry's
// snapshot. It is scoped to a single ticker instance rather than a
// package-wide singleton, since the client owns no process-wide statics.
type SummaryLogger struct {
	registry *Registry
	logger   zerolog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSummaryLogger creates a logger that has not yet started.
func NewSummaryLogger(registry *Registry, logger zerolog.Logger, interval time.Duration) *SummaryLogger {
	return &SummaryLogger{registry: registry, logger: logger, interval: interval}
}

// Start begins the periodic emission loop. Safe to call once; Stop must be
// called before Start is called again.
func (s *SummaryLogger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.logOnce()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *SummaryLogger) logOnce() {
	snap := s.registry.Snapshot()
	s.logger.Info().
		Dur("uptime", snap.Uptime).
		Int64("total_requests", snap.TotalRequests).
		Int64("successful_requests", snap.SuccessfulRequests).
		Int64("failed_requests", snap.FailedRequests).
		Int64("timed_out_requests", snap.TimedOutRequests).
		Int64("cancelled_requests", snap.CancelledRequests).
		Int64("late_or_unknown", snap.LateOrUnknown).
		Int64("pending_requests", snap.PendingRequests).
		Int64("active_sessions", snap.ActiveSessions).
		Int64("completed_sessions", snap.CompletedSessions).
		Float64("success_rate", snap.SuccessRate).
		Float64("latency_mean_us", snap.LatencyMeanUs).
		Float64("messages_per_sec", snap.MessagesPerSecond).
		Float64("bytes_per_sec", snap.BytesPerSecond).
		Msg("rpc client metrics summary")
}

// Stop cancels the loop and waits for it to exit, logging one final
// summary first so a clean shutdown always ends with a closing snapshot.
func (s *SummaryLogger) Stop() {
	if s.cancel == nil {
		return
	}
	s.logOnce()
	s.cancel()
	s.wg.Wait()
}
