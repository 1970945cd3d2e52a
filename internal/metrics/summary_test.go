package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestSummaryLoggerStopLogsFinalSummary(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := New()
	r.RecordRequestSent()

	s := NewSummaryLogger(r, zerolog.Nop(), time.Hour)
	s.Start(context.Background())
	s.Stop()
}

func TestSummaryLoggerStopWithoutStartIsNoop(t *testing.T) {
	s := NewSummaryLogger(New(), zerolog.Nop(), time.Hour)
	s.Stop()
}
