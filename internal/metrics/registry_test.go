package metrics

import (
	"testing"
	"time"
)

func TestRegistryCountersAccumulate(t *testing.T) {
	r := New()
	r.RecordRequestSent()
	r.RecordRequestSent()
	r.RecordRequestSucceeded(10 * time.Millisecond)
	r.RecordRequestFailed()
	r.RecordRequestTimedOut()
	r.RecordRequestCancelled()
	r.RecordLateOrUnknown()

	snap := r.Snapshot()
	if snap.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", snap.TotalRequests)
	}
	if snap.SuccessfulRequests != 1 {
		t.Errorf("SuccessfulRequests = %d, want 1", snap.SuccessfulRequests)
	}
	if snap.FailedRequests != 1 || snap.TimedOutRequests != 1 || snap.CancelledRequests != 1 || snap.LateOrUnknown != 1 {
		t.Errorf("unexpected failure counters in snapshot: %+v", snap)
	}
	if snap.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", snap.SuccessRate)
	}
}

func TestRegistrySessionLifecycle(t *testing.T) {
	r := New()
	r.RecordSessionCreated()
	r.RecordSessionCreated()
	r.RecordSessionCompleted()

	snap := r.Snapshot()
	if snap.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", snap.TotalSessions)
	}
	if snap.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", snap.ActiveSessions)
	}
	if snap.CompletedSessions != 1 {
		t.Errorf("CompletedSessions = %d, want 1", snap.CompletedSessions)
	}
}

func TestRegistryLatencyMinMaxMean(t *testing.T) {
	r := New()
	r.RecordRequestSucceeded(10 * time.Millisecond)
	r.RecordRequestSucceeded(30 * time.Millisecond)
	r.RecordRequestSucceeded(20 * time.Millisecond)

	snap := r.Snapshot()
	if snap.LatencyMinUs != 10000 {
		t.Errorf("LatencyMinUs = %d, want 10000", snap.LatencyMinUs)
	}
	if snap.LatencyMaxUs != 30000 {
		t.Errorf("LatencyMaxUs = %d, want 30000", snap.LatencyMaxUs)
	}
	if snap.LatencyMeanUs != 20000 {
		t.Errorf("LatencyMeanUs = %v, want 20000", snap.LatencyMeanUs)
	}
}

func TestRegistryLatencyMinBeforeAnySample(t *testing.T) {
	r := New()
	snap := r.Snapshot()
	if snap.LatencyMinUs != 0 {
		t.Errorf("LatencyMinUs before any sample = %d, want 0", snap.LatencyMinUs)
	}
}

func TestRegistryReset(t *testing.T) {
	r := New()
	r.RecordRequestSent()
	r.RecordRequestSucceeded(5 * time.Millisecond)
	r.Reset()

	snap := r.Snapshot()
	if snap.TotalRequests != 0 || snap.SuccessfulRequests != 0 || snap.LatencyCount != 0 {
		t.Errorf("expected all counters zeroed after Reset, got %+v", snap)
	}
	if snap.LatencyMinUs != 0 {
		t.Errorf("LatencyMinUs after Reset = %d, want 0", snap.LatencyMinUs)
	}
}

func TestRegistryBytesAndThroughput(t *testing.T) {
	r := New()
	r.RecordBytesSent(100)
	r.RecordBytesReceived(200)
	time.Sleep(10 * time.Millisecond)

	snap := r.Snapshot()
	if snap.BytesSent != 100 || snap.BytesReceived != 200 {
		t.Errorf("unexpected byte counters: %+v", snap)
	}
	if snap.BytesPerSecond <= 0 {
		t.Errorf("BytesPerSecond = %v, want > 0", snap.BytesPerSecond)
	}
}

func TestRegistryPendingRequestsGauge(t *testing.T) {
	r := New()
	r.IncPendingRequests()
	r.IncPendingRequests()
	r.DecPendingRequests()

	snap := r.Snapshot()
	if snap.PendingRequests != 1 {
		t.Errorf("PendingRequests = %d, want 1", snap.PendingRequests)
	}
}

func TestRegistryCollectorsNonEmpty(t *testing.T) {
	r := New()
	if len(r.Collectors()) == 0 {
		t.Fatal("expected at least one prometheus collector")
	}
}
