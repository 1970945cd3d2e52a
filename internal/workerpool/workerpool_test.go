package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(2, 4, 64, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt64(&count, 1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&count); got != 50 {
		t.Fatalf("ran %d tasks, want 50", got)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(1, 2, 4, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	var ran int64
	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() {
		atomic.AddInt64(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stalled after a panicking task")
	}
	if atomic.LoadInt64(&ran) != 1 {
		t.Fatalf("expected the task after the panic to still run")
	}
}

func TestPoolDropsOnFullQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(1, 1, 1, zerolog.Nop())
	block := make(chan struct{})
	p.Start(context.Background())
	defer func() {
		close(block)
		p.Stop()
	}()

	p.Submit(func() { <-block })
	time.Sleep(20 * time.Millisecond) // let the single worker pick it up

	p.Submit(func() {})
	p.Submit(func() {})

	if p.Dropped() == 0 {
		t.Fatalf("expected at least one dropped task, got 0")
	}
}

func TestPoolStopWaitsForWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(2, 2, 8, zerolog.Nop())
	p.Start(context.Background())
	p.Stop()

	if p.Active() != 0 {
		t.Fatalf("Active() = %d after Stop, want 0", p.Active())
	}
}

func TestSubmitOrderedPreservesPerKeyOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(4, 8, 64, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	const keys = 5
	const perKey = 50

	results := make([][]int, keys)
	var mus [keys]sync.Mutex
	var wg sync.WaitGroup

	for k := 0; k < keys; k++ {
		k := k
		key := string(rune('a' + k))
		for i := 0; i < perKey; i++ {
			i := i
			wg.Add(1)
			p.SubmitOrdered(key, func() {
				defer wg.Done()
				mus[k].Lock()
				results[k] = append(results[k], i)
				mus[k].Unlock()
			})
		}
	}
	wg.Wait()

	for k := 0; k < keys; k++ {
		if len(results[k]) != perKey {
			t.Fatalf("key %d: got %d results, want %d", k, len(results[k]), perKey)
		}
		for i, v := range results[k] {
			if v != i {
				t.Fatalf("key %d: results out of order at index %d: %v", k, i, results[k])
			}
		}
	}
}

func TestSubmitOrderedDropsOnFullShard(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(1, 1, 1, zerolog.Nop())
	block := make(chan struct{})
	p.Start(context.Background())
	defer func() {
		close(block)
		p.Stop()
	}()

	p.SubmitOrdered("k", func() { <-block })
	time.Sleep(20 * time.Millisecond)

	p.SubmitOrdered("k", func() {})
	p.SubmitOrdered("k", func() {})

	if p.Dropped() == 0 {
		t.Fatalf("expected at least one dropped task, got 0")
	}
}
