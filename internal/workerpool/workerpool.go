// Package workerpool bounds the concurrency of the Message Receiver's
// dispatch with a buffered-channel-of-tasks design and panic recovery,
// sized by a min/max pair rather than a single fixed worker count, since
// the receiver's pool is allowed to grow under load up to its configured
// maximum. SubmitOrdered adds a fixed-shard mode on top of the same Pool
// for callers (the receiver) that need same-key tasks to preserve order.
package workerpool

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of receiver dispatch work: decode one broker message and
// hand it to the correlation manager.
type Task func()

// Pool manages worker goroutines bounded between Min and Max, growing
// lazily as the task queue fills up and shrinking back to Min when idle.
type Pool struct {
	min, max int
	queue    chan Task
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active  int64 // goroutines currently running (atomic)
	dropped int64 // tasks dropped because the queue was full (atomic)

	// shards back SubmitOrdered: a fixed set of max single-consumer
	// channels, one goroutine apiece, so every task submitted under the
	// same key is handled by the same goroutine in submission order —
	// unlike Submit's elastic pool, which offers no ordering guarantee
	// across workers.
	shards   []chan Task
	shardWg  sync.WaitGroup
}

// New creates a pool. queueSize bounds how many pending tasks may be
// buffered before Submit drops work instead of blocking the receiver.
func New(min, max, queueSize int, logger zerolog.Logger) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	shards := make([]chan Task, max)
	for i := range shards {
		shards[i] = make(chan Task, queueSize)
	}
	return &Pool{
		min:    min,
		max:    max,
		queue:  make(chan Task, queueSize),
		shards: shards,
		logger: logger,
	}
}

// Start launches the pool's minimum worker count. Additional workers are
// spun up on demand by Submit, up to Max, and exit once the queue drains.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.ctx = ctx
	p.cancel = cancel

	for i := 0; i < p.min; i++ {
		p.spawn(true)
	}

	for _, shard := range p.shards {
		shard := shard
		p.shardWg.Add(1)
		go func() {
			defer p.shardWg.Done()
			for {
				select {
				case task, ok := <-shard:
					if !ok {
						return
					}
					p.run(task)
				case <-p.ctx.Done():
					return
				}
			}
		}()
	}
}

func (p *Pool) spawn(permanent bool) {
	p.wg.Add(1)
	atomic.AddInt64(&p.active, 1)
	go func() {
		defer p.wg.Done()
		defer atomic.AddInt64(&p.active, -1)
		for {
			select {
			case task, ok := <-p.queue:
				if !ok {
					return
				}
				p.run(task)
				if !permanent && len(p.queue) == 0 {
					return
				}
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker pool task panicked, recovered")
		}
	}()
	task()
}

// Submit enqueues task for dispatch. If the queue has room but every
// spawned worker is busy and the pool is below Max, an extra transient
// worker is spawned to drain the burst. If the queue is full, the task is
// dropped and the drop counter increments — the receiver never blocks the
// broker's delivery callback waiting for capacity.
func (p *Pool) Submit(task Task) {
	select {
	case p.queue <- task:
		if atomic.LoadInt64(&p.active) < int64(p.max) && len(p.queue) > 0 {
			p.spawn(false)
		}
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// SubmitOrdered enqueues task on the shard key hashes to. Every task
// submitted under the same key runs on that shard's single goroutine, so
// same-key tasks execute in submission order even while different keys
// run concurrently across shards. Like Submit, a full shard drops the task
// and increments the drop counter rather than blocking the caller.
func (p *Pool) SubmitOrdered(key string, task Task) {
	idx := shardIndex(key, len(p.shards))
	select {
	case p.shards[idx] <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

func shardIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Dropped returns the number of tasks dropped due to a full queue.
func (p *Pool) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }

// Active returns the current number of live worker goroutines.
func (p *Pool) Active() int64 { return atomic.LoadInt64(&p.active) }

// Stop cancels the context and waits for every worker, including shard
// goroutines, to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.shardWg.Wait()
}
