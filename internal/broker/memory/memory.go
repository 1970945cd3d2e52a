// Package memory implements an in-process broker.Broker double: one
// buffered channel per queue, preserving per-queue FIFO delivery exactly
// like the real broker contract promises, without any network dependency.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/adred-codev/rpcbroker/internal/broker"
)

type topic struct {
	queues []chan broker.Message
	mu     sync.Mutex
	subs   []*subscription
}

type subscription struct {
	cancel context.CancelFunc
}

func (s *subscription) Unsubscribe() error {
	s.cancel()
	return nil
}

// Broker is a concurrency-safe, in-memory implementation of broker.Broker.
type Broker struct {
	mu       sync.Mutex
	topics   map[string]*topic
	selector broker.QueueSelector
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		topics:   make(map[string]*topic),
		selector: func(_ string, _ []byte, routingKey string) int { return hashFallback(routingKey) },
	}
}

func hashFallback(s string) int {
	var h int
	for _, c := range s {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (b *Broker) SetQueueSelector(selector broker.QueueSelector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selector = selector
}

func (b *Broker) EnsureTopic(_ context.Context, name string, queueCount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if queueCount < 1 {
		queueCount = 1
	}
	if _, ok := b.topics[name]; ok {
		return nil
	}
	t := &topic{queues: make([]chan broker.Message, queueCount)}
	for i := range t.queues {
		t.queues[i] = make(chan broker.Message, 1024)
	}
	b.topics[name] = t
	return nil
}

func (b *Broker) TopicExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[name]
	return ok, nil
}

func (b *Broker) getTopic(name string) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("memory broker: topic %q does not exist", name)
	}
	return t, nil
}

func (b *Broker) Publish(_ context.Context, topicName string, payload []byte, properties map[string]string, opts broker.PublishOptions) error {
	t, err := b.getTopic(topicName)
	if err != nil {
		return err
	}

	idx := 0
	if opts.RoutingKey != "" {
		b.mu.Lock()
		sel := b.selector
		b.mu.Unlock()
		idx = sel(topicName, payload, opts.RoutingKey) % len(t.queues)
	}

	propsCopy := make(map[string]string, len(properties))
	for k, v := range properties {
		propsCopy[k] = v
	}
	msg := broker.Message{Payload: append([]byte(nil), payload...), Properties: propsCopy}

	select {
	case t.queues[idx] <- msg:
		return nil
	default:
		return fmt.Errorf("memory broker: queue %d for topic %q is full", idx, topicName)
	}
}

func (b *Broker) Subscribe(ctx context.Context, topicName string, handler broker.Handler) (broker.Subscription, error) {
	t, err := b.getTopic(topicName)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	for _, q := range t.queues {
		q := q
		go func() {
			for {
				select {
				case msg := <-q:
					handler(subCtx, msg)
				case <-subCtx.Done():
					return
				}
			}
		}()
	}

	return sub, nil
}

// Close is a no-op; subscriptions are torn down individually via
// Subscription.Unsubscribe, and there is no network connection to release.
func (b *Broker) Close() error { return nil }
