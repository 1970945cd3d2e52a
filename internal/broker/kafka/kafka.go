// Package kafka implements broker.Broker over Kafka-compatible partitioned
// topics using github.com/twmb/franz-go: a PollFetches consumer loop for
// reads, extended with a producer side and kadm-backed topic
// administration.
//
// Kafka partitions are exactly "partitioned message queues with per-queue
// FIFO ordering": a topic's queueCount is its partition count, and the
// queue selector's index becomes the explicit partition assigned to each
// record via a manual partitioner.
package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/adred-codev/rpcbroker/internal/broker"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config configures the Kafka-backed broker binding.
type Config struct {
	SeedBrokers       []string
	ReplicationFactor int16

	// PullBatch is passed to kgo.MaxConcurrentFetches, bounding how many
	// fetch requests the consumer keeps in flight or buffered at once.
	// ConsumeBatch bounds the per-partition fetch size in records, which
	// franz-go only exposes as a byte budget; it is used as a rough
	// per-record-size multiplier against an assumed message size.
	PullBatch    int
	ConsumeBatch int

	Logger zerolog.Logger
}

// Broker adapts a franz-go client pair (one producer-configured client per
// this type's lifetime, reused for both publish and admin calls) to the
// broker.Broker contract.
type Broker struct {
	cfg    Config
	client *kgo.Client
	admin  *kadm.Client
	logger zerolog.Logger

	mu       sync.Mutex
	selector broker.QueueSelector

	subsMu sync.Mutex
	subs   []*subscription
}

type subscription struct {
	cancel context.CancelFunc
}

func (s *subscription) Unsubscribe() error {
	s.cancel()
	return nil
}

// New dials the seed brokers and prepares a manual-partitioning producer
// client.
func New(cfg Config) (*Broker, error) {
	if len(cfg.SeedBrokers) == 0 {
		return nil, fmt.Errorf("kafka broker: at least one seed broker is required")
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka broker: failed to create client: %w", err)
	}

	return &Broker{
		cfg:      cfg,
		client:   client,
		admin:    kadm.NewClient(client),
		logger:   cfg.Logger,
		selector: func(_ string, _ []byte, _ string) int { return 0 },
	}, nil
}

func (b *Broker) SetQueueSelector(selector broker.QueueSelector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selector = selector
}

func (b *Broker) TopicExists(ctx context.Context, topic string) (bool, error) {
	details, err := b.admin.ListTopics(ctx, topic)
	if err != nil {
		return false, fmt.Errorf("kafka broker: list topics: %w", err)
	}
	td, ok := details[topic]
	return ok && td.Err == nil, nil
}

// EnsureTopic creates topic with queueCount partitions if absent. This
// binding is deliberately single-cluster: the seed brokers configured at
// construction are the only cluster this Broker ever talks to, so there
// is no cluster parameter for TopicExists/EnsureTopic to take.
func (b *Broker) EnsureTopic(ctx context.Context, topic string, queueCount int) error {
	exists, err := b.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if queueCount < 1 {
		queueCount = 1
	}
	resp, err := b.admin.CreateTopics(ctx, int32(queueCount), b.cfg.ReplicationFactor, nil, topic)
	if err != nil {
		return fmt.Errorf("kafka broker: create topic %q: %w", topic, err)
	}
	if r, ok := resp[topic]; ok && r.Err != nil {
		return fmt.Errorf("kafka broker: create topic %q: %w", topic, r.Err)
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, properties map[string]string, opts broker.PublishOptions) error {
	headers := make([]kgo.RecordHeader, 0, len(properties))
	for k, v := range properties {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	record := &kgo.Record{Topic: topic, Value: payload, Headers: headers}

	if opts.RoutingKey != "" {
		b.mu.Lock()
		sel := b.selector
		b.mu.Unlock()
		record.Partition = int32(sel(topic, payload, opts.RoutingKey))
		record.Key = []byte(opts.RoutingKey)
	}

	result := b.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("kafka broker: publish to %q: %w", topic, err)
	}
	return nil
}

// Subscribe starts a dedicated consumer client for topic (franz-go clients
// are single-group; this client only ever subscribes to its own response
// topic, so one consumer client per subscription is sufficient) and polls
// it in a background goroutine.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler broker.Handler) (broker.Subscription, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.SeedBrokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if b.cfg.PullBatch > 0 {
		opts = append(opts, kgo.MaxConcurrentFetches(b.cfg.PullBatch))
	}
	if b.cfg.ConsumeBatch > 0 {
		// franz-go only exposes fetch size as a byte budget; approximate
		// "consume-batch records per partition" against a conservative
		// per-record size estimate.
		const assumedRecordBytes = 4096
		opts = append(opts, kgo.FetchMaxPartitionBytes(int32(b.cfg.ConsumeBatch*assumedRecordBytes)))
	}

	consumer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka broker: failed to create consumer for %q: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: func() {
		cancel()
		consumer.Close()
	}}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	go func() {
		for {
			fetches := consumer.PollFetches(subCtx)
			if subCtx.Err() != nil {
				return
			}
			fetches.EachError(func(t string, p int32, err error) {
				b.logger.Warn().Str("topic", t).Int32("partition", p).Err(err).Msg("kafka fetch error")
			})
			fetches.EachRecord(func(rec *kgo.Record) {
				props := make(map[string]string, len(rec.Headers))
				for _, h := range rec.Headers {
					props[h.Key] = string(h.Value)
				}
				handler(subCtx, broker.Message{Payload: rec.Value, Properties: props})
			})
		}
	}()

	return sub, nil
}

// Close releases the producer client and every outstanding subscription's
// consumer client.
func (b *Broker) Close() error {
	b.subsMu.Lock()
	subs := b.subs
	b.subs = nil
	b.subsMu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	b.client.Close()
	return nil
}
