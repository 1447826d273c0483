// Package feed bridges an external Kafka topic into a caller-supplied
// PostFunc, a one-way adapter for operator-driven system
// announcements: a franz-go poll loop with processed/failed counters,
// dispatching each decoded event into the PostFunc instead of a raw
// socket broadcast.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/foldsync/core/internal/workerpool"
)

// Event is the payload decoded from each Kafka record's value.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// PostFunc delivers one decoded event to wherever it belongs — in
// cmd/server it forwards the event to the configured alerter.
type PostFunc func(ctx context.Context, key string, ev Event) error

// Config configures NewConsumer.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Post          PostFunc
	Logger        zerolog.Logger
}

// Consumer polls Kafka and dispatches each record to Post via a bounded
// worker pool, so a burst of external events cannot stack up unbounded
// goroutines the way a naive "go func per record" loop would.
type Consumer struct {
	client *kgo.Client
	logger zerolog.Logger
	post   PostFunc
	pool   *workerpool.Pool

	processed uint64
	failed    uint64

	wg sync.WaitGroup
}

// NewConsumer builds a Consumer, validating cfg.
func NewConsumer(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("feed: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("feed: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("feed: at least one topic is required")
	}
	if cfg.Post == nil {
		return nil, fmt.Errorf("feed: post function is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("feed: create kafka client: %w", err)
	}

	return &Consumer{
		client: client,
		logger: cfg.Logger,
		post:   cfg.Post,
		pool:   workerpool.New(4, 256, cfg.Logger),
	}, nil
}

// Run polls until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	c.pool.Start(ctx)
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			fetches := c.client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			for _, err := range fetches.Errors() {
				c.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("feed: fetch error")
			}
			fetches.EachRecord(func(rec *kgo.Record) {
				c.dispatch(ctx, rec)
			})
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, rec *kgo.Record) {
	key := string(rec.Key)
	var ev Event
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		c.logger.Error().Err(err).Str("topic", rec.Topic).Msg("feed: decode failed")
		atomic.AddUint64(&c.failed, 1)
		return
	}
	c.pool.Submit(func() {
		if err := c.post(ctx, key, ev); err != nil {
			c.logger.Error().Err(err).Str("key", key).Msg("feed: post failed")
			atomic.AddUint64(&c.failed, 1)
			return
		}
		atomic.AddUint64(&c.processed, 1)
	})
}

// Close stops the poll loop and releases the client. Call after
// canceling the context passed to Run.
func (c *Consumer) Close() {
	c.wg.Wait()
	c.pool.Stop()
	c.client.Close()
}

// Stats returns processed/failed counters for diagnostics.
func (c *Consumer) Stats() (processed, failed uint64) {
	return atomic.LoadUint64(&c.processed), atomic.LoadUint64(&c.failed)
}
