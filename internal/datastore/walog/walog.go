// Package walog durably records every coalesced write-ahead batch a
// filestore flush produces, by appending it to a Kafka topic before
// the flush is allowed to report success. Uses the same franz-go
// client construction and structured-logging shape as a typical
// consumer, but inverted from consumer to producer, since here the
// server is the writer of record rather than a downstream subscriber.
package walog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/foldsync/core/internal/metrics"
)

// Log appends durability records to a single Kafka topic.
type Log struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// Config configures Open.
type Config struct {
	Brokers []string
	Topic   string
}

// Open connects a producer client to the configured brokers. The
// caller owns calling Close when the server shuts down.
func Open(cfg Config, logger zerolog.Logger) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("walog: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("walog: topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("walog: create kafka client: %w", err)
	}
	return &Log{client: client, topic: cfg.Topic, logger: logger}, nil
}

// record is the durable envelope written to the topic: enough to
// replay a flush, keyed by object path so compaction (if the topic is
// configured for it) keeps only the latest write per object.
type record struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
	AtUnix  int64           `json:"at_unix"`
}

// Append durably records payload for the object at path, blocking
// until Kafka acknowledges the write (RequiredAcks: AllISRAcks). A
// filestore flush must not report success to its caller before this
// returns nil.
func (l *Log) Append(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("walog: marshal payload: %w", err)
	}
	rec, err := json.Marshal(record{Path: path, Payload: body, AtUnix: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("walog: marshal record: %w", err)
	}

	result := l.client.ProduceSync(ctx, &kgo.Record{Topic: l.topic, Key: []byte(path), Value: rec})
	if err := result.FirstErr(); err != nil {
		metrics.WriteAheadFailuresTotal.Inc()
		return fmt.Errorf("walog: produce: %w", err)
	}
	metrics.WriteAheadAppendsTotal.Inc()
	return nil
}

// Close flushes any buffered records and releases the client.
func (l *Log) Close() {
	l.client.Close()
}
