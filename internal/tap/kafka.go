package tap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaBatchSize    = 100
	defaultKafkaBatchTimeout = 100 * time.Millisecond
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string // none|gzip|snappy|lz4
}

// KafkaWriter publishes records to a Kafka topic, keyed by destination
// address so that all traffic to one module stays in one partition.
type KafkaWriter struct {
	writer *kafka.Writer
}

// NewKafkaWriter validates cfg and creates the writer. No connection is made
// before the first write.
func NewKafkaWriter(cfg KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultKafkaBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultKafkaBatchTimeout
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}

	switch cfg.Compression {
	case "none", "":
	case "gzip":
		w.Compression = kafka.Gzip
	case "snappy":
		w.Compression = kafka.Snappy
	case "lz4":
		w.Compression = kafka.Lz4
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	return &KafkaWriter{writer: w}, nil
}

// Name returns the sink name.
func (w *KafkaWriter) Name() string {
	return "kafka"
}

// Write publishes records.
func (w *KafkaWriter) Write(ctx context.Context, records []Record) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("serialize record failed: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatUint(uint64(r.Dest), 16)),
			Value: value,
			Time:  r.Time,
		})
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

// Close flushes and closes the writer.
func (w *KafkaWriter) Close() error {
	return w.writer.Close()
}
