package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer is the small subset of event-bus behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// KafkaProducerConfig configures the audit event bus producer.
type KafkaProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts is how many times Produce retries on transient error.
	// Defaults to 3.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s.
	WriteTimeout time.Duration
}

// KafkaProducer wraps a kafka-go Writer with produce-with-retries behavior.
// The Hash balancer keys on the message key, so all events of one chain land
// on one partition and stay ordered on the bus.
type KafkaProducer struct {
	writer      *kafka.Writer
	maxAttempts int
}

// NewKafkaProducer constructs a KafkaProducer.
func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Produce writes a single message, retrying transient failures with capped
// exponential backoff.
func (p *KafkaProducer) Produce(ctx context.Context, key []byte, value []byte) (time.Time, error) {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   key,
			Value: value,
			Time:  time.Now().UTC(),
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return msg.Time, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return time.Time{}, fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
