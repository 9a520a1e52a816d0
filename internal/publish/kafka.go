// Package publish ships findings to downstream consumers over Kafka.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"apt-edr/internal/schema"
)

// ErrPublisherClosed is returned when publishing after Close.
var ErrPublisherClosed = errors.New("publish: publisher closed")

// Config holds the findings publisher configuration.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "edr.findings",
		BatchSize:    100,
		BatchTimeout: time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the publisher configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("publish: at least one broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("publish: topic is required")
	}
	return nil
}

// Publisher sends findings to a Kafka topic as JSON, keyed by finding id so
// downstream compaction keeps the latest record per finding.
type Publisher struct {
	writer *kafka.Writer
	config Config
	logger *slog.Logger
	closed atomic.Bool

	published atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
}

// NewPublisher creates a findings publisher.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("findings publisher initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
	)

	return &Publisher{
		writer: writer,
		config: cfg,
		logger: logger,
	}, nil
}

// Write publishes one finding. Satisfies the consumer sink contract.
func (p *Publisher) Write(ctx context.Context, finding *schema.Finding) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	value, err := json.Marshal(finding)
	if err != nil {
		return fmt.Errorf("publish: failed to marshal finding: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(finding.ID.String()),
		Value: value,
		Time:  time.Now(),
	}

	backoff := p.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}

		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			lastErr = err
			continue
		}

		p.published.Add(1)
		return nil
	}

	p.failed.Add(1)
	return fmt.Errorf("publish: failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Metrics returns publisher statistics.
func (p *Publisher) Metrics() Metrics {
	return Metrics{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Retries:   p.retries.Load(),
	}
}

// Metrics holds publisher statistics.
type Metrics struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
}
