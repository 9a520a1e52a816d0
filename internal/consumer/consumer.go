// Package consumer drains the findings queue into the configured sinks.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"apt-edr/internal/queue"
	"apt-edr/internal/schema"
)

// Sink receives findings popped from the queue. Implemented by the storage
// batch writer and the Kafka publisher.
type Sink interface {
	Write(ctx context.Context, finding *schema.Finding) error
}

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer reads findings from the queue and fans them to every sink.
type Consumer struct {
	queue  *queue.RingBuffer
	sinks  []Sink
	config Config

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	consumed uint64
	errors   uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, sinks []Sink, cfg Config) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Consumer{
		queue:  q,
		sinks:  sinks,
		config: cfg,
		done:   make(chan struct{}),
	}
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("findings consumer started", "workers", c.config.Workers, "sinks", len(c.sinks))
}

// worker is a single consumer worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		finding, err := c.queue.PopWithTimeout(c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			atomic.AddUint64(&c.errors, 1)
			continue
		}

		for _, sink := range c.sinks {
			if err := sink.Write(ctx, finding); err != nil {
				slog.Error("failed to write finding",
					"worker_id", id,
					"finding_id", finding.ID,
					"error", err,
				)
				atomic.AddUint64(&c.errors, 1)
			}
		}

		atomic.AddUint64(&c.consumed, 1)
	}
}

// Stop stops the consumer gracefully.
func (c *Consumer) Stop() {
	close(c.done)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("findings consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("findings consumer shutdown timed out")
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}

// Metrics holds consumer statistics.
type Metrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}
