package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"apt-edr/internal/queue"
	"apt-edr/internal/schema"

	"github.com/google/uuid"
)

// recordingSink collects written findings.
type recordingSink struct {
	mu       sync.Mutex
	findings []*schema.Finding
	err      error
}

func (s *recordingSink) Write(_ context.Context, f *schema.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.findings = append(s.findings, f)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.findings)
}

func testFinding() *schema.Finding {
	return &schema.Finding{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Kind:          schema.KindHash,
		Indicator:     "/tmp/sample",
		Severity:      9,
		Explanation:   "test finding",
		Action:        schema.ActionQuarantine,
		SchemaVersion: schema.SchemaVersionCurrent,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestConsumerDrainsQueueToAllSinks(t *testing.T) {
	q := queue.NewRingBuffer(16)
	first := &recordingSink{}
	second := &recordingSink{}

	c := New(q, []Sink{first, second}, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := 0; i < 5; i++ {
		if err := q.Push(testFinding()); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return first.count() == 5 && second.count() == 5
	})

	c.Stop()

	if m := c.Metrics(); m.Consumed != 5 {
		t.Errorf("Consumed = %d, want 5", m.Consumed)
	}
}

func TestConsumerSinkFailureDoesNotBlockOthers(t *testing.T) {
	q := queue.NewRingBuffer(16)
	failing := &recordingSink{err: errors.New("sink down")}
	healthy := &recordingSink{}

	c := New(q, []Sink{failing, healthy}, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	if err := q.Push(testFinding()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return healthy.count() == 1 })

	c.Stop()

	m := c.Metrics()
	if m.Consumed != 1 {
		t.Errorf("Consumed = %d, want 1", m.Consumed)
	}
	if m.Errors == 0 {
		t.Error("Errors = 0, want the failing sink counted")
	}
}

func TestConsumerStopsOnContextCancel(t *testing.T) {
	q := queue.NewRingBuffer(16)
	sink := &recordingSink{}

	c := New(q, []Sink{sink}, Config{Workers: 1, PollInterval: 5 * time.Millisecond, ShutdownWait: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	cancel()
	// Stop must return promptly once workers observe the cancel.
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}

func TestConsumerExitsOnQueueClose(t *testing.T) {
	q := queue.NewRingBuffer(16)
	sink := &recordingSink{}

	c := New(q, []Sink{sink}, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	q.Push(testFinding())
	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })

	q.Close()
	c.Stop()
}
