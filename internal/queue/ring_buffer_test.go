package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"apt-edr/internal/schema"

	"github.com/google/uuid"
)

func testFinding() *schema.Finding {
	return &schema.Finding{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Kind:          schema.KindSignature,
		Indicator:     "/tmp/sample",
		Severity:      5,
		Explanation:   "test finding",
		Action:        schema.ActionInvestigate,
		SchemaVersion: schema.SchemaVersionCurrent,
	}
}

func TestPushPop(t *testing.T) {
	rb := NewRingBuffer(4)

	f := testFinding()
	if err := rb.Push(f); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if rb.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rb.Len())
	}

	got, err := rb.Pop()
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if got.ID != f.ID {
		t.Errorf("Pop() ID = %s, want %s", got.ID, f.ID)
	}
	if rb.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rb.Len())
	}
}

func TestPopEmpty(t *testing.T) {
	rb := NewRingBuffer(4)
	if _, err := rb.Pop(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Pop() error = %v, want ErrQueueEmpty", err)
	}
}

func TestPushFull(t *testing.T) {
	rb := NewRingBuffer(2)
	for i := 0; i < 2; i++ {
		if err := rb.Push(testFinding()); err != nil {
			t.Fatal(err)
		}
	}

	if err := rb.Push(testFinding()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}
	if rb.Metrics().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", rb.Metrics().Dropped)
	}
}

func TestFIFOOrder(t *testing.T) {
	rb := NewRingBuffer(8)

	ids := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		f := testFinding()
		ids = append(ids, f.ID)
		if err := rb.Push(f); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range ids {
		got, err := rb.Pop()
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != want {
			t.Errorf("Pop() %d = %s, want %s", i, got.ID, want)
		}
	}
}

func TestWrapAround(t *testing.T) {
	rb := NewRingBuffer(3)

	// Fill, drain partially, refill: head/tail wrap.
	for i := 0; i < 3; i++ {
		if err := rb.Push(testFinding()); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := rb.Pop(); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := rb.Push(testFinding()); err != nil {
			t.Fatal(err)
		}
	}

	if rb.Len() != 3 {
		t.Errorf("Len() = %d, want 3 after wrap", rb.Len())
	}
}

func TestPopWithTimeoutReceivesPushed(t *testing.T) {
	rb := NewRingBuffer(4)

	go func() {
		time.Sleep(20 * time.Millisecond)
		rb.Push(testFinding())
	}()

	start := time.Now()
	if _, err := rb.PopWithTimeout(time.Second); err != nil {
		t.Fatalf("PopWithTimeout() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("PopWithTimeout() blocked %v, want wake on push", elapsed)
	}
}

func TestPopWithTimeoutExpires(t *testing.T) {
	rb := NewRingBuffer(4)

	start := time.Now()
	_, err := rb.PopWithTimeout(30 * time.Millisecond)
	if !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("PopWithTimeout() returned after %v, want at least the timeout", elapsed)
	}
}

func TestClose(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Push(testFinding())
	rb.Close()

	if err := rb.Push(testFinding()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() after close error = %v, want ErrQueueClosed", err)
	}

	// Buffered findings drain after close.
	if _, err := rb.Pop(); err != nil {
		t.Errorf("Pop() after close error = %v, want buffered finding", err)
	}
	if _, err := rb.Pop(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop() on drained closed queue error = %v, want ErrQueueClosed", err)
	}
}

func TestCloseWakesBlockedConsumer(t *testing.T) {
	rb := NewRingBuffer(4)

	done := make(chan error, 1)
	go func() {
		_, err := rb.PopWithTimeout(5 * time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("PopWithTimeout() error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close()")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	rb := NewRingBuffer(128)

	const producers = 4
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for {
					if err := rb.Push(testFinding()); err == nil {
						break
					}
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	var consumed int64
	var cwg sync.WaitGroup
	var mu sync.Mutex
	for c := 0; c < 2; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				_, err := rb.PopWithTimeout(50 * time.Millisecond)
				if errors.Is(err, ErrQueueClosed) {
					return
				}
				if err != nil {
					continue
				}
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	// Close after all pushes; consumers drain the remainder and exit.
	rb.Close()
	cwg.Wait()

	if consumed != producers*perProducer {
		t.Errorf("consumed = %d, want %d", consumed, producers*perProducer)
	}
}
