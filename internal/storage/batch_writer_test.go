package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"apt-edr/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.
// ---------------------------------------------------------------------------

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) Exec(_ context.Context, _ string, _ ...any) error                 { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(_ ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestFinding() *schema.Finding {
	return &schema.Finding{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Kind:          schema.KindSignature,
		Indicator:     "/tmp/dropper.exe",
		Severity:      8,
		Explanation:   "Content matched signature rules: apt-indicators",
		Action:        schema.ActionQuarantine,
		Evidence:      map[string]any{"rule": "apt-indicators"},
		SchemaVersion: schema.SchemaVersionCurrent,
		DetectedAt:    time.Now().UTC(),
	}
}

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return &ClickHouseClient{
		conn:   conn,
		config: DefaultClickHouseConfig(),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDefaultBatchWriterConfig(t *testing.T) {
	cfg := DefaultBatchWriterConfig()

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", cfg.RetryDelay)
	}
}

func TestWriteBuffersUntilBatchSize(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}

	cfg := DefaultBatchWriterConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = time.Hour // Keep the timer out of the test.
	bw := NewBatchWriter(newMockClient(conn), cfg)
	defer bw.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := bw.Write(ctx, newTestFinding()); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if m := bw.Metrics(); m.Written != 0 || m.Pending != 2 {
		t.Errorf("Metrics = %+v, want nothing written, 2 pending", m)
	}

	// Third write reaches the batch size and flushes.
	if err := bw.Write(ctx, newTestFinding()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	m := bw.Metrics()
	if m.Written != 3 {
		t.Errorf("Written = %d, want 3", m.Written)
	}
	if m.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after flush", m.Pending)
	}
	if m.Batches != 1 {
		t.Errorf("Batches = %d, want 1", m.Batches)
	}
	if batch.Rows() != 3 {
		t.Errorf("appended rows = %d, want 3", batch.Rows())
	}
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	var attempts int
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient failure")
			}
			return &mockBatch{}, nil
		},
	}

	cfg := DefaultBatchWriterConfig()
	cfg.FlushInterval = time.Hour
	cfg.RetryDelay = time.Millisecond
	bw := NewBatchWriter(newMockClient(conn), cfg)
	defer bw.Close()

	if err := bw.Write(context.Background(), newTestFinding()); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v, want success after retries", err)
	}

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if m := bw.Metrics(); m.Written != 1 {
		t.Errorf("Written = %d, want 1", m.Written)
	}
}

func TestFlushExhaustsRetries(t *testing.T) {
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return nil, errors.New("persistent failure")
		},
	}

	cfg := DefaultBatchWriterConfig()
	cfg.FlushInterval = time.Hour
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	bw := NewBatchWriter(newMockClient(conn), cfg)
	defer bw.Close()

	if err := bw.Write(context.Background(), newTestFinding()); err != nil {
		t.Fatal(err)
	}

	err := bw.Flush()
	if err == nil {
		t.Fatal("Flush() error = nil, want failure after exhausted retries")
	}
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Errorf("Flush() error = %v, want ErrBatchInsertFailed", err)
	}

	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Flush() error = %T, want *StorageError", err)
	}
	if storageErr.Retries != 2 {
		t.Errorf("Retries = %d, want 2", storageErr.Retries)
	}

	if m := bw.Metrics(); m.Failed != 1 {
		t.Errorf("Failed = %d, want 1", m.Failed)
	}
}

func TestSendFailureRetried(t *testing.T) {
	var sends int
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				sends++
				if sends == 1 {
					return errors.New("send failed")
				}
				return nil
			}}, nil
		},
	}

	cfg := DefaultBatchWriterConfig()
	cfg.FlushInterval = time.Hour
	cfg.RetryDelay = time.Millisecond
	bw := NewBatchWriter(newMockClient(conn), cfg)
	defer bw.Close()

	if err := bw.Write(context.Background(), newTestFinding()); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v, want retry to recover", err)
	}
	if sends != 2 {
		t.Errorf("sends = %d, want 2", sends)
	}
}

func TestWriteAfterClose(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), DefaultBatchWriterConfig())
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := bw.Write(context.Background(), newTestFinding()); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after close error = %v, want ErrWriterClosed", err)
	}
}

func TestCloseFlushesBuffer(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}

	cfg := DefaultBatchWriterConfig()
	cfg.FlushInterval = time.Hour
	bw := NewBatchWriter(newMockClient(conn), cfg)

	if err := bw.Write(context.Background(), newTestFinding()); err != nil {
		t.Fatal(err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if batch.Rows() != 1 {
		t.Errorf("appended rows = %d, want 1 (final flush on close)", batch.Rows())
	}
}
