package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/internal/audit"
)

func TestLogSinkJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink, err := audit.NewLogSink(&buf, "json", "info")
	require.NoError(t, err)

	sink.Record(context.Background(), audit.Event{
		Kind:       audit.KindIssued,
		SpiffeID:   "spiffe://test.example/frontend",
		WorkloadID: "frontend",
		Detail:     "x509",
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "audit", rec["msg"])
	assert.Equal(t, "issued", rec["kind"])
	assert.Equal(t, "spiffe://test.example/frontend", rec["spiffe_id"])
	assert.Equal(t, "frontend", rec["workload_id"])
	assert.Equal(t, "INFO", rec["level"])
}

func TestLogSinkDenialsAreWarnings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink, err := audit.NewLogSink(&buf, "json", "info")
	require.NoError(t, err)

	sink.Record(context.Background(), audit.Event{Kind: audit.KindDenied, WorkloadID: "frontend", Err: "no strategy"})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "no strategy", rec["error"])
}

func TestLogSinkText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink, err := audit.NewLogSink(&buf, "text", "debug")
	require.NoError(t, err)

	sink.Record(context.Background(), audit.Event{Kind: audit.KindRotated, WorkloadID: "backend"})
	out := buf.String()
	assert.Contains(t, out, "kind=rotated")
	assert.Contains(t, out, "workload_id=backend")
}

func TestLogSinkRejectsUnknownSettings(t *testing.T) {
	t.Parallel()

	_, err := audit.NewLogSink(&bytes.Buffer{}, "xml", "info")
	assert.Error(t, err)

	_, err = audit.NewLogSink(&bytes.Buffer{}, "json", "verbose")
	assert.Error(t, err)
}

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestAsyncDeliversAndFlushesOnClose(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	async := audit.NewAsync(rec, 16)

	for i := 0; i < 10; i++ {
		async.Record(context.Background(), audit.Event{Kind: audit.KindIssued, Time: time.Now()})
	}
	async.Close()

	assert.Equal(t, 10, rec.len())
	assert.Equal(t, uint64(0), async.Dropped())
}

// blockingSink stalls delivery until released, forcing the queue to fill.
type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Record(_ context.Context, _ audit.Event) {
	<-b.release
}

func TestAsyncDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	blocked := &blockingSink{release: make(chan struct{})}
	async := audit.NewAsync(blocked, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// More events than the buffer can hold while delivery is stalled.
		for i := 0; i < 20; i++ {
			async.Record(context.Background(), audit.Event{Kind: audit.KindIssued})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked the caller")
	}
	assert.Greater(t, async.Dropped(), uint64(0))

	close(blocked.release)
	async.Close()
}

func TestNopSink(t *testing.T) {
	t.Parallel()
	// Must not panic; Nop is the disabled-audit sink.
	audit.Nop{}.Record(context.Background(), audit.Event{Kind: audit.KindIssued})
	assert.True(t, strings.HasPrefix(string(audit.KindHandshakeRejected), "handshake"))
}
