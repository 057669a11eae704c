package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepClock() func() time.Time {
	t := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestLog_AppendAndVerify(t *testing.T) {
	l := NewLog().WithClock(stepClock())
	ctx := context.Background()

	e1, err := l.Append(ctx, EventSessionCreated, "s1", "alice", "", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, GenesisHash, e1.PreviousHash)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(e1.Payload))
	assert.Equal(t, `{"a":1,"b":2}`, string(e1.Payload), "payload is canonical")

	e2, err := l.Append(ctx, EventViolation, "s1", "alice", "block", map[string]string{"category": "violence"})
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.Equal(t, e2.EntryHash, l.Head())
	assert.NoError(t, l.VerifyChain())
}

func TestLog_TamperingBreaksChain(t *testing.T) {
	l := NewLog()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, EventCheckpoint, "s1", "alice", "continue", map[string]int{"i": i})
		require.NoError(t, err)
	}
	l.entries[1].Payload = []byte(`{"i":42}`)
	err := l.VerifyChain()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainBroken))
}

func TestLog_Query(t *testing.T) {
	l := NewLog().WithClock(stepClock())
	ctx := context.Background()
	_, _ = l.Append(ctx, EventSessionCreated, "s1", "alice", "", nil)
	_, _ = l.Append(ctx, EventViolation, "s1", "alice", "block", nil)
	_, _ = l.Append(ctx, EventViolation, "s2", "bob", "modify", nil)
	_, _ = l.Append(ctx, EventEmergency, "s2", "bob", "terminate", nil)

	assert.Len(t, l.Query(Filter{Types: []EventType{EventViolation}}), 2)
	assert.Len(t, l.Query(Filter{UserID: "bob"}), 2)
	assert.Len(t, l.Query(Filter{SessionID: "s1", Types: []EventType{EventViolation, EventEmergency}}), 1)
	assert.Len(t, l.Query(Filter{MaxResults: 3}), 3)

	all := l.Query(Filter{})
	assert.Len(t, l.Query(Filter{Since: all[2].Timestamp}), 2)
	assert.Len(t, l.Query(Filter{Until: all[0].Timestamp}), 1)
}

type failingSink struct{}

func (failingSink) Write(context.Context, Entry) error { return errors.New("disk full") }

func TestLog_SinkFailureDoesNotFailAppend(t *testing.T) {
	l := NewLog()
	l.SetSink(failingSink{})
	_, err := l.Append(context.Background(), EventFeedback, "s1", "alice", "", nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	assert.NoError(t, l.Close(context.Background()))
}

// gatedSink blocks every write until release is closed.
type gatedSink struct {
	release chan struct{}
	mu      sync.Mutex
	written []uint64
}

func (g *gatedSink) Write(ctx context.Context, e Entry) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	g.written = append(g.written, e.Sequence)
	g.mu.Unlock()
	return nil
}

func TestLog_AppendDoesNotWaitForSink(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	l := NewLog().WithWriteTimeout(time.Minute)
	l.SetSink(sink)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, err := l.Append(ctx, EventCheckpoint, "s1", "alice", "", map[string]int{"n": i})
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("append blocked on the sink")
	}
	assert.Equal(t, 5, l.Len())

	close(sink.release)
	require.NoError(t, l.Close(ctx))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sink.written, "sink receives entries in chain order")
}

func TestLog_SlowSinkWriteTimesOut(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	l := NewLog().WithWriteTimeout(10 * time.Millisecond)
	l.SetSink(sink)
	ctx := context.Background()

	_, err := l.Append(ctx, EventFeedback, "s1", "alice", "", nil)
	require.NoError(t, err)

	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(fctx), "a stuck sink write is abandoned after its timeout")
	require.NoError(t, l.Close(fctx))

	_, err = l.Append(ctx, EventFeedback, "s1", "alice", "", nil)
	assert.NoError(t, err, "appends after close stay in memory")
	assert.Equal(t, 2, l.Len())
}

func TestSQLiteSink_PersistAndRestore(t *testing.T) {
	sink, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer sink.Close()

	l := NewLog()
	l.SetSink(sink)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, EventCheckpoint, "s1", "alice", "continue", map[string]int{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush(ctx))

	entries, err := sink.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	restored := NewLog()
	require.NoError(t, restored.Restore(entries))
	assert.Equal(t, l.Head(), restored.Head())
	assert.NoError(t, restored.VerifyChain())

	next, err := restored.Append(ctx, EventSessionEnded, "s1", "alice", "normal", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next.Sequence)

	assert.ErrorIs(t, restored.Restore(entries), ErrNotEmpty)

	entries[2].Action = "block"
	assert.ErrorIs(t, NewLog().Restore(entries), ErrChainBroken)
}
