package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acuitybridge/core/pkg/audit"
)

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Write(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) snapshot() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.records...)
}

func TestSink_ReceivesRecordsInOrder(t *testing.T) {
	sink := &recordingSink{}
	log := audit.New(audit.WithSink(sink))

	for i := 0; i < 3; i++ {
		log.Append(entry("org-a", "SYSTEM", audit.EventSignalEvaluated))
	}

	got := sink.snapshot()
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, uint64(i), rec.Sequence)
		hash, err := rec.Entry.Hash()
		require.NoError(t, err)
		assert.Equal(t, hash, rec.Hash)
	}
	assert.Equal(t, got[0].Hash, got[1].Entry.PreviousHash)
	assert.Equal(t, log.Head(), got[2].Hash)
}

func TestSink_FailureDoesNotAffectAppend(t *testing.T) {
	failing := audit.SinkFunc(func(context.Context, audit.Record) error {
		return errors.New("mirror down")
	})
	log := audit.New(audit.WithSink(failing))

	got := log.Append(entry("org-a", "SYSTEM", audit.EventSignalEvaluated))
	assert.NotEmpty(t, got.EntryID)
	assert.Equal(t, 1, log.Len())
}

func TestWriterSink_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := audit.New()
	log.AddSink(audit.NewWriterSink(&buf))

	log.Append(entry("org-a", "SYSTEM", audit.EventEscalationOpened))
	log.Append(entry("org-a", "SYSTEM", audit.EventAutomatedInteractionSuspended))

	scanner := bufio.NewScanner(&buf)
	var lines []audit.Record
	for scanner.Scan() {
		var rec audit.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, audit.EventAutomatedInteractionSuspended, lines[1].Entry.EventType)
	assert.Equal(t, lines[0].Hash, lines[1].Entry.PreviousHash)
}

func TestAsyncSink_DeliversAllBeforeClose(t *testing.T) {
	inner := &recordingSink{}
	async := audit.NewAsyncSink(inner, 128)
	log := audit.New(audit.WithSink(async))

	for i := 0; i < 50; i++ {
		log.Append(entry("org-a", "SYSTEM", audit.EventSignalEvaluated))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, async.Close(ctx))

	got := inner.snapshot()
	require.Len(t, got, 50)
	for i, rec := range got {
		assert.Equal(t, uint64(i), rec.Sequence)
	}

	err := async.Write(context.Background(), got[0])
	assert.ErrorIs(t, err, audit.ErrSinkClosed)
}

func TestAsyncSink_FullQueueWaitsInsteadOfDropping(t *testing.T) {
	inner := &recordingSink{}
	slow := audit.SinkFunc(func(ctx context.Context, rec audit.Record) error {
		time.Sleep(2 * time.Millisecond)
		return inner.Write(ctx, rec)
	})
	async := audit.NewAsyncSink(slow, 1)
	log := audit.New(audit.WithSink(async))

	for i := 0; i < 20; i++ {
		log.Append(entry("org-a", "SYSTEM", audit.EventSignalEvaluated))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, async.Close(ctx))

	got := inner.snapshot()
	require.Len(t, got, 20)
	for i, rec := range got {
		assert.Equal(t, uint64(i), rec.Sequence)
	}
}

func TestAsyncSink_RetriesFailedDeliveries(t *testing.T) {
	inner := &recordingSink{}
	var failures atomic.Int32
	flaky := audit.SinkFunc(func(ctx context.Context, rec audit.Record) error {
		if rec.Sequence == 1 && failures.Add(1) <= 2 {
			return errors.New("database is locked")
		}
		return inner.Write(ctx, rec)
	})
	async := audit.NewAsyncSink(flaky, 8, audit.WithRetry(3, time.Millisecond))

	for i := 0; i < 3; i++ {
		require.NoError(t, async.Write(context.Background(), audit.Record{Sequence: uint64(i)}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, async.Close(ctx))

	got := inner.snapshot()
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, uint64(i), rec.Sequence)
	}
	assert.EqualValues(t, 3, failures.Load())
}

func TestAsyncSink_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	failing := audit.SinkFunc(func(context.Context, audit.Record) error {
		calls.Add(1)
		return assert.AnError
	})
	async := audit.NewAsyncSink(failing, 1, audit.WithRetry(2, time.Millisecond))
	require.NoError(t, async.Write(context.Background(), audit.Record{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, async.Close(ctx))
	assert.EqualValues(t, 2, calls.Load())
}
