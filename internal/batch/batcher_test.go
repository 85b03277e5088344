package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingInsert records every flush it receives and answers each record
// with the configured error.
type collectingInsert struct {
	mu      sync.Mutex
	batches [][]Record
	errFor  func(Record) error
}

func (c *collectingInsert) insert(_ context.Context, recs []Record) []error {
	c.mu.Lock()
	c.batches = append(c.batches, recs)
	c.mu.Unlock()

	errs := make([]error, len(recs))
	if c.errFor != nil {
		for i, r := range recs {
			errs[i] = c.errFor(r)
		}
	}
	return errs
}

func (c *collectingInsert) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func TestSubmitSuccess(t *testing.T) {
	ci := &collectingInsert{}
	b := New(ci.insert, 10, 20*time.Millisecond, zerolog.Nop())
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	err := b.Submit(context.Background(), Record{StudentID: "S1", SessionID: "ABCD1234", MarkedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, ci.batchCount())
}

func TestSubmitReturnsPerRecordError(t *testing.T) {
	sentinel := errors.New("dup")
	ci := &collectingInsert{errFor: func(r Record) error {
		if r.StudentID == "BAD" {
			return sentinel
		}
		return nil
	}}
	b := New(ci.insert, 10, 10*time.Millisecond, zerolog.Nop())
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, id := range []string{"OK", "BAD"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = b.Submit(context.Background(), Record{StudentID: id, SessionID: "ABCD1234"})
		}(i, id)
	}
	wg.Wait()

	assert.NoError(t, results[0])
	assert.ErrorIs(t, results[1], sentinel)
}

func TestCoalescesConcurrentSubmits(t *testing.T) {
	ci := &collectingInsert{}
	b := New(ci.insert, 50, 200*time.Millisecond, zerolog.Nop())
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Submit(context.Background(), Record{StudentID: "S1", SessionID: "ABCD1234"}))
		}()
	}
	wg.Wait()

	// All submits were in flight within one wait window, so the consumer
	// needed far fewer flushes than records.
	ci.mu.Lock()
	total := 0
	for _, batch := range ci.batches {
		total += len(batch)
	}
	ci.mu.Unlock()
	assert.Equal(t, n, total)
	assert.Less(t, ci.batchCount(), n)
}

func TestSubmitHonorsDeadline(t *testing.T) {
	// Never started: nothing consumes the queue, so the caller's deadline
	// is the only way out.
	b := New(func(context.Context, []Record) []error { return nil }, 10, time.Second, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Submit(ctx, Record{StudentID: "S1", SessionID: "ABCD1234"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopFlushesQueued(t *testing.T) {
	ci := &collectingInsert{}
	b := New(ci.insert, 10, 10*time.Millisecond, zerolog.Nop())
	b.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Submit(context.Background(), Record{StudentID: "S1", SessionID: "ABCD1234"})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not complete")
	}
	b.Stop()
}
