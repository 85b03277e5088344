package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Record is one attendance insert waiting to be coalesced into a bulk write.
type Record struct {
	StudentID string
	SessionID string
	MarkedAt  time.Time
}

// InsertFunc performs one bulk insert. The returned slice has the same length
// and order as recs; a nil element means the record was persisted.
type InsertFunc func(ctx context.Context, recs []Record) []error

type item struct {
	rec   Record
	reply chan error
}

// Batcher coalesces attendance inserts: a single background consumer drains
// up to size items or waits up to wait, then performs one bulk insert and
// answers each caller over its reply channel. It trades per-request latency
// for write throughput without changing the recorder's contract.
type Batcher struct {
	insert InsertFunc
	queue  chan item
	size   int
	wait   time.Duration
	log    zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a batcher but does not start it. Call Start to begin the
// background loop.
func New(insert InsertFunc, size int, wait time.Duration, logger zerolog.Logger) *Batcher {
	if size <= 0 {
		size = 100
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Batcher{
		insert: insert,
		queue:  make(chan item, size*2),
		size:   size,
		wait:   wait,
		log:    logger,
		done:   make(chan struct{}),
	}
}

// Start begins the consumer loop. The loop exits when ctx is cancelled or
// Stop is called; queued items are flushed before exiting.
func (b *Batcher) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	go b.loop(ctx)
	b.log.Info().Int("size", b.size).Dur("wait", b.wait).Msg("attendance batcher started")
}

// Stop signals the consumer to exit and waits for it to finish.
func (b *Batcher) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

// Submit enqueues a record and blocks until the batch containing it has been
// written, or ctx expires. Callers bound the wait with a deadline and map
// context errors to their own timeout taxonomy.
func (b *Batcher) Submit(ctx context.Context, rec Record) error {
	it := item{rec: rec, reply: make(chan error, 1)}

	select {
	case b.queue <- it:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-it.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case first := <-b.queue:
			pending := []item{first}
			timer := time.NewTimer(b.wait)
		collect:
			for len(pending) < b.size {
				select {
				case it := <-b.queue:
					pending = append(pending, it)
				case <-timer.C:
					break collect
				case <-ctx.Done():
					break collect
				}
			}
			timer.Stop()
			b.flush(pending)
		}
	}
}

// drain flushes whatever is still queued at shutdown so no caller hangs.
func (b *Batcher) drain() {
	for {
		select {
		case it := <-b.queue:
			b.flush([]item{it})
		default:
			return
		}
	}
}

func (b *Batcher) flush(pending []item) {
	recs := make([]Record, len(pending))
	for i, it := range pending {
		recs[i] = it.rec
	}

	// The flush uses its own context: callers may have given up already but
	// the batch still has to be written for the remaining ones.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	errs := b.insert(ctx, recs)
	cancel()

	failed := 0
	for i, it := range pending {
		var err error
		if i < len(errs) {
			err = errs[i]
		}
		if err != nil {
			failed++
		}
		it.reply <- err
	}
	if failed > 0 {
		b.log.Warn().Int("batch", len(pending)).Int("failed", failed).Msg("attendance batch flushed with failures")
	} else {
		b.log.Debug().Int("batch", len(pending)).Msg("attendance batch flushed")
	}
}
