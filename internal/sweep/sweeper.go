package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store is the slice of the repository the sweeper needs.
type Store interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically deletes attendance sessions past their expiry
// timestamp. It runs as a background goroutine and is safe to stop via its
// context or the Stop method. Errors are logged and the loop re-enters on
// the next tick; the sweeper never takes the process down.
type Sweeper struct {
	store    Store
	interval time.Duration
	log      zerolog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a sweeper but does not start it. Call Start to begin the
// background loop. A non-positive interval falls back to 30 minutes.
func New(store Store, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      logger,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop. It runs an immediate sweep on
// startup, then repeats on the configured interval. The loop exits when ctx
// is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.log.Info().Dur("interval", s.interval).Msg("session sweeper started")
}

// Stop signals the sweeper to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	// Run immediately on startup to clean up any backlog.
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.store.DeleteExpiredSessions(ctx, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("session sweep failed")
		return
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Msg("cleaned up expired sessions")
	}
}
