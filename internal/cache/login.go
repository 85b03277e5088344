package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a cached login result: the fingerprint of the credentials that
// last succeeded for a student, plus the display name to skip the store
// lookup on a hit. A cache hit must never accept credentials the store
// would reject, so the fingerprint is always compared by the caller.
type Entry struct {
	Digest string `json:"digest"`
	Name   string `json:"name"`
}

// LoginCache is a short-lived login-result cache. It is a pure performance
// optimization layered in front of the credential store.
type LoginCache interface {
	Get(ctx context.Context, studentID string) (Entry, bool)
	Set(ctx context.Context, studentID string, e Entry)
}

type memEntry struct {
	Entry
	cachedAt time.Time
}

// Memory is an in-process LoginCache guarded by a single mutex. A background
// janitor evicts entries older than the TTL.
type Memory struct {
	ttl    time.Duration
	log    zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemory creates a memory cache with the given TTL but does not start the
// janitor. Call Start to begin the eviction loop.
func NewMemory(ttl time.Duration, logger zerolog.Logger) *Memory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Memory{
		ttl:     ttl,
		log:     logger,
		entries: make(map[string]memEntry),
		done:    make(chan struct{}),
	}
}

// Get returns the cached entry for a student. Expired entries are treated as
// misses and removed eagerly, so correctness does not depend on the janitor.
func (m *Memory) Get(_ context.Context, studentID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[studentID]
	if !ok {
		return Entry{}, false
	}
	if time.Since(e.cachedAt) > m.ttl {
		delete(m.entries, studentID)
		return Entry{}, false
	}
	return e.Entry, true
}

// Set stores an entry, resetting its age.
func (m *Memory) Set(_ context.Context, studentID string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[studentID] = memEntry{Entry: e, cachedAt: time.Now()}
}

// Start begins the background eviction loop. It exits when ctx is cancelled
// or Stop is called.
func (m *Memory) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop signals the janitor to exit and waits for it to finish.
func (m *Memory) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func (m *Memory) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.evictExpired(time.Now()); evicted > 0 {
				m.log.Debug().Int("evicted", evicted).Msg("login cache sweep")
			}
		}
	}
}

func (m *Memory) evictExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, e := range m.entries {
		if now.Sub(e.cachedAt) > m.ttl {
			delete(m.entries, id)
			evicted++
		}
	}
	return evicted
}
