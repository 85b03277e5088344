package attendance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"campusattend/internal/batch"
	"campusattend/internal/cache"
)

// DefaultSubject labels sessions issued without an explicit subject.
const DefaultSubject = "General Class"

// Config tunes the service. Zero values fall back to the documented defaults.
type Config struct {
	SessionTTL   time.Duration // attendance-session validity, default 1h
	StoreTimeout time.Duration // per-operation store deadline, default 5s
	BatchTimeout time.Duration // caller wait on a batched insert, default 10s
}

// Service coordinates registration, login, session issuance and attendance
// recording. The login cache and the batcher are optional strategies wired
// in by configuration; either may be nil.
type Service struct {
	repo    *Repository
	cache   cache.LoginCache
	batcher *batch.Batcher
	cfg     Config
	log     zerolog.Logger

	now func() time.Time
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, loginCache cache.LoginCache, batcher *batch.Batcher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Second
	}
	return &Service{
		repo:    repo,
		cache:   loginCache,
		batcher: batcher,
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
	}
}

// RegisterStudent hashes the password with bcrypt and creates the student
// row. Registering an existing id fails with ErrDuplicateStudent.
func (s *Service) RegisterStudent(ctx context.Context, id, password, name string) error {
	if id == "" || password == "" {
		return errors.New("student id and password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.repo.CreateStudent(ctx, id, string(hash), name, s.now())
}

// LoginStudent verifies student credentials and returns the display name.
// A fresh cache entry whose fingerprint matches the submitted password skips
// the store lookup and the bcrypt comparison entirely; the cache can only
// replay a success it has already observed, never widen the accepted set.
func (s *Service) LoginStudent(ctx context.Context, id, password string) (string, error) {
	digest := fingerprint(id, password)

	if s.cache != nil {
		if e, ok := s.cache.Get(ctx, id); ok && e.Digest == digest {
			return e.Name, nil
		}
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	st, err := s.repo.GetStudent(sctx, id)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(st.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	if s.cache != nil {
		s.cache.Set(ctx, id, cache.Entry{Digest: digest, Name: st.Name})
	}
	return st.Name, nil
}

// LoginAdmin verifies admin credentials.
func (s *Service) LoginAdmin(ctx context.Context, username, password string) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	a, err := s.repo.GetAdmin(ctx, username)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// StudentName returns the display name for a student id, or "" when unknown.
func (s *Service) StudentName(ctx context.Context, id string) (string, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	st, err := s.repo.GetStudent(ctx, id)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", nil
	}
	return st.Name, nil
}

// IssueSession mints a new attendance session for the subject: a short
// upper-cased token, valid for the configured TTL. Expired sessions are
// swept before the insert. A new session is always minted; the admin stays
// in control of when a window opens.
func (s *Service) IssueSession(ctx context.Context, subject string) (Session, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}

	now := s.now()
	sess := Session{
		ID:        strings.ToUpper(uuid.NewString()[:8]),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
		Subject:   subject,
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if deleted, err := s.repo.DeleteExpiredSessions(ctx, now); err != nil {
		s.log.Warn().Err(err).Msg("sweep on issue failed")
	} else if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Msg("swept expired sessions")
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Session{}, err
	}
	s.log.Info().Str("session_id", sess.ID).Str("subject", sess.Subject).Time("expires_at", sess.ExpiresAt).Msg("session issued")
	return sess, nil
}

// CurrentSession returns the latest unexpired session, or nil.
func (s *Service) CurrentSession(ctx context.Context) (*Session, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.repo.LatestActiveSession(ctx, s.now())
}

// MarkAttendance validates the session and records one mark for the student.
// It fails with ErrSessionExpired when the session is absent or past expiry,
// and with ErrAlreadyMarked on a duplicate (student, session) pair. On
// success it returns the session's subject for display.
func (s *Service) MarkAttendance(ctx context.Context, studentID, sessionID string) (string, error) {
	now := s.now()

	sctx, cancel := s.storeCtx(ctx)
	sess, err := s.repo.ActiveSession(sctx, sessionID, now)
	cancel()
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrSessionExpired
	}

	if s.batcher != nil {
		bctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
		err = s.batcher.Submit(bctx, batch.Record{
			StudentID: studentID,
			SessionID: sessionID,
			MarkedAt:  now,
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
	} else {
		ictx, cancel := s.storeCtx(ctx)
		defer cancel()
		err = s.repo.InsertAttendance(ictx, studentID, sessionID, now)
	}
	if err != nil {
		return "", err
	}
	return sess.Subject, nil
}

// Stats returns the today/total mark counts for a student.
func (s *Service) Stats(ctx context.Context, studentID string) (today, total int, err error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.repo.CountAttendance(ctx, studentID, s.today())
}

// AllAttendance returns the joined record list for admin views and exports.
func (s *Service) AllAttendance(ctx context.Context, limit int) ([]JoinedRecord, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.repo.ListAttendanceJoined(ctx, limit)
}

// AdminStats returns the aggregate counters for the admin dashboard.
func (s *Service) AdminStats(ctx context.Context) (AdminStats, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.repo.Stats(ctx, s.today())
}

func (s *Service) today() string {
	return s.now().UTC().Format("2006-01-02")
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// fingerprint derives the cache key digest from the submitted credentials.
// Only stored after a successful bcrypt verification.
func fingerprint(id, password string) string {
	sum := sha256.Sum256([]byte(id + "\x00" + password))
	return hex.EncodeToString(sum[:])
}
