package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"campusattend/internal/batch"
)

// timeLayout is the persisted timestamp format. RFC3339 in UTC compares
// lexicographically, so expiry checks can run inside SQL.
const timeLayout = time.RFC3339

// Student is a registered student row. Rows are immutable once created.
type Student struct {
	ID           string
	PasswordHash string
	Name         string
	CreatedAt    time.Time
}

// Admin is an admin credential row.
type Admin struct {
	Username     string
	PasswordHash string
}

// Session is a time-boxed attendance window, not an HTTP login session.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Subject   string    `json:"subject"`
}

// JoinedRecord is one attendance row joined with student and session data,
// as served to admins and exports.
type JoinedRecord struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	SessionID   string `json:"session_id"`
	Subject     string `json:"subject"`
	Timestamp   string `json:"timestamp"`
}

// AdminStats aggregates table counts for the admin dashboard.
type AdminStats struct {
	TotalStudents   int `json:"total_students"`
	TotalSessions   int `json:"total_sessions"`
	TotalAttendance int `json:"total_attendance"`
	TodayAttendance int `json:"today_attendance"`
}

// Repository persists attendance data in SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateStudent inserts a new student row. Registering an existing id fails
// with ErrDuplicateStudent.
func (r *Repository) CreateStudent(ctx context.Context, id, passwordHash, name string, createdAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, password_hash, name, created_at)
		VALUES (?, ?, ?, ?)
	`, id, passwordHash, name, createdAt.UTC().Format(timeLayout))
	if isConstraintErr(err) {
		return ErrDuplicateStudent
	}
	return err
}

// GetStudent returns a student by id, or nil when absent.
func (r *Repository) GetStudent(ctx context.Context, id string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, password_hash, name, created_at FROM students WHERE id = ?
	`, id)
	var (
		st        Student
		createdAt string
	)
	if err := row.Scan(&st.ID, &st.PasswordHash, &st.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &st, nil
}

// GetAdmin returns an admin by username, or nil when absent.
func (r *Repository) GetAdmin(ctx context.Context, username string) (*Admin, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT username, password_hash FROM admins WHERE username = ?
	`, username)
	var a Admin
	if err := row.Scan(&a.Username, &a.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// EnsureAdmin seeds an admin credential if the username is not present.
// Existing rows are left untouched.
func (r *Repository) EnsureAdmin(ctx context.Context, username, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admins (username, password_hash)
		VALUES (?, ?)
		ON CONFLICT (username) DO NOTHING
	`, username, passwordHash)
	return err
}

// CreateSession persists a new attendance session.
func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, created_at, expires_at, subject)
		VALUES (?, ?, ?, ?)
	`, s.ID, s.CreatedAt.UTC().Format(timeLayout), s.ExpiresAt.UTC().Format(timeLayout), s.Subject)
	return err
}

// ActiveSession returns the session with the given id if it has not expired
// at now, or nil.
func (r *Repository) ActiveSession(ctx context.Context, id string, now time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, expires_at, subject
		FROM sessions WHERE session_id = ? AND expires_at > ?
	`, id, now.UTC().Format(timeLayout))
	return scanSession(row)
}

// LatestActiveSession returns the most recently created unexpired session,
// or nil when none exists.
func (r *Repository) LatestActiveSession(ctx context.Context, now time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, expires_at, subject
		FROM sessions WHERE expires_at > ?
		ORDER BY created_at DESC LIMIT 1
	`, now.UTC().Format(timeLayout))
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		s                    Session
		createdAt, expiresAt string
	)
	if err := row.Scan(&s.ID, &createdAt, &expiresAt, &s.Subject); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var err error
	if s.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &s, nil
}

// DeleteExpiredSessions removes sessions whose expiry has passed and returns
// the number of rows deleted.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE expires_at < ?
	`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertAttendance records one mark. The UNIQUE(student_id, session_id)
// constraint makes this insert-or-fail: a zero rows-affected result means the
// pair already exists, which is reported as ErrAlreadyMarked. Concurrent
// duplicate submissions collapse to a single persisted row by construction.
func (r *Repository) InsertAttendance(ctx context.Context, studentID, sessionID string, markedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (student_id, session_id, marked_at)
		VALUES (?, ?, ?)
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, studentID, sessionID, markedAt.UTC().Format(timeLayout))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyMarked
	}
	return nil
}

// InsertAttendanceBatch writes a batch of marks in one transaction. The
// result slice is per-record: nil for persisted rows, ErrAlreadyMarked for
// duplicates. A transaction-level failure is reported on every record.
func (r *Repository) InsertAttendanceBatch(ctx context.Context, recs []batch.Record) []error {
	errs := make([]error, len(recs))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fillErrs(errs, err)
	}
	for i, rec := range recs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attendance (student_id, session_id, marked_at)
			VALUES (?, ?, ?)
			ON CONFLICT (student_id, session_id) DO NOTHING
		`, rec.StudentID, rec.SessionID, rec.MarkedAt.UTC().Format(timeLayout))
		if err != nil {
			_ = tx.Rollback()
			return fillErrs(errs, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			errs[i] = ErrAlreadyMarked
		}
	}
	if err := tx.Commit(); err != nil {
		return fillErrs(errs, err)
	}
	return errs
}

func fillErrs(errs []error, err error) []error {
	for i := range errs {
		errs[i] = err
	}
	return errs
}

// CountAttendance returns the today/total mark counts for a student. today
// is a calendar date in the persisted timestamp's date prefix form
// (YYYY-MM-DD).
func (r *Repository) CountAttendance(ctx context.Context, studentID, today string) (todayCount, total int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance WHERE student_id = ? AND substr(marked_at, 1, 10) = ?
	`, studentID, today).Scan(&todayCount)
	if err != nil {
		return 0, 0, err
	}
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance WHERE student_id = ?
	`, studentID).Scan(&total)
	if err != nil {
		return 0, 0, err
	}
	return todayCount, total, nil
}

// ListAttendanceJoined returns attendance rows joined with student names and
// session subjects, newest first. A non-positive limit returns everything
// (exports).
func (r *Repository) ListAttendanceJoined(ctx context.Context, limit int) ([]JoinedRecord, error) {
	query := `
		SELECT a.student_id, s.name, a.session_id, ses.subject, a.marked_at
		FROM attendance a
		JOIN students s ON a.student_id = s.id
		JOIN sessions ses ON a.session_id = ses.session_id
		ORDER BY a.marked_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JoinedRecord
	for rows.Next() {
		var rec JoinedRecord
		if err := rows.Scan(&rec.StudentID, &rec.StudentName, &rec.SessionID, &rec.Subject, &rec.Timestamp); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Stats aggregates the admin dashboard counters.
func (r *Repository) Stats(ctx context.Context, today string) (AdminStats, error) {
	var st AdminStats
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students`).Scan(&st.TotalStudents); err != nil {
		return st, err
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.TotalSessions); err != nil {
		return st, err
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance`).Scan(&st.TotalAttendance); err != nil {
		return st, err
	}
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance WHERE substr(marked_at, 1, 10) = ?
	`, today).Scan(&st.TodayAttendance); err != nil {
		return st, err
	}
	return st, nil
}

func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
