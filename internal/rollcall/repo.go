package rollcall

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists roll-call data in Postgres. It implements
// SessionStore, ScanLedger and HistoryLog; every call carries a bounded
// timeout so a wedged store fails instead of hanging a request.
type Repository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Repository{db: db, timeout: timeout}
}

func (r *Repository) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// OpenSession returns the active session, nil when none exists.
func (r *Repository) OpenSession(ctx context.Context) (*Session, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `
		SELECT id, active, start_time, end_time, triggered_by
		FROM emergency_events
		WHERE active = TRUE
		ORDER BY id DESC
		LIMIT 1
	`)
	var s Session
	if err := row.Scan(&s.ID, &s.Active, &s.StartTime, &s.EndTime, &s.TriggeredBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// StartSession inserts a new active EmergencyEvent.
func (r *Repository) StartSession(ctx context.Context, staffID int64, at time.Time) (*Session, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	s := Session{Active: true, StartTime: at, TriggeredBy: staffID}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO emergency_events (active, start_time, triggered_by)
		VALUES (TRUE, $1, $2)
		RETURNING id
	`, at, staffID)
	if err := row.Scan(&s.ID); err != nil {
		return nil, err
	}
	return &s, nil
}

// CloseSession marks an event inactive and stamps its end time. Events
// are never deleted.
func (r *Repository) CloseSession(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `
		UPDATE emergency_events
		SET active = FALSE, end_time = $2
		WHERE id = $1 AND active = TRUE
	`, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New("session already closed")
	}
	return nil
}

// Insert appends a scan row.
func (r *Repository) Insert(ctx context.Context, evt ScanEvent) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scans (id, student_id, staff_id, scanned_at, scan_type)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.ID, evt.StudentID, evt.StaffID, evt.Timestamp, evt.Type)
	return err
}

// HasScanSince reports whether the student has any scan in the window.
func (r *Repository) HasScanSince(ctx context.Context, studentID string, since time.Time) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM scans WHERE student_id = $1 AND scanned_at >= $2
		)
	`, studentID, since).Scan(&exists)
	return exists, err
}

// DeleteSince removes the student's in-window scans (toggle revoke).
func (r *Repository) DeleteSince(ctx context.Context, studentID string, since time.Time) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM scans WHERE student_id = $1 AND scanned_at >= $2
	`, studentID, since)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestMarks returns the most recent in-window scan per student with the
// marking staff member's display attributes.
func (r *Repository) LatestMarks(ctx context.Context, since time.Time) (map[string]Mark, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (sc.student_id)
			sc.student_id, sc.scanned_at, st.display_name, st.color
		FROM scans sc
		JOIN staff st ON st.id = sc.staff_id
		WHERE sc.scanned_at >= $1
		ORDER BY sc.student_id, sc.scanned_at DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]Mark)
	for rows.Next() {
		var studentID string
		var m Mark
		if err := rows.Scan(&studentID, &m.At, &m.StaffName, &m.Color); err != nil {
			return nil, err
		}
		marks[studentID] = m
	}
	return marks, rows.Err()
}

// CountDistinctSince counts students with at least one in-window scan.
func (r *Repository) CountDistinctSince(ctx context.Context, since time.Time) (int, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT student_id) FROM scans WHERE scanned_at >= $1
	`, since).Scan(&n)
	return n, err
}

// Append writes an audit entry.
func (r *Repository) Append(ctx context.Context, entry HistoryEntry) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO status_history (id, student_id, staff_id, action, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.StudentID, entry.StaffID, entry.Action, entry.Timestamp)
	return err
}

// List returns audit entries newest-first, enriched with display names.
// since scopes to a window; nil returns the all-time trail.
func (r *Repository) List(ctx context.Context, since *time.Time, limit int) ([]HistoryEntry, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := `
		SELECT h.id, h.student_id, h.staff_id, h.action, h.created_at,
			COALESCE(s.name, h.student_id), COALESCE(st.display_name, '')
		FROM status_history h
		LEFT JOIN students s ON s.id = h.student_id
		LEFT JOIN staff st ON st.id = h.staff_id
	`
	args := []any{}
	if since != nil {
		query += ` WHERE h.created_at >= $1`
		args = append(args, *since)
	}
	if since != nil {
		query += ` ORDER BY h.created_at DESC LIMIT $2`
	} else {
		query += ` ORDER BY h.created_at DESC LIMIT $1`
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.StudentID, &e.StaffID, &e.Action, &e.Timestamp, &e.StudentName, &e.StaffName); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendReport writes a session activation/deactivation summary.
func (r *Repository) AppendReport(ctx context.Context, report SessionReport) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_reports (action, staff_id, total_students, scanned_students, missing_students, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, report.Action, report.StaffID, report.Total, report.Scanned, report.Missing, report.Notes)
	return err
}

// ListReports returns session summaries newest-first.
func (r *Repository) ListReports(ctx context.Context, limit int) ([]SessionReport, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT rep.id, rep.action, rep.staff_id, COALESCE(st.display_name, ''),
			rep.total_students, rep.scanned_students, rep.missing_students,
			COALESCE(rep.notes, ''), rep.created_at
		FROM session_reports rep
		LEFT JOIN staff st ON st.id = rep.staff_id
		ORDER BY rep.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []SessionReport
	for rows.Next() {
		var rep SessionReport
		if err := rows.Scan(&rep.ID, &rep.Action, &rep.StaffID, &rep.StaffName, &rep.Total, &rep.Scanned, &rep.Missing, &rep.Notes, &rep.CreatedAt); err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}
