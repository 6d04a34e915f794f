package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Student is a directory record; the roll-call engine only reads it.
type Student struct {
	ID      string  `json:"id"`
	CardUID *string `json:"card_uid,omitempty"`
	Name    string  `json:"name"`
	Group   string  `json:"group"`
}

// Staff is a directory record for the person performing an action.
type Staff struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	Role        string `json:"role"`
}

// Store reads students and staff from Postgres. It never writes.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// NewStore creates a read-only directory store.
func NewStore(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// ResolveStudent looks a student up by school ID first, then by alternate
// card UID. Returns nil when neither matches. The primary ID always wins,
// even when another student's card UID collides with it.
func (s *Store) ResolveStudent(ctx context.Context, idOrUID string) (*Student, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	st, err := s.studentBy(ctx, `id = $1`, idOrUID)
	if err != nil || st != nil {
		return st, err
	}
	return s.studentBy(ctx, `card_uid = $1`, idOrUID)
}

func (s *Store) studentBy(ctx context.Context, cond, arg string) (*Student, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, card_uid, name, group_name
		FROM students
		WHERE `+cond+`
		LIMIT 1
	`, arg)
	var st Student
	if err := row.Scan(&st.ID, &st.CardUID, &st.Name, &st.Group); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// GetStaff returns a staff member by id, nil when unknown.
func (s *Store) GetStaff(ctx context.Context, id int64) (*Staff, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, color, role
		FROM staff WHERE id = $1
	`, id)
	var st Staff
	if err := row.Scan(&st.ID, &st.DisplayName, &st.Color, &st.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// ListStudents returns every student ordered by group then name.
func (s *Store) ListStudents(ctx context.Context) ([]Student, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_uid, name, group_name
		FROM students
		ORDER BY group_name, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.CardUID, &st.Name, &st.Group); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// CountStudents returns the directory headcount.
func (s *Store) CountStudents(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students`).Scan(&n)
	return n, err
}
