package notify

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TokenStore persists registered push tokens in Postgres.
type TokenStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewTokenStore creates a token store.
func NewTokenStore(db *sql.DB, timeout time.Duration) *TokenStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TokenStore{db: db, timeout: timeout}
}

// Register stores a device token tied to a student. An existing token is
// reassigned rather than duplicated in case the device changed hands.
func (t *TokenStore) Register(ctx context.Context, studentID, token, deviceName string) error {
	if token == "" {
		return errors.New("token required")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO push_tokens (student_id, token, device_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET
			student_id = EXCLUDED.student_id,
			device_name = EXCLUDED.device_name
	`, studentID, token, deviceName)
	return err
}

// TokensForStudent returns the tokens registered for one student.
func (t *TokenStore) TokensForStudent(ctx context.Context, studentID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.scanTokens(t.db.QueryContext(ctx, `
		SELECT token FROM push_tokens WHERE student_id = $1
	`, studentID))
}

// AllTokens returns every registered token for a broadcast.
func (t *TokenStore) AllTokens(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.scanTokens(t.db.QueryContext(ctx, `SELECT token FROM push_tokens`))
}

func (t *TokenStore) scanTokens(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}
