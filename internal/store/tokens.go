package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EnrollToken lets an agent register a cluster into a workspace until it
// expires. Tokens are reusable.
type EnrollToken struct {
	Token     string    `db:"token" json:"token"`
	Workspace string    `db:"workspace" json:"workspace"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SaveEnrollToken stores a freshly issued token.
func (s *Store) SaveEnrollToken(ctx context.Context, tok EnrollToken) error {
	created := tok.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	query := s.db.Rebind(`INSERT INTO enroll_tokens (token, workspace, expires_at, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, tok.Token, tok.Workspace, tok.ExpiresAt.UTC(), created.UTC()); err != nil {
		return persistErr("save enroll token", err)
	}
	return nil
}

// GetEnrollToken looks a token up regardless of expiry.
func (s *Store) GetEnrollToken(ctx context.Context, token string) (*EnrollToken, error) {
	var tok EnrollToken
	query := s.db.Rebind(`SELECT token, workspace, expires_at, created_at FROM enroll_tokens WHERE token = ?`)
	err := s.db.GetContext(ctx, &tok, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get enroll token", err)
	}
	return &tok, nil
}

// DeleteExpiredTokens removes tokens that expired before now.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM enroll_tokens WHERE expires_at < ?`), now.UTC())
	if err != nil {
		return 0, persistErr("delete expired tokens", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("delete expired tokens", err)
	}
	return n, nil
}
