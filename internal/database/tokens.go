package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Session is a row in the tokens table.
type Session struct {
	Token     string
	UserID    int64
	CreatedAt time.Time
}

func (db *DB) InsertToken(ctx context.Context, token string, userID int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO tokens (token, user_id)
		VALUES ($1, $2)
	`, token, userID)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

func (db *DB) GetToken(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := db.Pool.QueryRow(ctx, `
		SELECT token, user_id, created_at
		FROM tokens
		WHERE token = $1
	`, token).Scan(&s.Token, &s.UserID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &s, nil
}

func (db *DB) DeleteToken(ctx context.Context, token string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes sessions older than maxAge and returns the count.
func (db *DB) DeleteExpiredTokens(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	tag, err := db.Pool.Exec(ctx, `DELETE FROM tokens WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
