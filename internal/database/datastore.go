package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// The datastore is a per-user key/value table used by the game for anything
// that is not structured player data.

func (db *DB) DatastoreSet(ctx context.Context, userID int64, key, value string) (err error) {
	done := db.trackSave(userID, "datastore_set")
	defer func() { done(err) }()

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO datastores (user_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set datastore key: %w", err)
	}
	return nil
}

func (db *DB) DatastoreGet(ctx context.Context, userID int64, key string) (string, error) {
	var value string
	err := db.Pool.QueryRow(ctx, `
		SELECT value FROM datastores WHERE user_id = $1 AND key = $2
	`, userID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get datastore key: %w", err)
	}
	return value, nil
}

func (db *DB) DatastoreDelete(ctx context.Context, userID int64, key string) (err error) {
	done := db.trackSave(userID, "datastore_delete")
	defer func() { done(err) }()

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM datastores WHERE user_id = $1 AND key = $2
	`, userID, key)
	if err != nil {
		return fmt.Errorf("failed to delete datastore key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
