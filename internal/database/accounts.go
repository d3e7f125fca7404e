package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pixelfort/vmhub/internal/models"
)

var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("duplicate")

// CreateAccount inserts a new account plus its empty player_data row.
func (db *DB) CreateAccount(ctx context.Context, username, passwordHash string) (*models.Account, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var account models.Account
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, username, password_hash, created_at, last_login
	`, username, passwordHash).Scan(
		&account.ID,
		&account.Username,
		&account.PasswordHash,
		&account.CreatedAt,
		&account.LastLogin,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO player_data (user_id) VALUES ($1)`, account.ID); err != nil {
		return nil, fmt.Errorf("failed to create player data: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit account: %w", err)
	}

	return &account, nil
}

func (db *DB) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	var account models.Account
	err := db.Pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, last_login
		FROM accounts
		WHERE username = $1
	`, username).Scan(
		&account.ID,
		&account.Username,
		&account.PasswordHash,
		&account.CreatedAt,
		&account.LastLogin,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (db *DB) GetAccountByID(ctx context.Context, userID int64) (*models.Account, error) {
	var account models.Account
	err := db.Pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, last_login
		FROM accounts
		WHERE id = $1
	`, userID).Scan(
		&account.ID,
		&account.Username,
		&account.PasswordHash,
		&account.CreatedAt,
		&account.LastLogin,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// TouchLastLogin is non-critical and safe to batch through the write buffer.
const TouchLastLoginSQL = `UPDATE accounts SET last_login = NOW() WHERE id = $1`

func (db *DB) TouchLastLogin(ctx context.Context, userID int64) error {
	if _, err := db.Pool.Exec(ctx, TouchLastLoginSQL, userID); err != nil {
		return fmt.Errorf("failed to update last_login: %w", err)
	}
	return nil
}
