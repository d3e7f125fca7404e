package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx both *pgxpool.Pool and pgx.Tx satisfy. Store
// methods run against it so tests can hand them a rolled-back transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SaveBarrier counts in-flight player-data writes so shutdown can wait for
// them. Implemented by the saves tracker.
type SaveBarrier interface {
	Start(userID int64, operation string) string
	Complete(saveID string, success bool)
}

type DB struct {
	Pool DBTX

	saves SaveBarrier
}

// SetSaveBarrier wires the barrier wrapping player-data writes. Call before
// serving; with a nil barrier writes are untracked.
func (db *DB) SetSaveBarrier(b SaveBarrier) { db.saves = b }

// trackSave registers one player-data write with the save barrier. Call the
// returned func with the write's outcome; clean refusals (not-found,
// insufficient funds) count as completed, only infrastructure failures are
// flagged.
func (db *DB) trackSave(userID int64, op string) func(err error) {
	if db.saves == nil {
		return func(error) {}
	}
	id := db.saves.Start(userID, op)
	return func(err error) {
		ok := err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientFunds)
		db.saves.Complete(id, ok)
	}
}

// Connect opens a pgx pool against databaseURL and verifies it with a ping.
func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	if pool, ok := db.Pool.(*pgxpool.Pool); ok {
		pool.Close()
	}
}
