package database

import (
	"context"
	"fmt"
	"time"
)

// InsertStartupLogSQL is batched through the write buffer; the log content is
// diagnostic only.
const InsertStartupLogSQL = `INSERT INTO startup_logs (host_id, log) VALUES ($1, $2)`

func (db *DB) InsertStartupLog(ctx context.Context, hostID, log string) error {
	if _, err := db.Pool.Exec(ctx, InsertStartupLogSQL, hostID, log); err != nil {
		return fmt.Errorf("failed to insert startup log: %w", err)
	}
	return nil
}

func (db *DB) PruneStartupLogs(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	tag, err := db.Pool.Exec(ctx, `DELETE FROM startup_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune startup logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
