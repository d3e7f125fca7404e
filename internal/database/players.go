package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pixelfort/vmhub/internal/models"
)

// ErrInsufficientFunds is returned when a debit would take a balance negative.
var ErrInsufficientFunds = errors.New("insufficient funds")

func (db *DB) GetPlayerData(ctx context.Context, userID int64) (*models.PlayerData, error) {
	var pd models.PlayerData
	err := db.Pool.QueryRow(ctx, `
		SELECT user_id, server_id, currency, private_server_active, private_server_expires,
		       schema_version, last_updated
		FROM player_data
		WHERE user_id = $1
	`, userID).Scan(
		&pd.UserID,
		&pd.ServerID,
		&pd.Currency,
		&pd.PrivateServerActive,
		&pd.PrivateServerExpires,
		&pd.SchemaVersion,
		&pd.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get player data: %w", err)
	}
	return &pd, nil
}

// SetPlayerServer records the player binding. Durable before the matchmaker
// response returns.
func (db *DB) SetPlayerServer(ctx context.Context, userID int64, serverUID string) (err error) {
	done := db.trackSave(userID, "set_server")
	defer func() { done(err) }()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE player_data SET server_id = $1, last_updated = NOW() WHERE user_id = $2
	`, serverUID, userID)
	if err != nil {
		return fmt.Errorf("failed to set player server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ClearPlayerServer(ctx context.Context, userID int64) (err error) {
	done := db.trackSave(userID, "clear_server")
	defer func() { done(err) }()

	_, err = db.Pool.Exec(ctx, `
		UPDATE player_data SET server_id = NULL, last_updated = NOW() WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear player server: %w", err)
	}
	return nil
}

// ClearServerBindings nulls every player binding that points at one of the
// removed server uids. Reapers call this after dropping uids from the registry.
func (db *DB) ClearServerBindings(ctx context.Context, serverUIDs []string) (int64, error) {
	if len(serverUIDs) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE player_data SET server_id = NULL, last_updated = NOW()
		WHERE server_id = ANY($1)
	`, serverUIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to clear server bindings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DebitCurrency subtracts amount atomically, failing without a write when the
// balance is too low.
func (db *DB) DebitCurrency(ctx context.Context, userID int64, amount int64) (balance int64, err error) {
	done := db.trackSave(userID, "debit_currency")
	defer func() { done(err) }()

	err = db.Pool.QueryRow(ctx, `
		UPDATE player_data
		SET currency = currency - $1, last_updated = NOW()
		WHERE user_id = $2 AND currency >= $1
		RETURNING currency
	`, amount, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either no such player or not enough currency; disambiguate.
			if _, lookupErr := db.GetPlayerData(ctx, userID); lookupErr != nil {
				return 0, lookupErr
			}
			return 0, ErrInsufficientFunds
		}
		return 0, fmt.Errorf("failed to debit currency: %w", err)
	}
	return balance, nil
}

func (db *DB) CreditCurrency(ctx context.Context, userID int64, amount int64) (balance int64, err error) {
	done := db.trackSave(userID, "credit_currency")
	defer func() { done(err) }()

	err = db.Pool.QueryRow(ctx, `
		UPDATE player_data
		SET currency = currency + $1, last_updated = NOW()
		WHERE user_id = $2
		RETURNING currency
	`, amount, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to credit currency: %w", err)
	}
	return balance, nil
}

// SetPrivateServer flips the subscription mark. expires is ignored when
// active is false.
func (db *DB) SetPrivateServer(ctx context.Context, userID int64, active bool, expires time.Time) (err error) {
	done := db.trackSave(userID, "private_mark")
	defer func() { done(err) }()

	if active {
		_, err = db.Pool.Exec(ctx, `
			UPDATE player_data
			SET private_server_active = TRUE, private_server_expires = $1, last_updated = NOW()
			WHERE user_id = $2
		`, expires, userID)
	} else {
		_, err = db.Pool.Exec(ctx, `
			UPDATE player_data
			SET private_server_active = FALSE, private_server_expires = NULL, last_updated = NOW()
			WHERE user_id = $1
		`, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to update private server mark: %w", err)
	}
	return nil
}

// ExpirePrivateSubscriptions deactivates marks whose expiry has passed and
// returns the affected user ids so their servers can be stopped.
func (db *DB) ExpirePrivateSubscriptions(ctx context.Context) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE player_data
		SET private_server_active = FALSE, private_server_expires = NULL, last_updated = NOW()
		WHERE private_server_active = TRUE AND private_server_expires < NOW()
		RETURNING user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to expire private subscriptions: %w", err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired subscription: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}
