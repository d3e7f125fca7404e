package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PendingPayments_QueueLifecycle(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, db)

	id, err := db.InsertPendingPayment(ctx, account.ID, "receipt-abc", "private_server_30d")
	require.NoError(t, err)
	require.NotZero(t, id)

	// A fresh row waits out the retry spacing before it is due.
	due, err := db.DuePendingPayments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a just-inserted payment must not be due yet")

	_, err = db.Pool.Exec(ctx,
		`UPDATE pending_payments SET next_attempt_at = NOW() - INTERVAL '1 minute' WHERE id = $1`, id)
	require.NoError(t, err)

	due, err = db.DuePendingPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, account.ID, due[0].UserID)
	assert.Equal(t, "receipt-abc", due[0].Receipt)
	assert.Equal(t, "private_server_30d", due[0].ProductID)
	assert.Zero(t, due[0].Attempts)

	// A bump counts the attempt and pushes the next one out.
	require.NoError(t, db.BumpPaymentAttempt(ctx, id))
	due, err = db.DuePendingPayments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a bumped payment must wait for its next attempt window")

	require.NoError(t, db.DeletePendingPayment(ctx, id))
	var count int
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pending_payments WHERE id = $1`, id).Scan(&count))
	assert.Zero(t, count, "a settled payment should leave the queue")
}

func Test_DuePendingPayments_SkipsExhausted(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, db)

	id, err := db.InsertPendingPayment(ctx, account.ID, "receipt-dead", "private_server_30d")
	require.NoError(t, err)
	_, err = db.Pool.Exec(ctx,
		`UPDATE pending_payments SET attempts = 5, next_attempt_at = NOW() - INTERVAL '1 minute' WHERE id = $1`, id)
	require.NoError(t, err)

	due, err := db.DuePendingPayments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a payment out of attempts must never come up for retry")
}

func Test_DeleteExhaustedPayments(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, db)

	live, err := db.InsertPendingPayment(ctx, account.ID, "receipt-live", "private_server_30d")
	require.NoError(t, err)

	dead, err := db.InsertPendingPayment(ctx, account.ID, "receipt-dead", "private_server_30d")
	require.NoError(t, err)
	_, err = db.Pool.Exec(ctx,
		`UPDATE pending_payments SET attempts = 5 WHERE id = $1`, dead)
	require.NoError(t, err)

	dropped, err := db.DeleteExhaustedPayments(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dropped)

	var count int
	require.NoError(t, db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pending_payments WHERE id = $1`, live).Scan(&count))
	assert.Equal(t, 1, count, "payments with attempts left must survive the sweep")
}
