package database

import (
	"context"
	"fmt"
	"time"
)

// Pending payments are the dependency contract with the external payment
// verifier: failed verifications are parked here and retried at most
// maxPaymentAttempts times with at least retrySpacing between attempts.
// The verification itself lives outside this repository.

const (
	maxPaymentAttempts = 5
	retrySpacing       = 5 * time.Minute
)

// PaymentVerifier checks a purchase receipt with the payment provider. The
// retry worker that drains pending_payments implements this against the
// provider's API and runs outside the control plane; DuePendingPayments,
// BumpPaymentAttempt and DeletePendingPayment are its queue surface.
type PaymentVerifier interface {
	Verify(ctx context.Context, userID int64, receipt, productID string) error
}

type PendingPayment struct {
	ID            int64
	UserID        int64
	Receipt       string
	ProductID     string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

func (db *DB) InsertPendingPayment(ctx context.Context, userID int64, receipt, productID string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO pending_payments (user_id, receipt, product_id, next_attempt_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, userID, receipt, productID, time.Now().Add(retrySpacing)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending payment: %w", err)
	}
	return id, nil
}

// DuePendingPayments returns payments ready for a retry attempt.
func (db *DB) DuePendingPayments(ctx context.Context, limit int) ([]PendingPayment, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, receipt, product_id, attempts, next_attempt_at, created_at
		FROM pending_payments
		WHERE next_attempt_at <= NOW() AND attempts < $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, maxPaymentAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payments: %w", err)
	}
	defer rows.Close()

	var payments []PendingPayment
	for rows.Next() {
		var p PendingPayment
		if err := rows.Scan(&p.ID, &p.UserID, &p.Receipt, &p.ProductID, &p.Attempts, &p.NextAttemptAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (db *DB) BumpPaymentAttempt(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE pending_payments
		SET attempts = attempts + 1, next_attempt_at = $1
		WHERE id = $2
	`, time.Now().Add(retrySpacing), id)
	if err != nil {
		return fmt.Errorf("failed to bump payment attempt: %w", err)
	}
	return nil
}

func (db *DB) DeletePendingPayment(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM pending_payments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending payment: %w", err)
	}
	return nil
}

// DeleteExhaustedPayments drops rows that used up all retry attempts.
func (db *DB) DeleteExhaustedPayments(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM pending_payments WHERE attempts >= $1
	`, maxPaymentAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to delete exhausted payments: %w", err)
	}
	return tag.RowsAffected(), nil
}
