package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/models"
)

const (
	privateServerCost = 250
	subscriptionTerm  = 30 * 24 * time.Hour
)

type SubscribeResult struct {
	Cost       int64     `json:"cost"`
	NewBalance int64     `json:"new_balance"`
	Expires    time.Time `json:"expires"`
	ServerUID  string    `json:"server_uid"`
	Port       int       `json:"port"`
}

type PrivateStatus struct {
	Active        bool       `json:"active"`
	Expires       *time.Time `json:"expires,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
}

// Subscribe sells userID thirty days of private server. It debits the cost,
// persists the mark, then spawns the owner-bound server on the master agent.
// Re-subscribing while the server is still running extends the mark and keeps
// the uid; a failed spawn keeps the subscription, request_server re-binds
// once the server exists.
func (m *Service) Subscribe(ctx context.Context, userID int64) (*SubscribeResult, error) {
	pd, err := m.players.GetPlayerData(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pd.Currency < privateServerCost {
		return nil, &InsufficientFundsError{Required: privateServerCost, Balance: pd.Currency}
	}

	balance, err := m.ledger.DebitCurrency(ctx, userID, privateServerCost)
	if err != nil {
		if errors.Is(err, database.ErrInsufficientFunds) {
			return nil, &InsufficientFundsError{Required: privateServerCost, Balance: pd.Currency}
		}
		return nil, fmt.Errorf("debit private server cost: %w", err)
	}

	expires := time.Now().Add(subscriptionTerm)
	if err := m.players.SetPrivateServer(ctx, userID, true, expires); err != nil {
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	result := &SubscribeResult{
		Cost:       privateServerCost,
		NewBalance: balance,
		Expires:    expires,
	}

	if _, server, ok := m.registry.FindOwnedServer(userID); ok {
		result.ServerUID = server.UID
		result.Port = server.Port
		return result, nil
	}

	// Port 0: the agent's allocator picks the lowest free one.
	uid := models.PrivateServerUID(userID, m.cfg.MasterHostID)
	resp, err := m.local.Spawn(models.SpawnRequest{UID: uid, OwnerID: &userID, Private: true})
	if err != nil {
		m.logger.Error("private server spawn failed",
			zap.Int64("user_id", userID),
			zap.String("uid", uid),
			zap.Error(err))
		return nil, ErrSpawnFailed
	}

	result.ServerUID = resp.ServerUID
	result.Port = resp.Port
	return result, nil
}

// Cancel ends the subscription: graceful stop of the owner's server on the
// master, then the mark is cleared.
func (m *Service) Cancel(ctx context.Context, userID int64) error {
	pd, err := m.players.GetPlayerData(ctx, userID)
	if err != nil {
		return err
	}
	if !pd.PrivateServerActive {
		return ErrNoSubscription
	}

	uid := models.PrivateServerUID(userID, m.cfg.MasterHostID)
	if err := m.local.StopServer(uid, true); err != nil {
		// The mark is cleared regardless; the monitor reaps stragglers.
		m.logger.Warn("private server stop failed",
			zap.String("uid", uid),
			zap.Error(err))
	}

	if err := m.players.SetPrivateServer(ctx, userID, false, time.Time{}); err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}
	return nil
}

// Status reports the subscription state. An expired mark reads as inactive
// and is cleared in place.
func (m *Service) Status(ctx context.Context, userID int64) (*PrivateStatus, error) {
	pd, err := m.players.GetPlayerData(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &PrivateStatus{Active: pd.PrivateServerActive}
	if !status.Active || pd.PrivateServerExpires == nil {
		status.Active = false
		return status, nil
	}

	expires := *pd.PrivateServerExpires
	if time.Now().After(expires) {
		if err := m.players.SetPrivateServer(ctx, userID, false, time.Time{}); err != nil {
			m.logger.Warn("failed to clear expired subscription",
				zap.Int64("user_id", userID),
				zap.Error(err))
		}
		status.Active = false
		return status, nil
	}

	status.Expires = &expires
	status.DaysRemaining = int(time.Until(expires).Hours() / 24)
	return status, nil
}
