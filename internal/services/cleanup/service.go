package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

const (
	schedule     = "@every 1m"
	sweepTimeout = 30 * time.Second

	tokenMaxAge      = 30 * 24 * time.Hour
	startupLogMaxAge = 7 * 24 * time.Hour
)

// Store is the database slice the sweeps touch.
type Store interface {
	DeleteExpiredTokens(ctx context.Context, maxAge time.Duration) (int64, error)
	ExpirePrivateSubscriptions(ctx context.Context) ([]int64, error)
	DeleteExhaustedPayments(ctx context.Context) (int64, error)
	PruneStartupLogs(ctx context.Context, maxAge time.Duration) (int64, error)
}

// LocalAgent stops the master's private servers when their subscriptions
// lapse.
type LocalAgent interface {
	StopServer(uid string, graceful bool) error
}

// Service runs the periodic database sweeps: expired session tokens, lapsed
// private subscriptions (plus their servers), exhausted payment retries and
// old startup logs.
type Service struct {
	store        Store
	local        LocalAgent
	masterHostID string
	logger       *zap.Logger
	cron         *cron.Cron
}

func NewService(store Store, local LocalAgent, masterHostID string, logger *zap.Logger) *Service {
	s := &Service{
		store:        store,
		local:        local,
		masterHostID: masterHostID,
		logger:       logger,
		cron:         cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		s.logger.Error("failed to schedule cleanup sweep", zap.Error(err))
	}
	return s
}

func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("cleanup sweeps scheduled", zap.String("schedule", schedule))
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	start := time.Now()

	tokens, err := s.store.DeleteExpiredTokens(ctx, tokenMaxAge)
	if err != nil {
		s.logger.Error("failed to delete expired tokens", zap.Error(err))
	}

	expired, err := s.store.ExpirePrivateSubscriptions(ctx)
	if err != nil {
		s.logger.Error("failed to expire private subscriptions", zap.Error(err))
	}
	for _, userID := range expired {
		// The next heartbeat drops the stopped server from the registry and
		// clears any binding to it.
		uid := models.PrivateServerUID(userID, s.masterHostID)
		if err := s.local.StopServer(uid, true); err != nil {
			s.logger.Warn("failed to stop expired private server",
				zap.Int64("user_id", userID),
				zap.String("server_uid", uid),
				zap.Error(err))
		}
	}

	payments, err := s.store.DeleteExhaustedPayments(ctx)
	if err != nil {
		s.logger.Error("failed to delete exhausted payments", zap.Error(err))
	}

	logs, err := s.store.PruneStartupLogs(ctx, startupLogMaxAge)
	if err != nil {
		s.logger.Error("failed to prune startup logs", zap.Error(err))
	}

	summary := s.logger.Debug
	if tokens > 0 || len(expired) > 0 || payments > 0 || logs > 0 {
		summary = s.logger.Info
	}
	summary("cleanup sweep complete",
		zap.Int64("tokens_deleted", tokens),
		zap.Int("subscriptions_expired", len(expired)),
		zap.Int64("payments_dropped", payments),
		zap.Int64("startup_logs_pruned", logs),
		zap.Duration("elapsed", time.Since(start)))
}
