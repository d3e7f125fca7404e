package agent

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// SignalHandler turns SIGTERM/SIGINT into a graceful shutdown callback. Both
// binaries use it.
type SignalHandler struct {
	shutdown func()
	logger   *zap.Logger
	sigCh    chan os.Signal
	doneCh   chan struct{}
}

func NewSignalHandler(shutdown func(), logger *zap.Logger) *SignalHandler {
	return &SignalHandler{
		shutdown: shutdown,
		logger:   logger,
		sigCh:    make(chan os.Signal, 1),
		doneCh:   make(chan struct{}),
	}
}

// Start begins listening for shutdown signals.
func (h *SignalHandler) Start(ctx context.Context) {
	signal.Notify(h.sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer close(h.doneCh)

		select {
		case sig := <-h.sigCh:
			h.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			h.shutdown()
		case <-ctx.Done():
		}
	}()
}

// Wait blocks until a signal arrived and the shutdown callback returned, or
// the listen context ended.
func (h *SignalHandler) Wait() {
	<-h.doneCh
}

// Stop stops listening for signals.
func (h *SignalHandler) Stop() {
	signal.Stop(h.sigCh)
}
