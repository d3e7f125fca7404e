package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pixelfort/vmhub/internal/agent"
	"github.com/pixelfort/vmhub/internal/models"
)

// initialSpawnDelay gives the agent server a moment to come up before the
// first game server starts; the control plane polls /status for it.
const initialSpawnDelay = 5 * time.Second

func main() {
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.TimeKey = "timestamp"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := logConfig.Build()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("worker agent starting")

	cfg, err := agent.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("host_id", cfg.HostID),
		zap.String("control_plane", cfg.ControlPlaneURL),
		zap.String("game_binary", cfg.GameServerBin),
		zap.Int("max_servers", cfg.MaxServers),
		zap.Int("port_base", cfg.PortBase),
		zap.Int("listen_port", cfg.ListenPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := agent.NewClient(cfg.ControlPlaneURL, cfg.HostID, cfg.AccessKey, logger)

	// The bootstrap script fetches the binary on fresh hosts; this covers
	// agent restarts on a wiped disk.
	if err := client.DownloadGameBinary(ctx, cfg.GameServerBin); err != nil {
		logger.Fatal("failed to fetch game binary", zap.Error(err))
	}
	if err := client.ReportStartup(ctx, "agent online"); err != nil {
		logger.Warn("failed to report startup", zap.Error(err))
	}

	manager := agent.NewManager(cfg, agent.NewExecRunner(logger), logger)

	// Exactly one shutdown runs, whether it comes from a signal, the
	// control plane's heartbeat command or the agent HTTP endpoint.
	var shutdownOnce sync.Once
	done := make(chan struct{})
	requestShutdown := func(graceful bool) {
		shutdownOnce.Do(func() {
			go func() {
				defer close(done)
				logger.Info("shutting down", zap.Bool("graceful", graceful))
				if graceful {
					manager.Drain(context.Background())
				} else {
					manager.ForceStop()
				}
				cancel()
			}()
		})
	}

	server := agent.NewServer(cfg.ListenPort, cfg.AccessKey, manager, requestShutdown, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("agent server error", zap.Error(err))
		}
	}()

	heartbeats := agent.NewHeartbeats(manager, client, func() { requestShutdown(true) }, logger)
	go heartbeats.Run(ctx)

	// First server comes up shortly after boot so the host turns active
	// with capacity to hand out.
	go func() {
		select {
		case <-time.After(initialSpawnDelay):
		case <-ctx.Done():
			return
		}
		if _, err := manager.Spawn(models.SpawnRequest{}); err != nil && !errors.Is(err, agent.ErrDraining) {
			logger.Error("initial spawn failed", zap.Error(err))
		}
	}()

	signalHandler := agent.NewSignalHandler(func() { requestShutdown(true) }, logger)
	signalHandler.Start(ctx)

	<-done
	signalHandler.Stop()
	logger.Info("worker agent exiting")
}
