package main

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pixelfort/vmhub/config"
	"github.com/pixelfort/vmhub/internal/agent"
	"github.com/pixelfort/vmhub/internal/api"
	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/metrics"
	"github.com/pixelfort/vmhub/internal/models"
	"github.com/pixelfort/vmhub/internal/services/agents"
	"github.com/pixelfort/vmhub/internal/services/auth"
	"github.com/pixelfort/vmhub/internal/services/broadcast"
	"github.com/pixelfort/vmhub/internal/services/cleanup"
	"github.com/pixelfort/vmhub/internal/services/cloud"
	"github.com/pixelfort/vmhub/internal/services/lifecycle"
	"github.com/pixelfort/vmhub/internal/services/matchmaker"
	"github.com/pixelfort/vmhub/internal/services/ratelimit"
	"github.com/pixelfort/vmhub/internal/services/registry"
	"github.com/pixelfort/vmhub/internal/services/saves"
)

const (
	// httpDrainTimeout bounds how long in-flight requests may finish once a
	// shutdown signal arrives.
	httpDrainTimeout = 5 * time.Second

	// saveDrainTimeout bounds the wait for in-flight player-data saves. It
	// matches the window the worker agents get before their host is deleted.
	saveDrainTimeout = 30 * time.Second
)

// masterGameBinary is the game-server binary name under the binary
// directory, the same file /download_binary serves to worker hosts.
const masterGameBinary = "server.x86_64"

// registryReporter applies the master host's heartbeats to the registry
// in-process, skipping the HTTP round trip a worker agent makes.
type registryReporter struct {
	registry *registry.Registry
	peer     string
}

func (r *registryReporter) Report(ctx context.Context, hb *models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	result, err := r.registry.ApplyHeartbeat(ctx, hb, r.peer)
	if err != nil {
		return nil, err
	}
	return &models.HeartbeatResponse{Status: "ok", Command: result.Command}, nil
}

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	gin.SetMode(cfg.GinMode)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	applied, err := db.Migrate(context.Background(), cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	if applied > 0 {
		logger.Info("applied migrations", zap.Int("count", applied))
	}

	buffer := database.NewWriteBuffer(db, logger)
	buffer.Start()

	tracker := saves.NewTracker(logger)
	tracker.StartJanitor()
	db.SetSaveBarrier(tracker)

	masterID := models.MasterHostID(cfg.PublicAddress)

	reg := registry.New(db, logger)
	reg.RegisterMaster(masterID, cfg.PublicAddress)

	agentsClient := agents.NewClient(cfg.AccessKey, logger)
	cloudClient := cloud.NewClient(cfg.CloudToken, logger)
	provisioner := cloud.NewProvisioner(cloudClient, agentsClient, cloud.ProvisionerConfig{
		MasterURL:  cfg.ControlPlaneURL(),
		AccessKey:  cfg.AccessKey,
		ServerType: cfg.CloudServerType,
		Image:      cfg.CloudImage,
		Location:   cfg.CloudLocation,
		MaxServers: cfg.MaxServersPerHost,
		PortBase:   cfg.GamePortBase,
	}, logger)

	// The master host doubles as a worker: the same process manager a
	// provisioned host runs, driven in-process instead of over HTTP.
	masterAgent := agent.NewManager(&agent.Config{
		HostID:          masterID,
		ControlPlaneURL: cfg.ControlPlaneURL(),
		AccessKey:       cfg.AccessKey,
		GameServerBin:   filepath.Join(cfg.BinaryDir, masterGameBinary),
		MaxServers:      cfg.MaxServersInMaster,
		PortBase:        cfg.GamePortBase,
		ListenPort:      agent.DefaultListenPort,
	}, agent.NewExecRunner(logger), logger)

	monitor := lifecycle.NewMonitor(lifecycle.Config{
		MasterHostID:      masterID,
		HostIdleTimeout:   cfg.HostIdleTimeout,
		ServerIdleTimeout: cfg.ServerIdleTimeout,
	}, reg, agentsClient, masterAgent, provisioner, db, logger)

	bus := broadcast.NewBus(logger)
	maintenance := broadcast.NewMaintenance(bus, monitor, logger)

	dispatcher := matchmaker.New(matchmaker.Config{
		MasterHostID:       masterID,
		MasterAddress:      cfg.PublicAddress,
		MaxServersPerHost:  cfg.MaxServersPerHost,
		MaxServersInMaster: cfg.MaxServersInMaster,
		PlayersPerServer:   cfg.PlayersPerServer,
		GamePortBase:       cfg.GamePortBase,
	}, matchmaker.Deps{
		Registry:    reg,
		Players:     db,
		Ledger:      db,
		Local:       masterAgent,
		Agents:      agentsClient,
		Provisioner: provisioner,
		Maintenance: maintenance,
	}, logger)

	authService := auth.NewService(db, buffer, auth.Config{
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		JWTSecret:     cfg.JWTSecret,
		JWTExpiry:     cfg.JWTExpiry,
	}, logger)

	limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow, []string{cfg.PublicAddress}, logger)
	limiter.Start()

	clean := cleanup.NewService(db, masterAgent, masterID, logger)

	metrics.Register(reg, bus)

	srv := api.NewServer(api.Config{
		Port:          cfg.Port,
		Version:       cfg.Version,
		AccessKey:     cfg.AccessKey,
		BinaryDir:     cfg.BinaryDir,
		PublicAddress: cfg.PublicAddress,
	}, api.Deps{
		Auth:        authService,
		Matchmaker:  dispatcher,
		Registry:    reg,
		Store:       db,
		Recorder:    buffer,
		Bus:         bus,
		Maintenance: maintenance,
		Limiter:     limiter,
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Agent API for game processes running on this machine: they post player
	// counts and save notices to localhost:8081 exactly as they would on a
	// worker host. A shutdown request stops the master's game servers, never
	// the control plane itself.
	agentServer := agent.NewServer(agent.DefaultListenPort, cfg.AccessKey, masterAgent, func(graceful bool) {
		logger.Info("master host servers shutting down", zap.Bool("graceful", graceful))
		if graceful {
			masterAgent.Drain(context.Background())
		} else {
			masterAgent.StopAll(false)
		}
	}, logger)
	go func() {
		if err := agentServer.Start(runCtx); err != nil {
			logger.Error("master agent server stopped", zap.Error(err))
		}
	}()

	// The master's heartbeat loop keeps its registry entry as fresh as any
	// worker's. Failures here are registry applies, not network calls; the
	// control plane must not kill itself over them.
	masterBeats := agent.NewHeartbeats(masterAgent, &registryReporter{registry: reg, peer: cfg.PublicAddress}, func() {
		logger.Error("master heartbeat loop stopped")
	}, logger)
	go masterBeats.Run(runCtx)

	monitor.Start(runCtx)
	clean.Start()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("control plane up",
		zap.String("host_id", masterID),
		zap.String("port", cfg.Port),
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment))

	signals := agent.NewSignalHandler(func() {
		// Stop taking requests first, then the background loops, then wait
		// out in-flight saves before the pools close under them.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), httpDrainTimeout)
		if err := srv.Shutdown(drainCtx); err != nil {
			logger.Warn("http server shutdown incomplete", zap.Error(err))
		}
		cancelDrain()

		monitor.Stop()
		clean.Stop()
		limiter.Stop()
		maintenance.Stop()
		bus.Close()
		cancel()

		masterAgent.StopAll(true)

		waitCtx, cancelWait := context.WithTimeout(context.Background(), saveDrainTimeout)
		if !tracker.WaitAll(waitCtx) {
			logger.Warn("shutting down with saves still pending",
				zap.Int("pending", tracker.PendingCount()))
		}
		cancelWait()
		tracker.Stop()

		buffer.Stop()
		db.Close()
	}, logger)
	signals.Start(runCtx)
	signals.Wait()

	logger.Info("control plane exiting")
}
