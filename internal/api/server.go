package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/models"
	"github.com/pixelfort/vmhub/internal/services/auth"
	"github.com/pixelfort/vmhub/internal/services/broadcast"
	"github.com/pixelfort/vmhub/internal/services/matchmaker"
	"github.com/pixelfort/vmhub/internal/services/ratelimit"
	"github.com/pixelfort/vmhub/internal/services/registry"
)

// AuthService is the account and session surface the front adapter drives.
type AuthService interface {
	Register(ctx context.Context, username, password string) (*models.Account, string, error)
	Login(ctx context.Context, username, password string) (*models.Account, string, error)
	Logout(ctx context.Context, token string) error
	Validate(ctx context.Context, token string) (int64, error)
	AdminLogin(username, password string) (string, error)
	ValidateAdminToken(token string) (*auth.AdminClaims, error)
}

// Dispatcher is the matchmaker: public server dispatch plus the private
// subscription operations.
type Dispatcher interface {
	RequestServer(ctx context.Context, userID int64) (*models.Assignment, error)
	Subscribe(ctx context.Context, userID int64) (*matchmaker.SubscribeResult, error)
	Cancel(ctx context.Context, userID int64) error
	Status(ctx context.Context, userID int64) (*matchmaker.PrivateStatus, error)
}

// Fleet is the registry slice behind the heartbeat and admin endpoints.
type Fleet interface {
	ApplyHeartbeat(ctx context.Context, hb *models.HeartbeatRequest, peerAddr string) (*registry.HeartbeatResult, error)
	Hosts() []models.HostInfo
	Stats() registry.Stats
}

// GameStore is the database slice behind the datastore and weather
// endpoints.
type GameStore interface {
	DatastoreSet(ctx context.Context, userID int64, key, value string) error
	DatastoreGet(ctx context.Context, userID int64, key string) (string, error)
	DatastoreDelete(ctx context.Context, userID int64, key string) error
	ListWeatherTypes(ctx context.Context) ([]database.WeatherType, error)
	AddWeatherType(ctx context.Context, name string, weight int) error
	RemoveWeatherType(ctx context.Context, name string) error
}

// LogRecorder batches non-critical writes; startup-log lines go through it.
type LogRecorder interface {
	Enqueue(sql string, args ...any)
}

type Config struct {
	Port          string
	Version       string
	AccessKey     string
	BinaryDir     string
	PublicAddress string
}

// Deps collects every collaborator the front adapter calls. Bus, maintenance
// and limiter are concrete: they are in-memory components shared with the
// rest of the process.
type Deps struct {
	Auth        AuthService
	Matchmaker  Dispatcher
	Registry    Fleet
	Store       GameStore
	Recorder    LogRecorder
	Bus         *broadcast.Bus
	Maintenance *broadcast.Maintenance
	Limiter     *ratelimit.Limiter
}

// Server is the control plane's HTTP front: player endpoints, agent
// endpoints, the broadcast stream and the admin dashboard, all behind one
// gin engine.
type Server struct {
	cfg    Config
	logger *zap.Logger

	auth        AuthService
	matchmaker  Dispatcher
	registry    Fleet
	store       GameStore
	recorder    LogRecorder
	bus         *broadcast.Bus
	maintenance *broadcast.Maintenance
	limiter     *ratelimit.Limiter
	validate    *validator.Validate

	httpServer *http.Server
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		auth:        deps.Auth,
		matchmaker:  deps.Matchmaker,
		registry:    deps.Registry,
		store:       deps.Store,
		recorder:    deps.Recorder,
		bus:         deps.Bus,
		maintenance: deps.Maintenance,
		limiter:     deps.Limiter,
		validate:    validator.New(),
	}
	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.Router(),
	}
	return s
}

// Router builds the gin engine with the full route table. Middleware order:
// recovery, rate limit, then per-group auth.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.logger))
	r.Use(s.rateLimit())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/version", s.handleVersion)
	r.GET("/maintenance_status", s.handleMaintenanceStatus)
	r.GET("/weather_types", s.handleWeatherTypes)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/messages", s.handleMessagesStream)
	r.POST("/global_messages", s.handleGlobalMessages)

	authRoutes := r.Group("/auth")
	{
		authRoutes.POST("/register", s.handleRegister)
		authRoutes.POST("/login", s.handleLogin)
		authRoutes.POST("/logout", s.handleLogout)
	}

	player := r.Group("")
	player.Use(s.playerAuth())
	{
		player.POST("/request_server", s.handleRequestServer)

		datastore := player.Group("/datastore")
		{
			datastore.POST("/set", s.handleDatastoreSet)
			datastore.POST("/get", s.handleDatastoreGet)
			datastore.POST("/delete", s.handleDatastoreDelete)
		}

		private := player.Group("/private_server")
		{
			private.POST("/subscribe", s.handlePrivateSubscribe)
			private.POST("/cancel", s.handlePrivateCancel)
			private.POST("/status", s.handlePrivateStatus)
		}
	}

	agents := r.Group("")
	agents.Use(s.accessKeyAuth())
	{
		agents.POST("/vm/heartbeat", s.handleHeartbeat)
		agents.POST("/vm/startup_log", s.handleStartupLog)
		agents.POST("/download_binary", s.handleDownloadBinary)
		agents.POST("/download_agent", s.handleDownloadAgent)
	}

	r.POST("/admin/login", s.handleAdminLogin)
	admin := r.Group("/admin")
	admin.Use(s.adminAuth())
	{
		admin.GET("/stats", s.handleAdminStats)
		admin.GET("/hosts", s.handleAdminHosts)
		admin.POST("/broadcast", s.handleAdminBroadcast)
		admin.POST("/maintenance", s.handleAdminMaintenance)
		admin.POST("/weather", s.handleAdminWeatherAdd)
		admin.DELETE("/weather/:name", s.handleAdminWeatherRemove)
	}

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
