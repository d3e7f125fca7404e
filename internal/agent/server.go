package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

// Server is the agent's HTTP surface. Spawn and shutdown carry the shared
// access key; status and the game-process endpoints are local-trust (the
// game binary never learns the key).
type Server struct {
	port      int
	accessKey string
	manager   *Manager
	shutdown  func(graceful bool)
	logger    *zap.Logger

	httpServer *http.Server
}

func NewServer(port int, accessKey string, manager *Manager, shutdown func(graceful bool), logger *zap.Logger) *Server {
	return &Server{
		port:      port,
		accessKey: accessKey,
		manager:   manager,
		shutdown:  shutdown,
		logger:    logger,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting agent server", zap.Int("port", s.port))
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("agent server error: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/spawn_server", s.requireKey(s.handleSpawn))
	mux.HandleFunc("/shutdown", s.requireKey(s.handleShutdown))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/update_players", s.handleUpdatePlayers)
	mux.HandleFunc("/track_save", s.handleTrackSave)
	return mux
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != s.accessKey {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid_access_key"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	var req models.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}

	resp, err := s.manager.Spawn(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, ErrMaxServers):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "max_servers_reached"})
	case errors.Is(err, ErrDraining):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting_down"})
	case errors.Is(err, ErrPortInUse):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "port_in_use"})
	case errors.Is(err, ErrDuplicateUID):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate_uid"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "spawn_failed"})
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	var req models.ShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}

	s.logger.Info("shutdown requested", zap.Bool("graceful", req.Graceful))
	go s.shutdown(req.Graceful)

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "shutdown initiated"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleUpdatePlayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	var req models.UpdatePlayersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	if req.ServerUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_required_fields"})
		return
	}

	if err := s.manager.UpdatePlayers(req.ServerUID, req.Players); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "server_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTrackSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	var req models.TrackSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	if req.SaveID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_required_fields"})
		return
	}
	switch req.Status {
	case SaveStatusStart, SaveStatusComplete, SaveStatusFailed:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_data"})
		return
	}

	s.manager.TrackSave(req.SaveID, req.Status)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
