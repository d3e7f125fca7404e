package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/models"
	"github.com/pixelfort/vmhub/internal/services/auth"
	"github.com/pixelfort/vmhub/internal/services/matchmaker"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.cfg.Version})
}

func (s *Server) handleMaintenanceStatus(c *gin.Context) {
	enabled := s.maintenance.Enabled()
	status := "active"
	if enabled {
		status = "maintenance"
	}
	c.JSON(http.StatusOK, gin.H{"maintenance": enabled, "status": status})
}

func (s *Server) handleWeatherTypes(c *gin.Context) {
	types, err := s.store.ListWeatherTypes(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list weather types", zap.Error(err))
		fail(c, CodeInternal, "failed to list weather types")
		return
	}
	if types == nil {
		types = []database.WeatherType{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": types})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	account, token, err := s.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			fail(c, CodeAlreadyOwned, "username already taken")
			return
		}
		s.logger.Error("registration failed", zap.String("username", req.Username), zap.Error(err))
		fail(c, CodeInternal, "registration failed")
		return
	}

	c.JSON(http.StatusOK, models.AuthResponse{Success: true, UserID: account.ID, Token: token})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	account, token, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		// Unknown usernames and wrong passwords answer identically.
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, database.ErrNotFound) {
			fail(c, CodeInvalidToken, "invalid credentials")
			return
		}
		s.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		fail(c, CodeInternal, "login failed")
		return
	}

	c.JSON(http.StatusOK, models.AuthResponse{Success: true, UserID: account.ID, Token: token})
}

func (s *Server) handleLogout(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		token = bodyToken(c)
	}
	if token == "" {
		fail(c, CodeInvalidToken, "missing token")
		return
	}

	if err := s.auth.Logout(c.Request.Context(), token); err != nil {
		s.logger.Warn("logout failed", zap.Error(err))
		fail(c, CodeInternal, "logout failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleRequestServer answers the game client's join call with a flat
// {uid, address, port, host_id, private} assignment.
func (s *Server) handleRequestServer(c *gin.Context) {
	assignment, err := s.matchmaker.RequestServer(c.Request.Context(), userID(c))
	if err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// dispatchError translates matchmaker failures onto the wire vocabulary.
func (s *Server) dispatchError(c *gin.Context, err error) {
	var funds *matchmaker.InsufficientFundsError
	switch {
	case errors.Is(err, matchmaker.ErrMaintenance):
		fail(c, CodeMaintenance, "server is under maintenance")
	case errors.Is(err, matchmaker.ErrTimeout):
		fail(c, CodeTimeout, "timed out waiting for a server")
	case errors.Is(err, matchmaker.ErrProvisionFailed):
		fail(c, CodeProvisionFailed, "failed to create host")
	case errors.Is(err, matchmaker.ErrNoSubscription):
		fail(c, CodeInvalidData, "no active private subscription")
	case errors.As(err, &funds):
		fail(c, CodeInsufficientFunds, funds.Error())
	case errors.Is(err, database.ErrNotFound):
		fail(c, CodeUserNotFound, "user not found")
	default:
		s.logger.Error("dispatch failed", zap.Error(err))
		fail(c, CodeInternal, "internal error")
	}
}

type globalMessagesRequest struct {
	Token   string `json:"token"`
	SinceID int64  `json:"since_id"`
}

// handleGlobalMessages is the pull side of the broadcast bus: everything in
// the ring newer than the caller's cursor, plus the cursor to resume from.
func (s *Server) handleGlobalMessages(c *gin.Context) {
	var req globalMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	messages := s.bus.Since(req.SinceID)
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"messages":  messages,
			"latest_id": s.bus.LatestID(),
		},
	})
}

type datastoreSetRequest struct {
	Token string          `json:"token"`
	Key   string          `json:"key" binding:"required"`
	Value json.RawMessage `json:"value" binding:"required"`
}

type datastoreKeyRequest struct {
	Token string `json:"token"`
	Key   string `json:"key" binding:"required"`
}

func (s *Server) handleDatastoreSet(c *gin.Context) {
	var req datastoreSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	if err := s.store.DatastoreSet(c.Request.Context(), userID(c), req.Key, string(req.Value)); err != nil {
		s.logger.Error("datastore set failed", zap.String("key", req.Key), zap.Error(err))
		fail(c, CodeInternal, "datastore write failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": req.Key})
}

func (s *Server) handleDatastoreGet(c *gin.Context) {
	var req datastoreKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	value, err := s.store.DatastoreGet(c.Request.Context(), userID(c), req.Key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			fail(c, CodeItemNotFound, "key not found")
			return
		}
		s.logger.Error("datastore get failed", zap.String("key", req.Key), zap.Error(err))
		fail(c, CodeInternal, "datastore read failed")
		return
	}

	// Values written as JSON come back as JSON, everything else as a string.
	var out any = value
	if json.Valid([]byte(value)) {
		out = json.RawMessage(value)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": req.Key, "value": out})
}

func (s *Server) handleDatastoreDelete(c *gin.Context) {
	var req datastoreKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	if err := s.store.DatastoreDelete(c.Request.Context(), userID(c), req.Key); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			fail(c, CodeItemNotFound, "key not found")
			return
		}
		s.logger.Error("datastore delete failed", zap.String("key", req.Key), zap.Error(err))
		fail(c, CodeInternal, "datastore delete failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": req.Key})
}

func (s *Server) handlePrivateSubscribe(c *gin.Context) {
	result, err := s.matchmaker.Subscribe(c.Request.Context(), userID(c))
	if err != nil {
		if errors.Is(err, matchmaker.ErrSpawnFailed) {
			// The subscription stands; request_server re-binds once the
			// server exists.
			fail(c, CodeInternal, "failed to spawn private server")
			return
		}
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (s *Server) handlePrivateCancel(c *gin.Context) {
	if err := s.matchmaker.Cancel(c.Request.Context(), userID(c)); err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "private server subscription cancelled"})
}

func (s *Server) handlePrivateStatus(c *gin.Context) {
	status, err := s.matchmaker.Status(c.Request.Context(), userID(c))
	if err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}
