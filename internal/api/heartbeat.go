package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/metrics"
	"github.com/pixelfort/vmhub/internal/models"
)

// Binary names served to bootstrapping hosts, relative to cfg.BinaryDir.
const (
	gameBinaryName  = "server.x86_64"
	agentBinaryName = "vmagent"
)

// handleHeartbeat applies one agent report to the registry. The payload is
// validated strictly before anything is touched: a heartbeat rewrites the
// host's whole server table, so a bad one must be rejected outright.
func (s *Server) handleHeartbeat(c *gin.Context) {
	var hb models.HeartbeatRequest
	if err := c.ShouldBindJSON(&hb); err != nil {
		metrics.HeartbeatsRejected.Inc()
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}
	if err := s.validate.Struct(&hb); err != nil {
		metrics.HeartbeatsRejected.Inc()
		s.logger.Warn("malformed heartbeat",
			zap.String("host_id", hb.HostID),
			zap.Error(err))
		fail(c, CodeInvalidData, "malformed heartbeat")
		return
	}

	result, err := s.registry.ApplyHeartbeat(c.Request.Context(), &hb, c.ClientIP())
	if err != nil {
		metrics.HeartbeatsRejected.Inc()
		s.logger.Warn("heartbeat rejected",
			zap.String("host_id", hb.HostID),
			zap.Error(err))
		fail(c, CodeInvalidData, err.Error())
		return
	}

	c.JSON(http.StatusOK, models.HeartbeatResponse{Status: "ok", Command: result.Command})
}

// handleStartupLog records one bootstrap progress line. The write goes
// through the buffer: losing a log line on crash is acceptable, stalling a
// booting host is not.
func (s *Server) handleStartupLog(c *gin.Context) {
	var req models.StartupLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		fail(c, CodeMissingFields, "host_id and message are required")
		return
	}

	s.recorder.Enqueue(database.InsertStartupLogSQL, req.HostID, req.Message)
	s.logger.Info("host bootstrap",
		zap.String("host_id", req.HostID),
		zap.String("message", req.Message))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDownloadBinary(c *gin.Context) {
	s.serveBinary(c, gameBinaryName)
}

func (s *Server) handleDownloadAgent(c *gin.Context) {
	s.serveBinary(c, agentBinaryName)
}

func (s *Server) serveBinary(c *gin.Context, name string) {
	path := filepath.Join(s.cfg.BinaryDir, name)
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Error("binary missing", zap.String("path", path), zap.Error(err))
		fail(c, CodeItemNotFound, name+" is not available")
		return
	}

	s.logger.Info("serving binary",
		zap.String("name", name),
		zap.Int64("bytes", info.Size()),
		zap.String("to", c.ClientIP()))
	c.File(path)
}
