package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/database"
	"github.com/pixelfort/vmhub/internal/services/auth"
)

type adminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	var req adminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	token, err := s.auth.AdminLogin(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			fail(c, CodeInvalidToken, "invalid credentials")
			return
		}
		s.logger.Error("admin login failed", zap.Error(err))
		fail(c, CodeInternal, "admin login failed")
		return
	}

	s.logger.Info("admin logged in", zap.String("username", req.Username))
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

// handleAdminStats returns the fleet summary plus the control plane's own
// system figures. gopsutil failures degrade to zeros rather than failing
// the dashboard.
func (s *Server) handleAdminStats(c *gin.Context) {
	stats := s.registry.Stats()

	var cpuPercent float64
	if percs, err := cpu.Percent(0, false); err == nil && len(percs) > 0 {
		cpuPercent = percs[0]
	}
	var memPercent float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	var diskPercent float64
	if du, err := disk.Usage("/"); err == nil {
		diskPercent = du.UsedPercent
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"hosts":       stats.HostsByStatus,
			"servers":     stats.Servers,
			"players":     stats.Players,
			"subscribers": s.bus.SubscriberCount(),
			"maintenance": s.maintenance.Enabled(),
			"system": gin.H{
				"cpu_percent":    cpuPercent,
				"memory_percent": memPercent,
				"disk_percent":   diskPercent,
			},
		},
	})
}

func (s *Server) handleAdminHosts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.registry.Hosts()})
}

type adminBroadcastRequest struct {
	Type       string            `json:"type" binding:"required"`
	Properties map[string]string `json:"properties"`
}

func (s *Server) handleAdminBroadcast(c *gin.Context) {
	var req adminBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	msg := s.bus.Add(req.Type, req.Properties)
	s.logger.Info("admin broadcast",
		zap.String("admin", c.GetString(ctxAdminUser)),
		zap.String("type", req.Type),
		zap.Int64("message_id", msg.ID))
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msg})
}

type adminMaintenanceRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleAdminMaintenance(c *gin.Context) {
	var req adminMaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}

	s.maintenance.Set(*req.Enabled)
	s.logger.Warn("maintenance mode changed",
		zap.String("admin", c.GetString(ctxAdminUser)),
		zap.Bool("enabled", *req.Enabled))
	c.JSON(http.StatusOK, gin.H{"success": true, "maintenance": *req.Enabled})
}

type adminWeatherRequest struct {
	Name   string `json:"name" binding:"required"`
	Weight int    `json:"weight"`
}

func (s *Server) handleAdminWeatherAdd(c *gin.Context) {
	var req adminWeatherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		code, msg := bindError(err)
		fail(c, code, msg)
		return
	}
	if req.Weight <= 0 {
		req.Weight = 1
	}

	if err := s.store.AddWeatherType(c.Request.Context(), req.Name, req.Weight); err != nil {
		s.logger.Error("failed to add weather type", zap.String("name", req.Name), zap.Error(err))
		fail(c, CodeInternal, "failed to add weather type")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "name": req.Name})
}

func (s *Server) handleAdminWeatherRemove(c *gin.Context) {
	name := c.Param("name")
	if err := s.store.RemoveWeatherType(c.Request.Context(), name); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			fail(c, CodeItemNotFound, "weather type not found")
			return
		}
		s.logger.Error("failed to remove weather type", zap.String("name", name), zap.Error(err))
		fail(c, CodeInternal, "failed to remove weather type")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name})
}
