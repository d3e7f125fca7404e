package api

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/metrics"
)

// Context keys set by the auth middlewares.
const (
	ctxUserID    = "user_id"
	ctxAdminUser = "admin_user"
)

// maxSniffBytes bounds how much body the token sniffer will buffer.
const maxSniffBytes = 1 << 20

// recovery logs the panic with a stack trace and answers the uniform 500
// envelope. The cause never reaches the client.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic",
					zap.Any("panic", r),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"))
				fail(c, CodeInternal, "internal error")
			}
		}()
		c.Next()
	}
}

// rateLimit refuses clients that exhausted their per-address budget.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			metrics.RateLimited.Inc()
			fail(c, CodeRateLimited, "too many requests")
			return
		}
		c.Next()
	}
}

// playerAuth resolves the session token and stores the user id in the
// context. The token is taken from the Authorization header when present;
// the game client sends it as a token field in the JSON body instead, so
// the body is sniffed and restored for the handler's own bind.
func (s *Server) playerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = bodyToken(c)
		}
		if token == "" {
			fail(c, CodeInvalidToken, "missing token")
			return
		}

		userID, err := s.auth.Validate(c.Request.Context(), token)
		if err != nil {
			fail(c, CodeInvalidToken, "invalid or expired token")
			return
		}

		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// accessKeyAuth gates the agent-facing endpoints on the shared fleet key.
func (s *Server) accessKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if bearerToken(c) != s.cfg.AccessKey {
			fail(c, CodeInvalidAccessKey, "invalid access key")
			return
		}
		c.Next()
	}
}

// adminAuth validates the dashboard JWT.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.auth.ValidateAdminToken(bearerToken(c))
		if err != nil {
			fail(c, CodeInvalidToken, "invalid admin token")
			return
		}
		c.Set(ctxAdminUser, claims.Username)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// bodyToken extracts {"token": "..."} from the request body without
// consuming it.
func bodyToken(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSniffBytes))
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var probe struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Token
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}
