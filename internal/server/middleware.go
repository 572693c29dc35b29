package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tradestream/internal/metrics"
	"tradestream/logger"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request with an id, reusing the caller's when given.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

// observe records request counts and latency per matched route.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "static"
		}
		elapsed := time.Since(start)
		metrics.ObserveRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), elapsed)

		s.log.WithComponent("http_server").WithFields(logger.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   elapsed.String(),
			"peer":       c.ClientIP(),
		}).Debug("request served")
	}
}

// basicAuth gates everything except health checks and /.well-known/.
// Failed attempts are logged and answered after a delay.
func (s *Server) basicAuth() gin.HandlerFunc {
	wantUser := []byte(s.cfg.Server.AuthUser)
	wantPassword := []byte(s.cfg.Server.AuthPassword)
	realm := fmt.Sprintf("Basic realm=%q", s.cfg.Tradestream.Name)

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/healthz" || strings.HasPrefix(path, "/.well-known/") {
			c.Next()
			return
		}

		user, password, ok := c.Request.BasicAuth()
		if ok &&
			subtle.ConstantTimeCompare([]byte(user), wantUser) == 1 &&
			subtle.ConstantTimeCompare([]byte(password), wantPassword) == 1 {
			c.Next()
			return
		}

		s.log.WithComponent("auth").WithFields(logger.Fields{
			"peer": c.ClientIP(),
			"user": user,
		}).Info("rejected login")

		wait(c.Request.Context(), s.authDelay)
		c.Header("WWW-Authenticate", realm)
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
