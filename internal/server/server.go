// Package server exposes historical datasets, the archive listing and the
// live feed over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradestream/config"
	"tradestream/internal/channel"
	"tradestream/internal/dashboard"
	"tradestream/logger"
	"tradestream/models"
	"tradestream/processor"
	"tradestream/reader/binance"
)

const (
	shutdownTimeout = 5 * time.Second
	authFailDelay   = time.Second
)

// ArchiveLister lists the archives available for a Binance pair.
type ArchiveLister interface {
	ListArchives(ctx context.Context, pair models.TradePair) ([]binance.ArchiveObject, error)
}

// Deps are the collaborators the handlers use. Lister, Feed and Dashboard
// may be nil; their routes then answer 503 or are not mounted.
type Deps struct {
	Registry  processor.Registry
	Source    processor.ArchiveSource
	Lister    ArchiveLister
	Feed      *channel.Broadcaster
	Dashboard *dashboard.Dashboard
}

type Server struct {
	cfg       *config.Config
	log       *logger.Log
	deps      Deps
	upgrader  websocket.Upgrader
	authDelay time.Duration

	httpServer *http.Server
}

func New(cfg *config.Config, log *logger.Log, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		log:  log,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		authDelay: authFailDelay,
	}
}

// Address reports the configured listen address.
func (s *Server) Address() string {
	return s.cfg.Server.Address
}

// Run serves until ctx is cancelled or the listener fails. Request
// contexts derive from ctx so streams and live sockets end on shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log := s.log.WithComponent("http_server")
	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", s.cfg.Server.Address).Info("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		log.Info("http server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.observe(), s.cors())
	if s.cfg.Server.AuthEnabled() {
		router.Use(s.basicAuth())
	}
	_ = router.SetTrustedProxies(nil)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/dataset/:exchange/:pair/:date", s.dataset)
	router.GET("/datasets/binance/:pair", s.listArchives)
	router.GET("/live", s.live)

	s.deps.Dashboard.Register(router)

	if dir := s.cfg.Server.StaticDir; dir != "" {
		router.Static("/.well-known", dir+"/.well-known")
		files := http.FileServer(http.Dir(dir))
		router.NoRoute(gin.WrapH(files))
	}
	return router
}
