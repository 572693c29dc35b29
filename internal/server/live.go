package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradestream/internal/metrics"
	"tradestream/logger"
)

const (
	liveWriteWait    = 10 * time.Second
	livePingInterval = 30 * time.Second
)

// live relays feed events to a browser websocket. Each connection holds
// its own subscription; a client that cannot be written to is dropped.
func (s *Server) live(c *gin.Context) {
	feed := s.deps.Feed
	if feed == nil {
		s.fail(c, http.StatusServiceUnavailable, liveUnavailableMsg)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("live").WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := feed.Subscribe(s.cfg.Channels.SubscriberBuffer)
	defer feed.Unsubscribe(sub.ID)

	log := s.log.WithComponent("live").WithFields(logger.Fields{
		"request_id": c.GetString("request_id"),
		"subscriber": sub.ID,
		"peer":       c.ClientIP(),
	})
	log.Info("live client connected")
	defer log.Info("live client disconnected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only to notice the client closing; control frames are
	// handled by the default handlers.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			closeLive(conn, websocket.CloseGoingAway)
			return
		case msg, ok := <-sub.C:
			if !ok {
				closeLive(conn, websocket.CloseGoingAway)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				metrics.EmitDropMetric(s.log, metrics.DropMetricLiveClient, "binance", msg.Symbol, "live")
				log.WithError(err).Debug("failed to write to live client")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				log.WithError(err).Debug("failed to ping live client")
				return
			}
		}
	}
}

func closeLive(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
