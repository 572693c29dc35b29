package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradestream/internal/metrics"
	"tradestream/logger"
	"tradestream/models"
	"tradestream/processor"
	"tradestream/reader"
	"tradestream/writer"
)

const (
	dateLayout          = "2006-01-02"
	internalErrorMsg    = "Internal server error"
	datasetNotFoundMsg  = "Dataset for given parameters not found"
	liveUnavailableMsg  = "Live feed is not enabled"
	listingUnavailable  = "Archive listing is not available"
	defaultCacheControl = 31557600 * time.Second
)

// fail writes the error envelope. Internal server error messages are
// replaced so their details never reach the client.
func (s *Server) fail(c *gin.Context, status int, msg string) {
	if status == http.StatusInternalServerError {
		msg = internalErrorMsg
	}
	c.Header("Content-Type", "application/json")
	c.Status(status)
	if err := writer.WriteError(c.Writer, msg); err != nil {
		s.log.WithComponent("http_server").WithError(err).Debug("failed to write error response")
	}
	c.Abort()
}

// dataset streams the sampled trades of one exchange, pair and day as a
// JSON array of [timestamp, price, side] tuples.
func (s *Server) dataset(c *gin.Context) {
	date, err := time.Parse(dateLayout, c.Param("date"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, fmt.Sprintf("Could not parse date: %v", err))
		return
	}
	pair, err := models.ParseTradePair(c.Param("pair"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, "Could not parse coin pair")
		return
	}
	ex, err := s.deps.Registry.Lookup(c.Param("exchange"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, fmt.Sprintf("Unknown exchange: %s", c.Param("exchange")))
		return
	}

	log := s.log.WithComponent("dataset").WithFields(logger.Fields{
		"request_id": c.GetString("request_id"),
		"exchange":   ex.Name,
		"pair":       pair.String(),
		"date":       date.Format(dateLayout),
	})

	ctx := c.Request.Context()
	stream, err := processor.Open(ctx, s.deps.Source, ex, pair, date)
	if err != nil {
		if errors.Is(err, reader.ErrNotFound) {
			s.fail(c, http.StatusNotFound, datasetNotFoundMsg)
			return
		}
		log.WithError(err).Error("failed to open dataset")
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	done := metrics.StreamStarted(ex.Name)
	defer done()

	c.Header("Content-Type", "application/json")
	c.Header("Cache-Control", s.cacheControl())
	c.Status(http.StatusOK)

	start := time.Now()
	stats, err := writer.WriteTrades(ctx, c.Writer, stream.Results(), log)
	metrics.AddTradesStreamed(ex.Name, stats.Written)
	metrics.AddParseErrors(ex.Name, stats.Dropped)

	log = log.WithFields(logger.Fields{
		"written":  stats.Written,
		"dropped":  stats.Dropped,
		"duration": time.Since(start).String(),
	})
	switch {
	case err != nil:
		log.WithError(err).Info("client went away before the dataset finished")
	case stats.ReadErr != nil:
		log.WithError(stats.ReadErr).Warn("dataset ended early")
	default:
		logger.LogDataFlowEntry(log, ex.Name, "http_client", stats.Written, "trade")
		metrics.EmitStreamCompleted(s.log, ex.Name, pair.String(), stats.Written, stats.Dropped)
	}
}

func (s *Server) cacheControl() string {
	maxAge := s.cfg.Server.CacheMaxAge
	if maxAge <= 0 {
		maxAge = defaultCacheControl
	}
	return fmt.Sprintf("public, max-age=%d", int64(maxAge/time.Second))
}

// listArchives lists the daily Binance archives published for a pair.
func (s *Server) listArchives(c *gin.Context) {
	pair, err := models.ParseTradePair(c.Param("pair"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, "Could not parse coin pair")
		return
	}
	if s.deps.Lister == nil {
		s.fail(c, http.StatusServiceUnavailable, listingUnavailable)
		return
	}

	objects, err := s.deps.Lister.ListArchives(c.Request.Context(), pair)
	if err != nil {
		s.log.WithComponent("listing").WithError(err).WithField("pair", pair.String()).Error("failed to list archives")
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair": pair.String(), "archives": objects})
}
