// Package dashboard keeps a short in-memory history of metric events, log
// entries and host resource samples and serves them as JSON.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradestream/config"
	"tradestream/internal/metrics"
	"tradestream/logger"
)

const sampleInterval = 5 * time.Second

// Dashboard owns the history stores. Its routes are mounted on the main
// router by Register.
type Dashboard struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	summary       logger.StatsFunc
}

// New hooks the stores into the metric bus and the logger. It returns nil
// when the dashboard is disabled; a nil Dashboard is safe to use.
func New(cfg config.DashboardConfig, log *logger.Log, summary logger.StatsFunc) *Dashboard {
	if !cfg.Enabled {
		return nil
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	d := &Dashboard{
		cfg:         cfg,
		log:         log,
		metricStore: newMetricStore(cfg.MetricsHistory),
		logStore:    newLogStore(cfg.LogHistory, logrus.InfoLevel),
		sampler:     newResourceSampler(cfg.MetricsHistory, sampleInterval, "/", log),
		summary:     summary,
	}
	d.metricHandler = metrics.RegisterMetricHandler(d.metricStore.handle)
	log.AddHook(d.logStore)
	return d
}

// Start begins host resource sampling.
func (d *Dashboard) Start(ctx context.Context) {
	if d == nil {
		return
	}
	d.sampler.start(ctx)
}

// Close detaches from the metric bus, stops capturing logs and stops sampling.
func (d *Dashboard) Close() {
	if d == nil {
		return
	}
	metrics.UnregisterMetricHandler(d.metricHandler)
	d.logStore.close()
	d.sampler.stop()
}

// Register mounts the /api routes on r.
func (d *Dashboard) Register(r gin.IRoutes) {
	if d == nil {
		return
	}

	r.GET("/api/summary", func(c *gin.Context) {
		values := map[string]float64{}
		if d.summary != nil {
			values = d.summary()
		}
		c.JSON(http.StatusOK, gin.H{"summary": values})
	})

	r.GET("/api/metrics", func(c *gin.Context) {
		snapshot := d.metricStore.snapshot(c.Query("component"))
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	r.GET("/api/logs", func(c *gin.Context) {
		snapshot, err := d.logStore.snapshot(c.Query("level"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": snapshot})
	})

	r.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": d.sampler.snapshot()})
	})
}
