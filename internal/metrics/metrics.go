// Registers:
//
//	#tradestream_trades_streamed_total
//	#tradestream_parse_errors_total
//	#tradestream_active_streams
//	#tradestream_feed_messages_total
//	#tradestream_feed_reconnects_total
//	#tradestream_feed_faults_total
//	#tradestream_feed_connected
//	#tradestream_messages_dropped_total
//	#tradestream_http_requests_total
//	#tradestream_http_request_duration_seconds
//	#go_* and process_* system metrics
//
// The HTTP server exposes them on /metrics.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	once sync.Once

	tradesStreamed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradestream_trades_streamed_total",
			Help: "Number of trades written to dataset responses",
		},
		[]string{"exchange"},
	)
	parseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradestream_parse_errors_total",
			Help: "Number of archive rows dropped because they did not parse",
		},
		[]string{"exchange"},
	)
	activeStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradestream_active_streams",
			Help: "Dataset responses currently streaming",
		},
		[]string{"exchange"},
	)
	feedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradestream_feed_messages_total",
		Help: "Aggregated trade events received from the live feed",
	})
	feedReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradestream_feed_reconnects_total",
		Help: "Live feed reconnect attempts",
	})
	feedFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradestream_feed_faults_total",
			Help: "Live feed connection faults by reason",
		},
		[]string{"reason"},
	)
	feedConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradestream_feed_connected",
		Help: "1 while the live feed connection is active",
	})
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradestream_messages_dropped_total",
			Help: "Messages dropped because a channel was full",
		},
		[]string{"stage"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradestream_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradestream_http_request_duration_seconds",
			Help:    "HTTP request latency, including streamed bodies",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		},
		[]string{"route"},
	)
)

// process wide totals mirrored for the runtime report
var totals struct {
	tradesStreamed  atomic.Int64
	parseErrors     atomic.Int64
	activeStreams   atomic.Int64
	feedMessages    atomic.Int64
	feedReconnects  atomic.Int64
	messagesDropped atomic.Int64
}

// Init registers the collectors with reg, or the default registerer when
// reg is nil. Only the first call has an effect.
func Init(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		for _, c := range []prometheus.Collector{
			tradesStreamed, parseErrors, activeStreams,
			feedMessages, feedReconnects, feedFaults, feedConnected,
			messagesDropped, httpRequests, httpDuration,
		} {
			_ = reg.Register(c)
		}
		_ = reg.Register(collectors.NewGoCollector())
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

func AddTradesStreamed(exchange string, n int) {
	if n <= 0 {
		return
	}
	tradesStreamed.WithLabelValues(exchange).Add(float64(n))
	totals.tradesStreamed.Add(int64(n))
}

func AddParseErrors(exchange string, n int) {
	if n <= 0 {
		return
	}
	parseErrors.WithLabelValues(exchange).Add(float64(n))
	totals.parseErrors.Add(int64(n))
}

// StreamStarted marks a dataset response as active and returns the func
// that marks it done.
func StreamStarted(exchange string) func() {
	activeStreams.WithLabelValues(exchange).Inc()
	totals.activeStreams.Add(1)
	var done sync.Once
	return func() {
		done.Do(func() {
			activeStreams.WithLabelValues(exchange).Dec()
			totals.activeStreams.Add(-1)
		})
	}
}

func IncFeedMessage() {
	feedMessages.Inc()
	totals.feedMessages.Add(1)
}

func IncFeedReconnect() {
	feedReconnects.Inc()
	totals.feedReconnects.Add(1)
}

func IncFeedFault(reason string) {
	feedFaults.WithLabelValues(reason).Inc()
}

func SetFeedConnected(connected bool) {
	if connected {
		feedConnected.Set(1)
		return
	}
	feedConnected.Set(0)
}

func incDropped(stage string) {
	messagesDropped.WithLabelValues(stage).Inc()
	totals.messagesDropped.Add(1)
}

// ObserveRequest records one finished HTTP request.
func ObserveRequest(method, route, status string, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Snapshot returns the process totals keyed for the runtime report.
func Snapshot() map[string]float64 {
	return map[string]float64{
		"trades_streamed":  float64(totals.tradesStreamed.Load()),
		"parse_errors":     float64(totals.parseErrors.Load()),
		"active_streams":   float64(totals.activeStreams.Load()),
		"feed_messages":    float64(totals.feedMessages.Load()),
		"feed_reconnects":  float64(totals.feedReconnects.Load()),
		"messages_dropped": float64(totals.messagesDropped.Load()),
	}
}
