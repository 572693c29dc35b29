package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"tradestream/logger"
)

// MetricType tells consumers how to aggregate a Metric.
type MetricType string

const TypeCounter MetricType = "counter"

// Metric is one structured event on the in-process bus. The dashboard keeps
// a history of them; every event is also logged at debug.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      MetricType
	Fields    logger.Fields
}

type MetricHandler func(Metric)

type MetricHandlerID uint64

type subscriber struct {
	id MetricHandlerID
	fn MetricHandler
}

var (
	// writers serialise on subscribersMu; Emit reads the published slice
	// without locking
	subscribersMu sync.Mutex
	subscribers   atomic.Pointer[[]subscriber]
	lastHandlerID atomic.Uint64
)

// RegisterMetricHandler adds a handler that sees every later event, in
// registration order. A nil handler is not registered and yields id 0.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	id := MetricHandlerID(lastHandlerID.Add(1))

	subscribersMu.Lock()
	defer subscribersMu.Unlock()
	current := loadSubscribers()
	next := make([]subscriber, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, subscriber{id: id, fn: handler})
	subscribers.Store(&next)
	return id
}

// UnregisterMetricHandler removes a handler. Unknown ids and 0 are ignored.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}

	subscribersMu.Lock()
	defer subscribersMu.Unlock()
	current := loadSubscribers()
	next := make([]subscriber, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	subscribers.Store(&next)
}

func loadSubscribers() []subscriber {
	if p := subscribers.Load(); p != nil {
		return *p
	}
	return nil
}

// EmitMetric publishes an event for component. An empty metricType means
// counter; events without a name are dropped.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType MetricType, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = TypeCounter
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}

	log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": string(metricType),
		"value":       value,
	}).Debug("metric")

	for _, s := range loadSubscribers() {
		s.fn(m)
	}
}

// EmitStreamCompleted reports a finished dataset response: how many trades
// reached the client and how many rows failed to parse.
func EmitStreamCompleted(log *logger.Log, exchange, pair string, written, dropped int) {
	EmitMetric(log, "dataset", "trades_streamed", written, TypeCounter, logger.Fields{
		"exchange":     exchange,
		"pair":         pair,
		"parse_errors": dropped,
	})
}
