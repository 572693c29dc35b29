package metrics

import "tradestream/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricFeedFanout records feed events a slow subscriber missed.
	DropMetricFeedFanout DropMetric = "feed_messages_dropped"
	// DropMetricLiveClient records events a websocket client could not keep up with.
	DropMetricLiveClient DropMetric = "live_client_messages_dropped"
	// DropMetricKafkaRelay records events the Kafka relay failed to write.
	DropMetricKafkaRelay DropMetric = "kafka_relay_messages_dropped"
)

// EmitDropMetric logs and emits a metric for one dropped message. Exchange,
// symbol and stage are added to the metric fields when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	incDropped(stage)
	EmitMetric(log, "channel_drops", string(metric), 1, TypeCounter, fields)
}
