package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelhook_webhooks_received_total",
			Help: "Total number of inbound webhooks by outcome.",
		},
		[]string{"outcome"}, // accepted, duplicate, auth, config, invalid, storage, dispatch
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelhook_tasks_enqueued_total",
			Help: "Total number of task creation attempts by backend and result.",
		},
		[]string{"backend", "result"}, // result: created, duplicate, error
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelhook_events_processed_total",
			Help: "Total number of processing invocations by outcome.",
		},
		[]string{"outcome"}, // no_op, skip, filtered, processed, malformed, storage, notify
	)

	StoreAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelhook_store_anomalies_total",
			Help: "Total number of conditional updates that did not change exactly one row.",
		},
		[]string{"op"},
	)

	RelayPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelhook_relay_pushes_total",
			Help: "Total number of relay push attempts by status.",
		},
		[]string{"status"}, // success, http_4xx, http_5xx, timeout, network
	)

	RelayDLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parcelhook_relay_dlq_total",
			Help: "Total number of tasks the relay gave up on.",
		},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parcelhook_queue_backlog",
			Help: "Messages waiting on the relay channel of the tasks topic.",
		},
	)

	ChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parcelhook_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	ChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parcelhook_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parcelhook_handler_duration_seconds",
			Help:    "Handler latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		WebhooksReceivedTotal,
		TasksEnqueuedTotal,
		EventsProcessedTotal,
		StoreAnomaliesTotal,
		RelayPushesTotal,
		RelayDLQTotal,
		QueueBacklog,
		ChannelDepth,
		ChannelInFlight,
		HandlerDuration,
	)
}

// RecordWebhook increments the inbound webhook counter
func RecordWebhook(outcome string) {
	WebhooksReceivedTotal.WithLabelValues(outcome).Inc()
}

// RecordEnqueue increments the task creation counter
func RecordEnqueue(backend, result string) {
	TasksEnqueuedTotal.WithLabelValues(backend, result).Inc()
}

// RecordProcessed increments the processing outcome counter
func RecordProcessed(outcome string) {
	EventsProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordStoreAnomaly counts a conditional update that changed zero or several rows
func RecordStoreAnomaly(op string) {
	StoreAnomaliesTotal.WithLabelValues(op).Inc()
}

// RecordRelayPush counts one relay push attempt
func RecordRelayPush(status string) {
	RelayPushesTotal.WithLabelValues(status).Inc()
}

// RecordRelayDLQ counts a task moved to the dead letter topic
func RecordRelayDLQ() {
	RelayDLQTotal.Inc()
}

// UpdateChannel sets the depth gauges for one NSQ channel
func UpdateChannel(topic, channel string, depth, inFlight int64) {
	ChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	ChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}

// UpdateBacklog sets the relay backlog gauge
func UpdateBacklog(depth int64) {
	QueueBacklog.Set(float64(depth))
}

// ObserveHandler records how long a handler invocation took
func ObserveHandler(handler string, d time.Duration) {
	HandlerDuration.WithLabelValues(handler).Observe(d.Seconds())
}
