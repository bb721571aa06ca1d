package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vector metrics appear in Gather()
	RecordWebhook("accepted")
	RecordEnqueue("cloudtasks", "created")
	RecordProcessed("processed")
	RecordStoreAnomaly("mark_processed")
	RecordRelayPush("success")
	RecordRelayDLQ()
	UpdateBacklog(3)
	UpdateChannel("tasks", "relay", 3, 1)
	ObserveHandler("ingest", 20*time.Millisecond)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"parcelhook_webhooks_received_total",
		"parcelhook_tasks_enqueued_total",
		"parcelhook_events_processed_total",
		"parcelhook_store_anomalies_total",
		"parcelhook_relay_pushes_total",
		"parcelhook_relay_dlq_total",
		"parcelhook_queue_backlog",
		"parcelhook_nsq_channel_depth",
		"parcelhook_nsq_channel_inflight",
		"parcelhook_handler_duration_seconds",
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
	}
	for _, expected := range expectedMetrics {
		if !registered[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordWebhook(t *testing.T) {
	WebhooksReceivedTotal.Reset()

	tests := []struct {
		name    string
		outcome string
		calls   int
	}{
		{name: "accepted", outcome: "accepted", calls: 3},
		{name: "duplicate", outcome: "duplicate", calls: 1},
		{name: "auth rejected", outcome: "auth", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordWebhook(tt.outcome)
			}
			value := testutil.ToFloat64(WebhooksReceivedTotal.WithLabelValues(tt.outcome))
			if value != float64(tt.calls) {
				t.Errorf("RecordWebhook() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordEnqueue(t *testing.T) {
	TasksEnqueuedTotal.Reset()

	RecordEnqueue("nsq", "created")
	RecordEnqueue("nsq", "duplicate")
	RecordEnqueue("nsq", "duplicate")

	if got := testutil.ToFloat64(TasksEnqueuedTotal.WithLabelValues("nsq", "duplicate")); got != 2 {
		t.Errorf("duplicate count = %f, want 2", got)
	}
	if got := testutil.ToFloat64(TasksEnqueuedTotal.WithLabelValues("nsq", "created")); got != 1 {
		t.Errorf("created count = %f, want 1", got)
	}
}

func TestRecordProcessed(t *testing.T) {
	EventsProcessedTotal.Reset()

	tests := []struct {
		outcome string
		calls   int
	}{
		{outcome: "no_op", calls: 1},
		{outcome: "skip", calls: 2},
		{outcome: "filtered", calls: 4},
		{outcome: "malformed", calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordProcessed(tt.outcome)
			}
			value := testutil.ToFloat64(EventsProcessedTotal.WithLabelValues(tt.outcome))
			if value != float64(tt.calls) {
				t.Errorf("RecordProcessed() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordStoreAnomaly(t *testing.T) {
	StoreAnomaliesTotal.Reset()

	RecordStoreAnomaly("mark_dispatched")
	if got := testutil.ToFloat64(StoreAnomaliesTotal.WithLabelValues("mark_dispatched")); got != 1 {
		t.Errorf("RecordStoreAnomaly() counter value = %f, want 1", got)
	}
}

func TestRecordRelay(t *testing.T) {
	RelayPushesTotal.Reset()
	before := testutil.ToFloat64(RelayDLQTotal)

	RecordRelayPush("http_5xx")
	RecordRelayPush("http_5xx")
	RecordRelayPush("timeout")
	RecordRelayDLQ()

	if got := testutil.ToFloat64(RelayPushesTotal.WithLabelValues("http_5xx")); got != 2 {
		t.Errorf("http_5xx count = %f, want 2", got)
	}
	if got := testutil.ToFloat64(RelayDLQTotal) - before; got != 1 {
		t.Errorf("RecordRelayDLQ() delta = %f, want 1", got)
	}
}

func TestUpdateChannel(t *testing.T) {
	ChannelDepth.Reset()
	ChannelInFlight.Reset()

	tests := []struct {
		name     string
		topic    string
		channel  string
		depth    int64
		inFlight int64
	}{
		{name: "tasks topic", topic: "tasks", channel: "relay", depth: 10, inFlight: 2},
		{name: "dead letters", topic: "tasks_dlq", channel: "audit", depth: 0, inFlight: 0},
		{name: "large depth", topic: "tasks", channel: "relay", depth: 50000, inFlight: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			UpdateChannel(tt.topic, tt.channel, tt.depth, tt.inFlight)

			if got := testutil.ToFloat64(ChannelDepth.WithLabelValues(tt.topic, tt.channel)); got != float64(tt.depth) {
				t.Errorf("depth gauge = %f, want %d", got, tt.depth)
			}
			if got := testutil.ToFloat64(ChannelInFlight.WithLabelValues(tt.topic, tt.channel)); got != float64(tt.inFlight) {
				t.Errorf("inflight gauge = %f, want %d", got, tt.inFlight)
			}
		})
	}
}

func TestUpdateBacklog(t *testing.T) {
	for _, depth := range []int64{0, 42, 10000} {
		UpdateBacklog(depth)
		if got := testutil.ToFloat64(QueueBacklog); got != float64(depth) {
			t.Errorf("UpdateBacklog(%d) gauge = %f", depth, got)
		}
	}
}

func TestObserveHandler(t *testing.T) {
	HandlerDuration.Reset()

	ObserveHandler("processor", 150*time.Millisecond)
	ObserveHandler("processor", 2*time.Second)

	if got := testutil.CollectAndCount(HandlerDuration); got != 1 {
		t.Errorf("CollectAndCount() = %d, want 1 series", got)
	}
}
