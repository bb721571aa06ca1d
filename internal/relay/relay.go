// Package relay consumes tasks published by the NSQ dispatch backend and
// pushes them to their target URL the way a managed push queue would:
// non-2xx answers are retried on a backoff schedule and tasks that run out
// of attempts are dead-lettered.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/parcelhook/internal/auth"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/delivery"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

// Headers a Cloud Tasks push carries; the processor logs the task name
const (
	HeaderTaskName       = "X-CloudTasks-TaskName"
	HeaderQueueName      = "X-CloudTasks-QueueName"
	HeaderRetryCount     = "X-CloudTasks-TaskRetryCount"
	HeaderExecutionCount = "X-CloudTasks-TaskExecutionCount"
)

type Options struct {
	MaxAttempts int
	Backoff     []time.Duration
	JitterPct   float64
	PublishDLQ  bool
	DLQTopic    string
}

func OptionsFrom(cfg config.Config) Options {
	return Options{
		MaxAttempts: cfg.Relay.MaxAttempts,
		Backoff:     cfg.Relay.BackoffSchedule,
		JitterPct:   cfg.Relay.JitterPercent,
		PublishDLQ:  cfg.Relay.PublishDLQ,
		DLQTopic:    cfg.Dispatch.NSQ.DLQTopic,
	}
}

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Relay struct {
	opts   Options
	client *http.Client
	signer *auth.Signer // nil disables identity tokens
	dlq    Publisher    // nil disables DLQ publishing
	log    *logging.Logger
	jitter func() float64
}

func New(opts Options, client *http.Client, signer *auth.Signer, dlq Publisher, log *logging.Logger) *Relay {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = []time.Duration{time.Second}
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Relay{
		opts:   opts,
		client: client,
		signer: signer,
		dlq:    dlq,
		log:    log,
		jitter: rand.Float64,
	}
}

// HandleMessage implements nsq.Handler. Every message is answered
// explicitly: finished on success, bad payloads and dead letters, requeued
// with a delay otherwise.
func (r *Relay) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			r.log.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		r.log.Plain().WithError(err).Error("bad task payload")
		metrics.RecordRelayPush("bad_task")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	attempt := int(m.Attempts)
	ctx := tracing.ExtractHeaders(context.Background(), t.Headers)
	ctx, span := tracing.StartSpan(ctx, "relay.Push",
		attribute.String("task", t.Name),
		attribute.Int64("storage_id", t.StorageID),
		attribute.Int("attempt", attempt),
	)
	defer span.End()
	log := r.log.WithContext(ctx).WithTask(t.Name).WithStorage(t.StorageID)

	start := time.Now()
	status, err := r.push(ctx, t, attempt)
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if err == nil && status >= 200 && status < 300 {
		metrics.RecordRelayPush("success")
		log.WithField("status", status).Info("task delivered")
		m.Finish()
		return nil
	}

	reason := classifyReason(err, status)
	metrics.RecordRelayPush(reason)
	span.SetAttributes(attribute.String("failure_reason", reason))
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}

	if attempt >= r.opts.MaxAttempts {
		r.deadLetter(ctx, log, t, attempt, status, err)
		m.Finish()
		return nil
	}

	delay := computeDelay(attempt, r.opts.Backoff, r.opts.JitterPct, r.jitter)
	tracing.AddSpanEvent(ctx, "task.requeue", attribute.String("delay", delay.String()))
	log.WithFields(map[string]any{
		"attempt": attempt,
		"status":  status,
		"reason":  reason,
		"delay":   delay.String(),
	}).Info("requeue task")
	m.Requeue(delay)
	return nil
}

func (r *Relay) push(ctx context.Context, t delivery.Task, attempt int) (int, error) {
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL, bytes.NewReader(t.Body))
	if err != nil {
		return 0, err
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range tracing.InjectHeaders(ctx) {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderTaskName, path.Base(t.Name))
	req.Header.Set(HeaderQueueName, t.Queue)
	req.Header.Set(HeaderRetryCount, strconv.Itoa(attempt-1))
	req.Header.Set(HeaderExecutionCount, strconv.Itoa(attempt-1))

	if r.signer != nil {
		token, err := r.signer.Sign(t.URL)
		if err != nil {
			return 0, fmt.Errorf("sign identity token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (r *Relay) deadLetter(ctx context.Context, log *logging.LogEntry, t delivery.Task, attempt, status int, pushErr error) {
	tracing.AddSpanEvent(ctx, "task.dlq", attribute.Int("attempt", attempt))
	metrics.RecordRelayDLQ()
	log.WithFields(map[string]any{
		"attempt":    attempt,
		"status":     status,
		"last_error": errString(pushErr),
	}).Error("task dead-lettered")

	if !r.opts.PublishDLQ || r.dlq == nil {
		return
	}
	b, err := delivery.NewDeadLetter(t, attempt, status, errString(pushErr)).Encode()
	if err != nil {
		log.WithError(err).Error("encode dead letter")
		return
	}
	if err := r.dlq.Publish(r.opts.DLQTopic, b); err != nil {
		log.WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	log.WithField("topic", r.opts.DLQTopic).Info("dlq published")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// computeDelay maps a 1-based attempt onto the schedule, holding at the
// last entry, and applies +/- jitterPct.
func computeDelay(attempt int, schedule []time.Duration, jitterPct float64, random func() float64) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	j := 1 + (random()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func classifyReason(err error, status int) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "timeout"
		}
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
