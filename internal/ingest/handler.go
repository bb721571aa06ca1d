// Package ingest accepts EasyPost webhook posts. Each accepted event is
// stored before a processing task is enqueued for it, and the sender only
// sees 200 once both have happened or the queue reports the task as a
// duplicate.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/parcelhook/internal/auth"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/dispatch"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
	"github.com/austindbirch/parcelhook/internal/store"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

const Route = "/webhooks/easypost"

// outcomes as reported to parcelhook_webhooks_received_total
const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeAuth      = "auth"
	outcomeConfig    = "config"
	outcomeInvalid   = "invalid"
	outcomeStorage   = "storage"
	outcomeDispatch  = "dispatch"
)

type Handler struct {
	cfg   config.Config
	store store.Store
	queue dispatch.Client
	log   *logging.Logger
}

// NewHandler expects cfg to carry the resolved webhook password
func NewHandler(cfg config.Config, st store.Store, queue dispatch.Client, log *logging.Logger) *Handler {
	return &Handler{cfg: cfg, store: st, queue: queue, log: log}
}

type result struct {
	status  int
	outcome string
	reason  string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.ObserveHandler("ingest", time.Since(start)) }()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := tracing.ExtractHTTP(logging.RequestContext(w, r), r.Header)
	if h.cfg.Ingest.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Ingest.Timeout)
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "ingest.Receive", attribute.String("queue", h.cfg.Ingest.QueueName))
	defer span.End()

	res := h.receive(ctx, r)
	span.SetAttributes(attribute.String("outcome", res.outcome), attribute.Int("http.status_code", res.status))
	metrics.RecordWebhook(res.outcome)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(res.status)
	fmt.Fprintln(w, res.reason)
}

// configError lists the missing settings. A password secret that is named
// but never resolved is reported as WEBHOOK_PASSWORD.
func (h *Handler) configError() error {
	err := h.cfg.Validate(config.RoleIngest)
	var missing *config.MissingError
	if errors.As(err, &missing) {
		if h.cfg.Ingest.Password == "" && !slices.Contains(missing.Fields, "WEBHOOK_PASSWORD_SECRET") {
			missing.Fields = append(missing.Fields, "WEBHOOK_PASSWORD")
		}
		return err
	}
	return faults.New(faults.Config, "config.validate", &config.MissingError{Fields: []string{"WEBHOOK_PASSWORD"}})
}

func (h *Handler) receive(ctx context.Context, r *http.Request) result {
	log := h.log.WithContext(ctx).WithQueue(h.cfg.Ingest.QueueName)

	// No request can authenticate against unset credentials; report the
	// configuration gap before judging the caller.
	if h.cfg.Ingest.Username == "" || h.cfg.Ingest.Password == "" {
		err := h.configError()
		log.WithError(err).Error("ingest is not configured")
		return result{http.StatusInternalServerError, outcomeConfig, err.Error()}
	}

	if err := auth.CheckBasic(r, h.cfg.Ingest.Username, h.cfg.Ingest.Password); err != nil {
		log.WithError(err).Warn("rejected webhook credentials")
		if errors.Is(err, auth.ErrNoCredentials) {
			return result{http.StatusForbidden, outcomeAuth, "forbidden: credentials required"}
		}
		return result{http.StatusUnauthorized, outcomeAuth, "unauthorized"}
	}

	if err := h.cfg.Validate(config.RoleIngest); err != nil {
		log.WithError(err).Error("ingest is not configured")
		return result{http.StatusInternalServerError, outcomeConfig, err.Error()}
	}

	body, err := readBody(r, h.cfg.Ingest.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.WithField("limit", tooLarge.Limit).Warn("webhook body too large")
			return result{http.StatusRequestEntityTooLarge, outcomeInvalid, "payload too large"}
		}
		log.WithError(err).Warn("failed to read webhook body")
		return result{http.StatusBadRequest, outcomeInvalid, "unreadable body"}
	}

	eventID, err := sourceEventID(body)
	if err != nil {
		log.WithError(err).Warn("rejected webhook payload")
		return result{faults.HTTPStatus(faults.KindOf(err)), outcomeInvalid, firstLine(err)}
	}
	log = log.WithEvent(eventID)
	tracing.AddSpanEvent(ctx, "validated", attribute.String("event_id", eventID))

	sess, err := h.store.Open(ctx)
	if err != nil {
		log.WithError(err).Error("failed to open store session")
		return result{http.StatusInternalServerError, outcomeStorage, "storage unavailable"}
	}
	defer sess.Close()

	storageID, err := sess.Insert(ctx, h.cfg.Ingest.QueueName, eventID, string(body))
	if err != nil {
		log.WithError(err).Error("failed to store event")
		return result{http.StatusInternalServerError, outcomeStorage, "failed to store event"}
	}
	log = log.WithStorage(storageID)
	tracing.AddSpanEvent(ctx, "stored", attribute.Int64("storage_id", storageID))

	taskName, err := h.queue.Enqueue(ctx, h.cfg.Ingest.ProcessorURL, h.cfg.Ingest.QueueName, eventID, storageID)
	switch {
	case faults.Is(err, faults.DuplicateTask):
		// the first delivery's task is already queued; this row stays undispatched
		log.WithTask(taskName).Info("duplicate delivery, task already queued")
		return result{http.StatusOK, outcomeDuplicate, "duplicate: already queued"}
	case err != nil:
		log.WithError(err).Error("failed to enqueue task")
		return result{http.StatusInternalServerError, outcomeDispatch, "failed to enqueue task"}
	}

	if !sess.MarkDispatched(ctx, storageID) {
		log.WithTask(taskName).Warn("task queued but row not marked dispatched")
	}

	log.WithTask(taskName).Info("accepted webhook")
	return result{http.StatusOK, outcomeAccepted, "accepted"}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 1 << 20
	}
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
}

// sourceEventID extracts the sender's event id, the dedup key for the queue
func sourceEventID(body []byte) (string, error) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", faults.New(faults.Validation, "ingest.validate", fmt.Errorf("body is not a JSON object: %w", err))
	}
	if len(envelope.ID) == 0 || string(envelope.ID) == "null" {
		return "", faults.Newf(faults.Validation, "ingest.validate", "missing id")
	}

	var id string
	if err := json.Unmarshal(envelope.ID, &id); err != nil {
		// numeric ids are used verbatim
		id = string(envelope.ID)
	}
	if strings.TrimSpace(id) == "" {
		return "", faults.Newf(faults.Validation, "ingest.validate", "missing id")
	}
	return id, nil
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
