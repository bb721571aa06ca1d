package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

const (
	Route        = "/tasks/process"
	maxTaskBytes = 64 << 10
)

// Request is the task body. TaskStorageID is the field name older
// producers used.
type Request struct {
	StorageID     json.RawMessage `json:"storageId,omitempty"`
	TaskStorageID json.RawMessage `json:"taskStorageId,omitempty"`
}

// Handler is the push target the queue invokes
type Handler struct {
	proc    *Processor
	timeout time.Duration
	log     *logging.Logger
}

func NewHandler(proc *Processor, timeout time.Duration, log *logging.Logger) *Handler {
	return &Handler{proc: proc, timeout: timeout, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := tracing.ExtractHTTP(logging.RequestContext(w, r), r.Header)
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	log := h.log.WithContext(ctx).WithTask(r.Header.Get("X-CloudTasks-TaskName"))

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxTaskBytes))
	if err != nil {
		log.WithError(err).Warn("failed to read task body")
		writeText(w, http.StatusBadRequest, "unreadable body")
		return
	}
	storageID, err := ParseStorageID(body)
	if err != nil {
		log.WithError(err).Warn("rejected task body")
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.proc.Process(ctx, storageID)
	if err != nil {
		writeText(w, faults.HTTPStatus(faults.KindOf(err)), fmt.Sprintf("%s: storage id %d", faults.KindOf(err), storageID))
		return
	}
	writeText(w, http.StatusOK, string(outcome))
}

// ParseStorageID reads storageId, falling back to taskStorageId. Ids may be
// numbers or numeric strings and must be positive.
func ParseStorageID(body []byte) (int64, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, faults.New(faults.Validation, "processor.request", fmt.Errorf("body is not a JSON object: %w", err))
	}

	raw := req.StorageID
	if len(raw) == 0 || string(raw) == "null" {
		raw = req.TaskStorageID
	}
	if len(raw) == 0 || string(raw) == "null" {
		return 0, faults.Newf(faults.Validation, "processor.request", "missing storageId")
	}

	raw = bytes.Trim(raw, `"`)
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, faults.Newf(faults.Validation, "processor.request", "invalid storageId %s", raw)
	}
	return id, nil
}

func writeText(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, reason)
}
