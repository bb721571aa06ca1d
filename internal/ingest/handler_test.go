package ingest

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/dispatch"
	"github.com/austindbirch/parcelhook/internal/dispatch/dispatchtest"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
	"github.com/austindbirch/parcelhook/internal/store/storetest"
)

const (
	testQueue = "prod-easypost-webhook"
	testURL   = "https://processor.example.com/tasks/process"
)

func testConfig() config.Config {
	return config.Config{
		DB: config.DB{Driver: config.DriverPostgres, User: "u", Name: "n", Pass: "p"},
		Ingest: config.Ingest{
			Username:     "easypost",
			Password:     "hunter2",
			QueueName:    testQueue,
			ProcessorURL: testURL,
			MaxBodyBytes: 1 << 10,
		},
		Dispatch: config.Dispatch{
			Backend:    config.BackendCloudTasks,
			CloudTasks: config.CloudTasks{ProjectID: "p", Location: "l", ServiceAccountEmail: "sa@p.iam"},
		},
		Secrets: config.Secrets{Backend: config.SecretsEnv},
	}
}

type fixture struct {
	store *storetest.Memory
	queue *dispatchtest.Recorder
	logs  *bytes.Buffer
	h     *Handler
}

func newFixture(cfg config.Config) *fixture {
	f := &fixture{
		store: storetest.NewMemory(),
		queue: dispatchtest.NewRecorder(),
		logs:  &bytes.Buffer{},
	}
	f.h = NewHandler(cfg, f.store, f.queue, logging.NewWithOutput("ingest-test", f.logs))
	return f
}

func (f *fixture) post(t *testing.T, body string, withAuth bool, user, pass string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, Route, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if withAuth {
		req.SetBasicAuth(user, pass)
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func TestHandler_Accepted(t *testing.T) {
	f := newFixture(testConfig())
	before := testutil.ToFloat64(metrics.WebhooksReceivedTotal.WithLabelValues(outcomeAccepted))

	w := f.post(t, `{"id":"evt_1","object":"Event"}`, true, "easypost", "hunter2")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	if got := strings.TrimSpace(w.Body.String()); got != "accepted" {
		t.Errorf("body = %q, want accepted", got)
	}
	if w.Header().Get(logging.RequestIDHeader) == "" {
		t.Error("response has no request id")
	}

	if f.store.Len() != 1 {
		t.Fatalf("stored rows = %d, want 1", f.store.Len())
	}
	row, _ := f.store.Row(1)
	if !row.Dispatched || row.Processed {
		t.Errorf("row flags dispatched=%v processed=%v, want true/false", row.Dispatched, row.Processed)
	}
	if row.QueueName != testQueue || row.SourceEventID != "evt_1" || row.Payload != `{"id":"evt_1","object":"Event"}` {
		t.Errorf("row = %+v", row)
	}

	if len(f.queue.Calls) != 1 {
		t.Fatalf("enqueue calls = %d, want 1", len(f.queue.Calls))
	}
	call := f.queue.Calls[0]
	wantName := dispatch.TaskName(dispatchtest.Project, dispatchtest.Location, testQueue, "evt_1")
	if call.TaskName != wantName || call.StorageID != 1 || call.TargetURL != testURL {
		t.Errorf("enqueue call = %+v", call)
	}

	if f.store.Opened != 1 || f.store.Closed != 1 {
		t.Errorf("sessions opened=%d closed=%d, want 1/1", f.store.Opened, f.store.Closed)
	}
	if got := testutil.ToFloat64(metrics.WebhooksReceivedTotal.WithLabelValues(outcomeAccepted)); got != before+1 {
		t.Errorf("accepted counter = %v, want %v", got, before+1)
	}
}

func TestHandler_Duplicate(t *testing.T) {
	f := newFixture(testConfig())
	body := `{"id":"evt_1"}`

	if w := f.post(t, body, true, "easypost", "hunter2"); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}
	w := f.post(t, body, true, "easypost", "hunter2")

	if w.Code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", w.Code)
	}
	if !strings.HasPrefix(w.Body.String(), "duplicate") {
		t.Errorf("duplicate body = %q", w.Body.String())
	}
	if f.store.Len() != 2 {
		t.Errorf("stored rows = %d, want a second row", f.store.Len())
	}
	if row, _ := f.store.Row(2); row.Dispatched {
		t.Error("duplicate row marked dispatched")
	}
	if len(f.queue.Tasks()) != 1 || len(f.queue.Calls) != 2 {
		t.Errorf("tasks = %d calls = %d, want 1 task from 2 calls", len(f.queue.Tasks()), len(f.queue.Calls))
	}
	if f.store.Closed != 2 {
		t.Errorf("sessions closed = %d, want 2", f.store.Closed)
	}
}

func TestHandler_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(*config.Config)
		body       string
		withAuth   bool
		user, pass string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no credentials",
			body:       `{"id":"evt_1"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wrong password",
			body:       `{"id":"evt_1"}`,
			withAuth:   true,
			user:       "easypost",
			pass:       "nope",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing configuration",
			cfg: func(c *config.Config) {
				c.Ingest.QueueName = ""
				c.Ingest.ProcessorURL = ""
			},
			body:       `{"id":"evt_1"}`,
			withAuth:   true,
			user:       "easypost",
			pass:       "hunter2",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "WEBHOOK_INCOMING_QUEUE_NAME,WEBHOOK_FUNCTION_URL_EASYPOST",
		},
		{
			name:       "credentials not configured",
			cfg:        func(c *config.Config) { c.Ingest.Username = "" },
			body:       `{"id":"evt_1"}`,
			wantStatus: http.StatusInternalServerError,
			wantBody:   "WEBHOOK_USERNAME",
		},
		{
			name: "password secret never resolved",
			cfg: func(c *config.Config) {
				c.Ingest.Password = ""
				c.Ingest.PasswordSecret = "easypost-webhook-password"
			},
			body:       `{"id":"evt_1"}`,
			withAuth:   true,
			user:       "easypost",
			pass:       "",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "WEBHOOK_PASSWORD",
		},
		{
			name:       "missing id",
			body:       `{"object":"Event"}`,
			withAuth:   true,
			user:       "easypost",
			pass:       "hunter2",
			wantStatus: http.StatusBadRequest,
			wantBody:   "missing id",
		},
		{
			name:       "empty id",
			body:       `{"id":"  "}`,
			withAuth:   true,
			user:       "easypost",
			pass:       "hunter2",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not json",
			body:       `id=evt_1`,
			withAuth:   true,
			user:       "easypost",
			pass:       "hunter2",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "too large",
			body:       `{"id":"evt_1","pad":"` + strings.Repeat("x", 2048) + `"}`,
			withAuth:   true,
			user:       "easypost",
			pass:       "hunter2",
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			f := newFixture(cfg)

			w := f.post(t, tt.body, tt.withAuth, tt.user, tt.pass)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", w.Body.String(), tt.wantBody)
			}
			if strings.Count(w.Body.String(), "\n") != 1 {
				t.Errorf("body = %q, want a single line", w.Body.String())
			}
			if f.store.Len() != 0 || len(f.queue.Calls) != 0 {
				t.Errorf("side effects: rows=%d enqueues=%d, want none", f.store.Len(), len(f.queue.Calls))
			}
		})
	}
}

func TestHandler_CollaboratorFailures(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(*fixture)
		wantStatus   int
		wantRows     int
		wantEnqueues int
	}{
		{
			name:       "store unavailable",
			setup:      func(f *fixture) { f.store.FailOpen = storetest.ErrInjected },
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "insert fails",
			setup:      func(f *fixture) { f.store.FailInsert = storetest.ErrInjected },
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:         "enqueue fails",
			setup:        func(f *fixture) { f.queue.Fail = errors.New("unavailable") },
			wantStatus:   http.StatusInternalServerError,
			wantRows:     1,
			wantEnqueues: 1,
		},
		{
			name:         "mark dispatched fails still accepts",
			setup:        func(f *fixture) { f.store.FailMarks = true },
			wantStatus:   http.StatusOK,
			wantRows:     1,
			wantEnqueues: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(testConfig())
			tt.setup(f)

			w := f.post(t, `{"id":"evt_9"}`, true, "easypost", "hunter2")

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if f.store.Len() != tt.wantRows {
				t.Errorf("rows = %d, want %d", f.store.Len(), tt.wantRows)
			}
			if len(f.queue.Calls) != tt.wantEnqueues {
				t.Errorf("enqueues = %d, want %d", len(f.queue.Calls), tt.wantEnqueues)
			}
			if f.store.Opened != f.store.Closed {
				t.Errorf("sessions opened=%d closed=%d", f.store.Opened, f.store.Closed)
			}
		})
	}
}

func TestHandler_FailedEnqueueLeavesRowUndispatched(t *testing.T) {
	f := newFixture(testConfig())
	f.queue.Fail = errors.New("unavailable")

	f.post(t, `{"id":"evt_2"}`, true, "easypost", "hunter2")

	row, ok := f.store.Row(1)
	if !ok || row.Dispatched {
		t.Errorf("row = %+v, want stored and undispatched", row)
	}
	if !strings.Contains(f.logs.String(), `"event_id":"evt_2"`) {
		t.Errorf("failure log missing event id: %s", f.logs.String())
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := newFixture(testConfig())
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, Route, nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestSourceEventID(t *testing.T) {
	tests := []struct {
		body    string
		want    string
		wantErr bool
	}{
		{body: `{"id":"evt_1"}`, want: "evt_1"},
		{body: `{"id":12345}`, want: "12345"},
		{body: `{"id":null}`, wantErr: true},
		{body: `{}`, wantErr: true},
		{body: `[]`, wantErr: true},
		{body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			got, err := sourceEventID([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("sourceEventID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("sourceEventID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadBody_DefaultLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, Route, io.NopCloser(strings.NewReader(`{"id":"a"}`)))
	b, err := readBody(req, 0)
	if err != nil || string(b) != `{"id":"a"}` {
		t.Errorf("readBody() = %q, %v", b, err)
	}
}
