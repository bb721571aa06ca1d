// notify-receiver is a development endpoint for NOTIFY_WEBHOOK_URL. It
// checks the delivery signature, logs the delivery and can fail the first
// requests to exercise the processor's retry path.
package main

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/austindbirch/parcelhook/internal/app"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/notify"
)

type receiver struct {
	secret     string
	leeway     time.Duration
	failFirstN int64
	count      atomic.Int64
	log        *logging.Logger
	now        func() time.Time
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := rc.count.Add(1)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	log := rc.log.WithContext(r.Context())

	if rc.secret != "" {
		if err := notify.Verify(rc.secret, body, r.Header.Get(notify.TimestampHeader), r.Header.Get(notify.SignatureHeader), rc.leeway, rc.now()); err != nil {
			log.WithError(err).Warn("rejected delivery signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if n <= rc.failFirstN {
		log.WithField("request", n).Warn("failing delivery on purpose")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var d notify.Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "body is not a delivery", http.StatusBadRequest)
		return
	}
	log.WithEvent(d.EventID).WithStorage(d.StorageID).WithFields(map[string]any{
		"tracking_code": d.TrackingCode,
		"carrier":       d.Carrier,
	}).Info(d.Message)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func main() {
	log := logging.New("notify-receiver")
	ctx, stop := app.SignalContext()
	defer stop()

	rc := &receiver{
		secret:     os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		leeway:     time.Duration(envInt("SIGNING_LEEWAY_SECONDS", 300)) * time.Second,
		failFirstN: int64(envInt("FAIL_FIRST_N", 0)),
		log:        log,
		now:        time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("/deliveries", rc)

	addr := os.Getenv("RECEIVER_HTTP_PORT")
	if addr == "" {
		addr = ":8084"
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := app.Serve(ctx, srv, 5*time.Second, log); err != nil {
		log.Plain().WithError(err).Error("HTTP serve")
	}
}
