package main

import (
	"net/http"
	"time"

	"github.com/austindbirch/parcelhook/internal/app"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/dispatch"
	"github.com/austindbirch/parcelhook/internal/health"
	"github.com/austindbirch/parcelhook/internal/ingest"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/secrets"
	"github.com/austindbirch/parcelhook/internal/store"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

func newMux(cfg config.Config, st store.Store, queue dispatch.Client, queuePing health.Pinger, log *logging.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(ingest.Route, ingest.NewHandler(cfg, st, queue, log))
	mux.HandleFunc("/healthz", health.HTTPHandler(st, queuePing))
	mux.Handle("/metrics", app.MetricsHandler())
	return mux
}

func main() {
	log := logging.New("ingest")
	logging.SetDefaultService("ingest")
	ctx, stop := app.SignalContext()
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, "ingest")
	if err != nil {
		log.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdownTracing()
	}

	cfg := config.FromEnv()
	// Missing settings are reported on every request instead of refusing to
	// start, so the sender sees a 500 rather than a connection error.
	if err := cfg.Validate(config.RoleIngest); err != nil {
		log.Plain().WithError(err).Error("ingest is not fully configured")
	}

	src, err := secrets.New(ctx, cfg.Secrets)
	if err != nil {
		app.Fatal(log, "secrets", err)
	}
	if err := app.ResolveSecrets(ctx, &cfg, src, config.RoleIngest); err != nil {
		app.Fatal(log, "resolve secrets", err)
	}
	_ = src.Close()

	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		app.Fatal(log, "store", err)
	}
	defer st.Close()

	queue, err := app.OpenQueue(ctx, cfg, log)
	if err != nil {
		app.Fatal(log, "dispatch", err)
	}
	defer queue.Close()

	srv := &http.Server{
		Addr:              cfg.Ingest.HTTPPort,
		Handler:           newMux(cfg, st, queue, queue, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := app.Serve(ctx, srv, 10*time.Second, log); err != nil {
		log.Plain().WithError(err).Error("HTTP serve")
	}
	log.Plain().Info("ingest stopped")
}
