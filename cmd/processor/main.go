package main

import (
	"net/http"
	"time"
	_ "time/tzdata" // DELIVERY_TIMEZONE must load in distroless images

	"github.com/austindbirch/parcelhook/internal/app"
	"github.com/austindbirch/parcelhook/internal/auth"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/health"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/notify"
	"github.com/austindbirch/parcelhook/internal/processor"
	"github.com/austindbirch/parcelhook/internal/secrets"
	"github.com/austindbirch/parcelhook/internal/store"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

func newMux(cfg config.Config, st store.Store, n notify.Notifier, log *logging.Logger) (http.Handler, error) {
	proc := processor.New(st, n, log)

	mux := http.NewServeMux()
	mux.Handle(processor.Route, processor.NewHandler(proc, cfg.Processor.Timeout, log))
	mux.HandleFunc("/healthz", health.HTTPHandler(st, nil))
	mux.Handle("/metrics", app.MetricsHandler())

	if cfg.Processor.TokenPublicKey == "" {
		return mux, nil
	}
	v, err := auth.NewTokenValidator(cfg.Processor.TokenPublicKey, cfg.Processor.TokenIssuer, cfg.Processor.TokenAudience)
	if err != nil {
		return nil, faults.New(faults.Config, "processor.token_validator", err)
	}
	return v.Middleware(mux), nil
}

func main() {
	log := logging.New("processor")
	logging.SetDefaultService("processor")
	ctx, stop := app.SignalContext()
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, "processor")
	if err != nil {
		log.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdownTracing()
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(config.RoleProcessor); err != nil {
		app.Fatal(log, "config", err)
	}

	src, err := secrets.New(ctx, cfg.Secrets)
	if err != nil {
		app.Fatal(log, "secrets", err)
	}
	if err := app.ResolveSecrets(ctx, &cfg, src, config.RoleProcessor); err != nil {
		app.Fatal(log, "resolve secrets", err)
	}
	_ = src.Close()

	n, err := notify.FromConfig(cfg.Notify, log)
	if err != nil {
		app.Fatal(log, "notifier", err)
	}

	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		app.Fatal(log, "store", err)
	}
	defer st.Close()

	handler, err := newMux(cfg, st, n, log)
	if err != nil {
		app.Fatal(log, "routes", err)
	}

	srv := &http.Server{
		Addr:              cfg.Processor.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := app.Serve(ctx, srv, cfg.Processor.Timeout, log); err != nil {
		log.Plain().WithError(err).Error("HTTP serve")
	}
	log.Plain().Info("processor stopped")
}
