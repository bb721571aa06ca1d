package main

import (
	"context"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/parcelhook/internal/app"
	"github.com/austindbirch/parcelhook/internal/auth"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/health"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/relay"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

// consumerConfig leaves attempt counting to the relay so exhausted tasks
// reach the dead-letter path instead of being dropped by go-nsq.
func consumerConfig(maxInFlight int) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = maxInFlight
	conf.MaxAttempts = 0
	conf.MaxRequeueDelay = time.Hour
	return conf
}

// newSigner returns nil when no signing key is configured
func newSigner(cfg config.Relay, subject string) (*auth.Signer, error) {
	if cfg.SigningKey == "" {
		return nil, nil
	}
	s, err := auth.NewSigner(cfg.SigningKey, cfg.TokenIssuer, subject, 0)
	if err != nil {
		return nil, faults.New(faults.Config, "relay.signer", err)
	}
	return s, nil
}

func newMux(queue health.Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(nil, queue))
	mux.Handle("/metrics", app.MetricsHandler())
	return mux
}

func main() {
	log := logging.New("relay")
	logging.SetDefaultService("relay")
	ctx, stop := app.SignalContext()
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, "relay")
	if err != nil {
		log.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdownTracing()
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(config.RoleRelay); err != nil {
		app.Fatal(log, "config", err)
	}

	signer, err := newSigner(cfg.Relay, cfg.Dispatch.CloudTasks.ServiceAccountEmail)
	if err != nil {
		app.Fatal(log, "signer", err)
	}

	producer, err := nsq.NewProducer(cfg.Dispatch.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		app.Fatal(log, "nsq producer", err)
	}
	defer producer.Stop()

	consumer, err := nsq.NewConsumer(cfg.Dispatch.NSQ.TasksTopic, cfg.Dispatch.NSQ.RelayChannel, consumerConfig(100))
	if err != nil {
		app.Fatal(log, "nsq consumer", err)
	}
	r := relay.New(relay.OptionsFrom(cfg), &http.Client{Timeout: cfg.Relay.PushTimeout}, signer, producer, log)
	consumer.AddHandler(r)

	// Connecting directly to nsqd creates the channel before the first publish
	if err := consumer.ConnectToNSQD(cfg.Dispatch.NSQ.NsqdTCPAddr); err != nil {
		app.Fatal(log, "connect to nsqd", err)
	}
	if err := consumer.ConnectToNSQLookupd(cfg.Dispatch.NSQ.LookupHTTPAddr); err != nil {
		app.Fatal(log, "connect to lookupd", err)
	}

	monitor := relay.NewMonitor(relay.StatsURL(cfg.Dispatch.NSQ.NsqdTCPAddr),
		cfg.Dispatch.NSQ.TasksTopic, cfg.Dispatch.NSQ.RelayChannel, 15*time.Second, log)
	go monitor.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Relay.HTTPPort,
		Handler:           newMux(health.PingFunc(func(context.Context) error { return producer.Ping() })),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Plain().Info("relay started")
	if err := app.Serve(ctx, srv, 10*time.Second, log); err != nil {
		log.Plain().WithError(err).Error("HTTP serve")
	}

	consumer.Stop()
	<-consumer.StopChan
	log.Plain().Info("relay stopped")
}
