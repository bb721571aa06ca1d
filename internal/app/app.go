// Package app holds the startup wiring shared by the parcelhook binaries.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/db"
	"github.com/austindbirch/parcelhook/internal/dispatch"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
	"github.com/austindbirch/parcelhook/internal/secrets"
	"github.com/austindbirch/parcelhook/internal/store"
)

// ResolveSecrets fills cfg's password fields from src. Values already set in
// the environment win over secret names.
func ResolveSecrets(ctx context.Context, cfg *config.Config, src secrets.Source, role config.Role) error {
	pass, err := secrets.Resolve(ctx, src, cfg.DB.Pass, cfg.DB.PassSecret)
	if err != nil {
		return faults.New(faults.Config, "app.secrets", err)
	}
	cfg.DB.Pass = pass

	if role == config.RoleIngest {
		pw, err := secrets.Resolve(ctx, src, cfg.Ingest.Password, cfg.Ingest.PasswordSecret)
		if err != nil {
			return faults.New(faults.Config, "app.secrets", err)
		}
		cfg.Ingest.Password = pw
	}
	return nil
}

// OpenStore connects to the configured driver, retrying while the database
// comes up. cfg.DB.Pass must already be resolved.
func OpenStore(ctx context.Context, cfg config.Config, log *logging.Logger) (store.Store, error) {
	opts := db.Options{
		MaxConns: cfg.DB.MaxConns,
		OnRetry: func(err error, next time.Duration) {
			log.Plain().WithError(err).WithField("retry_in", next.String()).Warn("database not ready")
		},
	}

	switch cfg.DB.Driver {
	case config.DriverMySQL:
		conn, err := db.ConnectMySQL(ctx, db.MySQLDSN(cfg, cfg.DB.Pass), opts)
		if err != nil {
			return nil, faults.New(faults.Storage, "app.open_store", err)
		}
		return store.NewMySQL(conn, log), nil
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.PostgresDSN(cfg.DB.Pass), opts)
		if err != nil {
			return nil, faults.New(faults.Storage, "app.open_store", err)
		}
		return store.NewPostgres(pool, log), nil
	default:
		return nil, faults.Newf(faults.Config, "app.open_store", "unknown store driver %q", cfg.DB.Driver)
	}
}

// Queue is the dispatch client plus, for the NSQ backend, the Redis client
// its health check pings. Redis is nil for Cloud Tasks.
type Queue struct {
	dispatch.Client
	Redis redis.UniversalClient
}

// Ping reports whether the queue's backing services answer
func (q Queue) Ping(ctx context.Context) error {
	if q.Redis == nil {
		return nil
	}
	return q.Redis.Ping(ctx).Err()
}

// OpenQueue builds the dispatch backend named by cfg.Dispatch.Backend
func OpenQueue(ctx context.Context, cfg config.Config, log *logging.Logger) (*Queue, error) {
	switch cfg.Dispatch.Backend {
	case config.BackendCloudTasks:
		c, err := dispatch.NewCloudTasks(ctx, cfg.Dispatch.CloudTasks, log)
		if err != nil {
			return nil, faults.New(faults.Dispatch, "app.open_queue", err)
		}
		return &Queue{Client: c}, nil
	case config.BackendNSQ:
		prod, err := nsq.NewProducer(cfg.Dispatch.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return nil, faults.New(faults.Dispatch, "app.open_queue", err)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Dispatch.Redis.Addr,
			Password: cfg.Dispatch.Redis.Password,
			DB:       cfg.Dispatch.Redis.DB,
		})
		return &Queue{Client: dispatch.NewNSQ(prod, rdb, cfg.Dispatch, log), Redis: rdb}, nil
	default:
		return nil, faults.Newf(faults.Config, "app.open_queue", "unknown dispatch backend %q", cfg.Dispatch.Backend)
	}
}

// MetricsHandler serves a private registry holding the parcelhook collectors
func MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SignalContext is cancelled on SIGTERM or SIGINT
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// Serve runs srv until ctx is cancelled, then drains it for up to grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration, log *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Plain().WithField("addr", srv.Addr).Info("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Plain().Info("HTTP server stopped")
	return nil
}

// Fatal logs err and exits; used by mains before anything is serving
func Fatal(log *logging.Logger, msg string, err error) {
	log.Plain().WithError(err).Error(msg)
	os.Exit(1)
}
