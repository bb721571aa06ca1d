package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/austindbirch/parcelhook/internal/config"
)

// Options tunes pool size and how long startup keeps retrying an unreachable database
type Options struct {
	MaxConns       int
	ConnectTimeout time.Duration
	OnRetry        func(err error, next time.Duration)
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	return o
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func retry[T any](ctx context.Context, opts Options, op backoff.Operation[T]) (T, error) {
	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(opts.ConnectTimeout),
	}
	if opts.OnRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(opts.OnRetry))
	}
	return backoff.Retry(ctx, op, retryOpts...)
}

// Connect establishes a Postgres connection pool, retrying until the database answers a ping
func Connect(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	opts = opts.withDefaults()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	cfg.MaxConns = int32(opts.MaxConns)

	return retry(ctx, opts, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, backoff.Permanent(errors.Wrap(err, "create postgres pool"))
		}
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(ctxPing); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "ping postgres")
		}
		return pool, nil
	})
}

// ConnectMySQL opens a MySQL handle through sqlx with the same retry policy as Connect
func ConnectMySQL(ctx context.Context, dsn string, opts Options) (*sqlx.DB, error) {
	opts = opts.withDefaults()

	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}

	return retry(ctx, opts, func() (*sqlx.DB, error) {
		conn, err := sqlx.Open("mysql", dsn)
		if err != nil {
			return nil, backoff.Permanent(errors.Wrap(err, "open mysql"))
		}
		conn.SetMaxOpenConns(opts.MaxConns)
		conn.SetConnMaxLifetime(5 * time.Minute)
		conn.SetConnMaxIdleTime(time.Minute)

		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.PingContext(ctxPing); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "ping mysql")
		}
		return conn, nil
	})
}

// MySQLDSN renders a go-sql-driver DSN for cfg; the socket form is used on Cloud SQL
func MySQLDSN(cfg config.Config, password string) string {
	m := mysql.NewConfig()
	m.User = cfg.DB.User
	m.Passwd = password
	m.DBName = cfg.DB.Name
	m.ParseTime = true
	m.Loc = time.UTC

	if cfg.DB.CloudSQLSocket != "" {
		m.Net = "unix"
		m.Addr = "/cloudsql/" + cfg.DB.CloudSQLSocket
	} else {
		port := cfg.DB.Port
		if port == "" {
			port = "3306"
		}
		m.Net = "tcp"
		m.Addr = cfg.DB.Host + ":" + port
	}
	return m.FormatDSN()
}
