package store

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
)

//go:embed schema_postgres.sql
var postgresSchema string

const (
	pgInsert = `INSERT INTO task_storage (queue_name, task_id, storage_contents, task_created, processed)
VALUES ($1, $2, $3, false, false)
RETURNING id`
	pgMarkDispatched = `UPDATE task_storage SET task_created = true, updated_at = now() WHERE id = $1`
	pgMarkProcessed  = `UPDATE task_storage SET processed = true, updated_at = now() WHERE id = $1 AND processed = false`
	pgGet            = `SELECT id, queue_name, task_id, storage_contents, task_created, processed, created_at, updated_at
FROM task_storage WHERE id = $1`
	pgListPending = `SELECT id, queue_name, task_id, storage_contents, task_created, processed, created_at, updated_at
FROM task_storage
WHERE ($1 = '' OR queue_name = $1) AND processed = false AND ($2 = false OR task_created = false)
ORDER BY id
LIMIT $3`
)

// pgPool is the subset of *pgxpool.Pool the store needs
type pgPool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// pgQuerier is satisfied by *pgxpool.Conn and by pgxmock connections
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool pgPool
	log  *logging.Logger
}

func NewPostgres(pool *pgxpool.Pool, log *logging.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

func (p *Postgres) Open(ctx context.Context) (Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, faults.New(faults.Storage, "store.open", errors.Wrap(err, "acquire postgres connection"))
	}
	return newPGSession(conn, conn.Release, p.log), nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return faults.New(faults.Storage, "store.migrate", errors.Wrap(err, "apply postgres schema"))
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

type pgSession struct {
	q       pgQuerier
	release func()
	log     *logging.Logger
}

func newPGSession(q pgQuerier, release func(), log *logging.Logger) *pgSession {
	return &pgSession{q: q, release: release, log: log}
}

func (s *pgSession) Insert(ctx context.Context, queueName, sourceEventID, payload string) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, pgInsert, queueName, sourceEventID, payload).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, faults.Newf(faults.Storage, "store.insert", "insert into task_storage affected 0 rows")
	}
	if err != nil {
		return 0, faults.New(faults.Storage, "store.insert", errors.WithStack(err))
	}
	return id, nil
}

func (s *pgSession) MarkDispatched(ctx context.Context, id int64) bool {
	tag, err := s.q.Exec(ctx, pgMarkDispatched, id)
	return checkUpdate(ctx, s.log, opMarkDispatched, pgMarkDispatched, id, tag.RowsAffected(), err)
}

func (s *pgSession) MarkProcessed(ctx context.Context, id int64) bool {
	tag, err := s.q.Exec(ctx, pgMarkProcessed, id)
	return checkUpdate(ctx, s.log, opMarkProcessed, pgMarkProcessed, id, tag.RowsAffected(), err)
}

func scanPG(row pgx.Row) (StoredEvent, error) {
	var ev StoredEvent
	err := row.Scan(
		&ev.ID,
		&ev.QueueName,
		&ev.SourceEventID,
		&ev.Payload,
		&ev.Dispatched,
		&ev.Processed,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	return ev, err
}

func (s *pgSession) Get(ctx context.Context, id int64) (*StoredEvent, error) {
	ev, err := scanPG(s.q.QueryRow(ctx, pgGet, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.New(faults.Storage, "store.get", errors.WithStack(err))
	}
	return &ev, nil
}

func (s *pgSession) ListPending(ctx context.Context, filter PendingFilter) ([]StoredEvent, error) {
	rows, err := s.q.Query(ctx, pgListPending, filter.QueueName, filter.UndispatchedOnly, filter.limit())
	if err != nil {
		return nil, faults.New(faults.Storage, "store.list_pending", errors.WithStack(err))
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredEvent, error) {
		return scanPG(row)
	})
	if err != nil {
		return nil, faults.New(faults.Storage, "store.list_pending", errors.WithStack(err))
	}
	return events, nil
}

func (s *pgSession) Close() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}
