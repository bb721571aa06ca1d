package store

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
)

//go:embed schema_mysql.sql
var mysqlSchema string

const (
	myInsert = `INSERT INTO task_storage (queue_name, task_id, storage_contents, task_created, processed)
VALUES (?, ?, ?, 0, 0)`
	myMarkDispatched = `UPDATE task_storage SET task_created = 1 WHERE id = ?`
	myMarkProcessed  = `UPDATE task_storage SET processed = 1 WHERE id = ? AND processed = 0`
	myGet            = `SELECT id, queue_name, task_id, storage_contents, task_created, processed, created_at, updated_at
FROM task_storage WHERE id = ?`
	myListPending = `SELECT id, queue_name, task_id, storage_contents, task_created, processed, created_at, updated_at
FROM task_storage
WHERE (? = '' OR queue_name = ?) AND processed = 0 AND (? = 0 OR task_created = 0)
ORDER BY id
LIMIT ?`
)

// sqlxConn is satisfied by *sqlx.Conn
type sqlxConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Close() error
}

type MySQL struct {
	db  *sqlx.DB
	log *logging.Logger
}

func NewMySQL(db *sqlx.DB, log *logging.Logger) *MySQL {
	return &MySQL{db: db, log: log}
}

func (m *MySQL) Open(ctx context.Context) (Session, error) {
	conn, err := m.db.Connx(ctx)
	if err != nil {
		return nil, faults.New(faults.Storage, "store.open", errors.Wrap(err, "acquire mysql connection"))
	}
	return &mySession{conn: conn, log: m.log}, nil
}

func (m *MySQL) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, mysqlSchema); err != nil {
		return faults.New(faults.Storage, "store.migrate", errors.Wrap(err, "apply mysql schema"))
	}
	return nil
}

func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) Close() {
	_ = m.db.Close()
}

type mySession struct {
	conn sqlxConn
	log  *logging.Logger
}

func (s *mySession) Insert(ctx context.Context, queueName, sourceEventID, payload string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, myInsert, queueName, sourceEventID, payload)
	if err != nil {
		return 0, faults.New(faults.Storage, "store.insert", errors.WithStack(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, faults.New(faults.Storage, "store.insert", errors.WithStack(err))
	}
	if affected != 1 {
		return 0, faults.Newf(faults.Storage, "store.insert", "insert into task_storage affected %d rows", affected)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, faults.New(faults.Storage, "store.insert", errors.WithStack(err))
	}
	return id, nil
}

func (s *mySession) update(ctx context.Context, op, query string, id int64) bool {
	res, err := s.conn.ExecContext(ctx, query, id)
	var affected int64
	if err == nil {
		affected, err = res.RowsAffected()
	}
	return checkUpdate(ctx, s.log, op, query, id, affected, err)
}

func (s *mySession) MarkDispatched(ctx context.Context, id int64) bool {
	return s.update(ctx, opMarkDispatched, myMarkDispatched, id)
}

func (s *mySession) MarkProcessed(ctx context.Context, id int64) bool {
	return s.update(ctx, opMarkProcessed, myMarkProcessed, id)
}

func (s *mySession) Get(ctx context.Context, id int64) (*StoredEvent, error) {
	var ev StoredEvent
	err := s.conn.GetContext(ctx, &ev, myGet, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.New(faults.Storage, "store.get", errors.WithStack(err))
	}
	return &ev, nil
}

func (s *mySession) ListPending(ctx context.Context, filter PendingFilter) ([]StoredEvent, error) {
	var events []StoredEvent
	if err := s.conn.SelectContext(ctx, &events, myListPending, filter.QueueName, filter.QueueName, filter.UndispatchedOnly, filter.limit()); err != nil {
		return nil, faults.New(faults.Storage, "store.list_pending", errors.WithStack(err))
	}
	return events, nil
}

func (s *mySession) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
