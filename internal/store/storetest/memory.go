// Package storetest provides an in-memory store.Store for handler tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/store"
)

// Memory implements store.Store over a map. Fail* fields inject errors.
type Memory struct {
	mu     sync.Mutex
	rows   map[int64]*store.StoredEvent
	nextID int64

	FailOpen   error
	FailInsert error
	FailGet    error
	FailMarks  bool // Mark* report false without changing rows

	Opened int
	Closed int
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[int64]*store.StoredEvent)}
}

// Seed inserts a row directly and returns its id
func (m *Memory) Seed(ev store.StoredEvent) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
		ev.UpdatedAt = ev.CreatedAt
	}
	m.rows[ev.ID] = &ev
	return ev.ID
}

// Row returns a copy of the row, or false when absent
func (m *Memory) Row(id int64) (store.StoredEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return store.StoredEvent{}, false
	}
	return *r, true
}

// Len is the number of stored rows
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *Memory) Open(ctx context.Context) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOpen != nil {
		return nil, faults.New(faults.Storage, "store.open", m.FailOpen)
	}
	m.Opened++
	return &session{m: m}, nil
}

func (m *Memory) Migrate(context.Context) error { return nil }
func (m *Memory) Ping(context.Context) error    { return nil }
func (m *Memory) Close()                        {}

type session struct {
	m      *Memory
	closed bool
}

func (s *session) Insert(ctx context.Context, queueName, sourceEventID, payload string) (int64, error) {
	if s.m.FailInsert != nil {
		return 0, faults.New(faults.Storage, "store.insert", s.m.FailInsert)
	}
	return s.m.Seed(store.StoredEvent{
		QueueName:     queueName,
		SourceEventID: sourceEventID,
		Payload:       payload,
	}), nil
}

func (s *session) mark(id int64, apply func(*store.StoredEvent) bool) bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.FailMarks {
		return false
	}
	r, ok := s.m.rows[id]
	if !ok || !apply(r) {
		return false
	}
	r.UpdatedAt = time.Now().UTC()
	return true
}

func (s *session) MarkDispatched(ctx context.Context, id int64) bool {
	return s.mark(id, func(r *store.StoredEvent) bool {
		r.Dispatched = true
		return true
	})
}

func (s *session) MarkProcessed(ctx context.Context, id int64) bool {
	return s.mark(id, func(r *store.StoredEvent) bool {
		if r.Processed {
			return false
		}
		r.Processed = true
		return true
	})
}

func (s *session) Get(ctx context.Context, id int64) (*store.StoredEvent, error) {
	if s.m.FailGet != nil {
		return nil, faults.New(faults.Storage, "store.get", s.m.FailGet)
	}
	r, ok := s.m.Row(id)
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *session) ListPending(ctx context.Context, f store.PendingFilter) ([]store.StoredEvent, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var out []store.StoredEvent
	for _, r := range s.m.rows {
		if r.Processed || (f.QueueName != "" && r.QueueName != f.QueueName) {
			continue
		}
		if f.UndispatchedOnly && r.Dispatched {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *session) Close() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.m.Closed++
	}
}

var ErrInjected = errors.New("injected failure")
