package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by store.Store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function, e.g. a redis client's Ping, to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database"`
	Queue    *bool  `json:"queue,omitempty"`
}

const pingTimeout = 1 * time.Second

// HTTPHandler reports whether the store (and the queue registry, when
// given) answer a ping. Either may be nil.
func HTTPHandler(db Pinger, queue Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if db != nil {
			if err := ping(r.Context(), db); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if queue != nil {
			up := ping(r.Context(), queue) == nil
			st.Queue = &up
			if !up {
				if st.OK {
					st.Message = "queue ping failed"
				}
				st.OK = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

func ping(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.Ping(ctx)
}
