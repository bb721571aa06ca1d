package logging

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestContext returns the request's context carrying its request id,
// generating one when the caller sent none. The id is echoed on w.
func RequestContext(w http.ResponseWriter, r *http.Request) context.Context {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)
	return ContextWithRequestID(r.Context(), id)
}
