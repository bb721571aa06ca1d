package delivery

import "time"

// Task is the message the NSQ dispatch backend publishes and the relay pushes.
// It carries what a managed push queue stores per task.
type Task struct {
	Name           string            `json:"name"` // projects/{p}/locations/{l}/queues/{q}/tasks/{id}
	Queue          string            `json:"queue"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"` // includes trace propagation headers
	Body           []byte            `json:"body"`
	StorageID      int64             `json:"storage_id"`
	ServiceAccount string            `json:"service_account,omitempty"` // identity the relay's token asserts
	CreatedAt      string            `json:"created_at"`                // RFC3339
}

// Created parses CreatedAt, returning the zero time when it is unset or malformed
func (t Task) Created() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}
