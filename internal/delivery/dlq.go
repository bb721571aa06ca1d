package delivery

import (
	"encoding/json"
	"fmt"
	"path"
	"time"
)

const (
	DLQType    = "task.dlq"
	DLQVersion = "v1"
)

// DeadLetter is published to the DLQ topic for a task the relay gave up on.
// StorageID and EventTaskID are lifted out of Task so the stored row can be
// found and replayed without decoding the snapshot.
type DeadLetter struct {
	Type        string    `json:"type"`
	Version     string    `json:"version"`
	FailedAt    time.Time `json:"failed_at"`
	StorageID   int64     `json:"storage_id"`
	EventTaskID string    `json:"task_id"`
	Reason      string    `json:"reason"`
	Attempt     int       `json:"attempt"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Task        Task      `json:"task"`
}

func NewDeadLetter(t Task, attempt, httpStatus int, lastErr string) DeadLetter {
	return DeadLetter{
		Type:        DLQType,
		Version:     DLQVersion,
		FailedAt:    time.Now().UTC(),
		StorageID:   t.StorageID,
		EventTaskID: path.Base(t.Name),
		Reason:      fmt.Sprintf("max attempts reached (%d)", attempt),
		Attempt:     attempt,
		HTTPStatus:  httpStatus,
		LastError:   lastErr,
		Task:        t,
	}
}

// Encode renders the message body published to the DLQ topic
func (d DeadLetter) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDeadLetter parses a DLQ message, rejecting other message types
func DecodeDeadLetter(b []byte) (DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode dead letter: %w", err)
	}
	if d.Type != DLQType {
		return d, fmt.Errorf("unexpected message type %q", d.Type)
	}
	return d, nil
}
