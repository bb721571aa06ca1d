// Package dispatch creates uniquely named push tasks that call the
// processor with a storage id. The task name is derived from the source
// event id, so a second Enqueue for the same event within the queue's dedup
// window fails with faults.DuplicateTask instead of creating another task.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

const (
	// maxTaskIDLen is the longest task id the queue accepts
	maxTaskIDLen = 500
	digestLen    = 16
)

var disallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Client is implemented by every queue backend
type Client interface {
	Enqueue(ctx context.Context, targetURL, queueName, idempotencyKey string, storageID int64) (string, error)
	Get(ctx context.Context, queueName, taskID string) (*Task, error)
	Close() error
}

// Task is the diagnostic view of a queued task
type Task struct {
	Name          string
	URL           string
	Method        string
	Headers       map[string]string
	Body          []byte
	CreateTime    time.Time
	ScheduleTime  time.Time
	DispatchCount int32
}

// Payload is the body delivered to the processor; the event itself stays in the store
type Payload struct {
	StorageID int64 `json:"storageId"`
}

func encodePayload(storageID int64) []byte {
	b, _ := json.Marshal(Payload{StorageID: storageID})
	return b
}

// TaskID turns an event id into a queue task id. Characters outside
// [A-Za-z0-9_-] each become "__"; ids that would exceed the queue limit are
// cut and suffixed with a digest of the full sanitized id.
func TaskID(idempotencyKey string) string {
	id := disallowed.ReplaceAllString(idempotencyKey, "__")
	if len(id) <= maxTaskIDLen {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	suffix := hex.EncodeToString(sum[:])[:digestLen]
	return id[:maxTaskIDLen-digestLen-1] + "_" + suffix
}

// QueuePath is the fully qualified queue name
func QueuePath(project, location, queue string) string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", project, location, queue)
}

// TaskName is the fully qualified task name for an already sanitized task id
func TaskName(project, location, queue, taskID string) string {
	return QueuePath(project, location, queue) + "/tasks/" + taskID
}
