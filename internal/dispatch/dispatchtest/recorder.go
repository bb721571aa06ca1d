// Package dispatchtest provides an in-memory dispatch.Client that keeps
// every enqueued task and rejects repeated task names like a real queue.
package dispatchtest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/parcelhook/internal/dispatch"
	"github.com/austindbirch/parcelhook/internal/faults"
)

const (
	Project  = "test-project"
	Location = "test-location"
)

// Call is one Enqueue invocation
type Call struct {
	TargetURL      string
	QueueName      string
	IdempotencyKey string
	StorageID      int64
	TaskName       string
}

type Recorder struct {
	mu    sync.Mutex
	tasks map[string]*dispatch.Task
	Calls []Call

	// Fail makes every Enqueue return a Dispatch fault wrapping it
	Fail error
}

func NewRecorder() *Recorder {
	return &Recorder{tasks: make(map[string]*dispatch.Task)}
}

func (r *Recorder) Enqueue(ctx context.Context, targetURL, queueName, idempotencyKey string, storageID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := dispatch.TaskName(Project, Location, queueName, dispatch.TaskID(idempotencyKey))
	r.Calls = append(r.Calls, Call{
		TargetURL:      targetURL,
		QueueName:      queueName,
		IdempotencyKey: idempotencyKey,
		StorageID:      storageID,
		TaskName:       name,
	})

	if r.Fail != nil {
		return "", faults.New(faults.Dispatch, "dispatch.enqueue", r.Fail)
	}
	if _, ok := r.tasks[name]; ok {
		return name, faults.Newf(faults.DuplicateTask, "dispatch.enqueue", "task %s already exists", name)
	}

	body, _ := json.Marshal(dispatch.Payload{StorageID: storageID})
	r.tasks[name] = &dispatch.Task{
		Name:       name,
		URL:        targetURL,
		Method:     http.MethodPost,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		CreateTime: time.Now().UTC(),
	}
	return name, nil
}

func (r *Recorder) Get(ctx context.Context, queueName, taskID string) (*dispatch.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[dispatch.TaskName(Project, Location, queueName, taskID)]
	if !ok {
		return nil, faults.Newf(faults.Dispatch, "dispatch.get", "task %s not found", taskID)
	}
	return t, nil
}

// Tasks returns the created tasks, excluding rejected duplicates
func (r *Recorder) Tasks() []*dispatch.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*dispatch.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

func (r *Recorder) Close() error { return nil }
