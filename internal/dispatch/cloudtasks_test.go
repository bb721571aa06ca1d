package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
)

// fakeTasks keeps created tasks by name and rejects repeats the way Cloud Tasks does
type fakeTasks struct {
	tasks     map[string]*cloudtaskspb.Task
	createErr error
	requests  []*cloudtaskspb.CreateTaskRequest
	closed    bool
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[string]*cloudtaskspb.Task)}
}

func (f *fakeTasks) CreateTask(_ context.Context, req *cloudtaskspb.CreateTaskRequest) (*cloudtaskspb.Task, error) {
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.tasks[req.GetTask().GetName()]; ok {
		return nil, status.Error(codes.AlreadyExists, "Requested entity already exists")
	}
	task := req.GetTask()
	task.CreateTime = timestamppb.New(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	f.tasks[task.GetName()] = task
	return task, nil
}

func (f *fakeTasks) GetTask(_ context.Context, req *cloudtaskspb.GetTaskRequest) (*cloudtaskspb.Task, error) {
	task, ok := f.tasks[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return task, nil
}

func (f *fakeTasks) Close() error {
	f.closed = true
	return nil
}

func newTestCloudTasks(api tasksAPI) *CloudTasks {
	return newCloudTasks(api, config.CloudTasks{
		ProjectID:           "proj",
		Location:            "us-central1",
		ServiceAccountEmail: "proj@appspot.gserviceaccount.com",
		DispatchDeadline:    30 * time.Second,
	}, logging.NewWithOutput("test", io.Discard))
}

func TestCloudTasks_Enqueue(t *testing.T) {
	api := newFakeTasks()
	c := newTestCloudTasks(api)

	name, err := c.Enqueue(context.Background(), "https://processor/tasks/process", "prod-easypost-webhook", "evt_1", 42)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	want := "projects/proj/locations/us-central1/queues/prod-easypost-webhook/tasks/evt_1"
	if name != want {
		t.Errorf("Enqueue() = %q, want %q", name, want)
	}

	if len(api.requests) != 1 {
		t.Fatalf("CreateTask calls = %d, want 1", len(api.requests))
	}
	req := api.requests[0]
	if req.GetParent() != "projects/proj/locations/us-central1/queues/prod-easypost-webhook" {
		t.Errorf("Parent = %q", req.GetParent())
	}
	httpReq := req.GetTask().GetHttpRequest()
	if httpReq.GetHttpMethod() != cloudtaskspb.HttpMethod_POST {
		t.Errorf("HttpMethod = %v, want POST", httpReq.GetHttpMethod())
	}
	if httpReq.GetUrl() != "https://processor/tasks/process" {
		t.Errorf("Url = %q", httpReq.GetUrl())
	}
	if httpReq.GetHeaders()["Content-Type"] != "application/json" {
		t.Errorf("Headers = %v", httpReq.GetHeaders())
	}
	var p Payload
	if err := json.Unmarshal(httpReq.GetBody(), &p); err != nil || p.StorageID != 42 {
		t.Errorf("Body = %s (%v)", httpReq.GetBody(), err)
	}
	if httpReq.GetOidcToken().GetServiceAccountEmail() != "proj@appspot.gserviceaccount.com" {
		t.Errorf("OidcToken = %v", httpReq.GetOidcToken())
	}
	if req.GetTask().GetDispatchDeadline().AsDuration() != 30*time.Second {
		t.Errorf("DispatchDeadline = %v", req.GetTask().GetDispatchDeadline())
	}
}

func TestCloudTasks_EnqueueDuplicate(t *testing.T) {
	api := newFakeTasks()
	c := newTestCloudTasks(api)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, "https://processor", "q", "evt.1", 1); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	name, err := c.Enqueue(ctx, "https://processor", "q", "evt.1", 2)
	if !faults.Is(err, faults.DuplicateTask) {
		t.Fatalf("second Enqueue() kind = %q, want %q", faults.KindOf(err), faults.DuplicateTask)
	}
	if name != "projects/proj/locations/us-central1/queues/q/tasks/evt__1" {
		t.Errorf("duplicate Enqueue() name = %q", name)
	}
	if len(api.tasks) != 1 {
		t.Errorf("tasks created = %d, want 1", len(api.tasks))
	}
}

func TestCloudTasks_EnqueueFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "unavailable", err: status.Error(codes.Unavailable, "backend unavailable")},
		{name: "permission denied", err: status.Error(codes.PermissionDenied, "denied")},
		{name: "non grpc error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeTasks()
			api.createErr = tt.err
			c := newTestCloudTasks(api)

			name, err := c.Enqueue(context.Background(), "https://processor", "q", "evt_1", 1)
			if !faults.Is(err, faults.Dispatch) {
				t.Errorf("Enqueue() kind = %q, want %q", faults.KindOf(err), faults.Dispatch)
			}
			if name != "" {
				t.Errorf("Enqueue() name = %q, want empty", name)
			}
		})
	}
}

func TestCloudTasks_Get(t *testing.T) {
	api := newFakeTasks()
	c := newTestCloudTasks(api)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, "https://processor", "q", "evt_7", 7); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	task, err := c.Get(ctx, "q", "evt_7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.URL != "https://processor" || task.Method != "POST" {
		t.Errorf("Get() = %+v", task)
	}
	if string(task.Body) != `{"storageId":7}` {
		t.Errorf("Get() body = %s", task.Body)
	}
	if !task.CreateTime.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("Get() CreateTime = %v", task.CreateTime)
	}

	if _, err := c.Get(ctx, "q", "missing"); !faults.Is(err, faults.Dispatch) {
		t.Errorf("Get(missing) kind = %q, want dispatch", faults.KindOf(err))
	}

	if err := c.Close(); err != nil || !api.closed {
		t.Errorf("Close() = %v, closed = %v", err, api.closed)
	}
}
