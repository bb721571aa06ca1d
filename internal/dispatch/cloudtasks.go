package dispatch

import (
	"context"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

const backendCloudTasks = "cloudtasks"

// tasksAPI is the part of the Cloud Tasks client used here
type tasksAPI interface {
	CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest) (*cloudtaskspb.Task, error)
	GetTask(ctx context.Context, req *cloudtaskspb.GetTaskRequest) (*cloudtaskspb.Task, error)
	Close() error
}

type gcpTasks struct {
	c *cloudtasks.Client
}

func (g gcpTasks) CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest) (*cloudtaskspb.Task, error) {
	return g.c.CreateTask(ctx, req)
}

func (g gcpTasks) GetTask(ctx context.Context, req *cloudtaskspb.GetTaskRequest) (*cloudtaskspb.Task, error) {
	return g.c.GetTask(ctx, req)
}

func (g gcpTasks) Close() error { return g.c.Close() }

// CloudTasks enqueues HTTP push tasks on Google Cloud Tasks
type CloudTasks struct {
	api      tasksAPI
	project  string
	location string
	account  string
	deadline time.Duration
	log      *logging.Logger
}

// NewCloudTasks dials Cloud Tasks with application default credentials
func NewCloudTasks(ctx context.Context, cfg config.CloudTasks, log *logging.Logger) (*CloudTasks, error) {
	c, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create cloud tasks client")
	}
	return newCloudTasks(gcpTasks{c: c}, cfg, log), nil
}

func newCloudTasks(api tasksAPI, cfg config.CloudTasks, log *logging.Logger) *CloudTasks {
	return &CloudTasks{
		api:      api,
		project:  cfg.ProjectID,
		location: cfg.Location,
		account:  cfg.ServiceAccountEmail,
		deadline: cfg.DispatchDeadline,
		log:      log,
	}
}

func (c *CloudTasks) Enqueue(ctx context.Context, targetURL, queueName, idempotencyKey string, storageID int64) (string, error) {
	taskID := TaskID(idempotencyKey)
	name := TaskName(c.project, c.location, queueName, taskID)

	ctx, span := tracing.StartSpan(ctx, "dispatch.Enqueue",
		attribute.String("backend", backendCloudTasks),
		attribute.String("task", name),
		attribute.Int64("storage_id", storageID),
	)
	defer span.End()

	headers := tracing.InjectHeaders(ctx)
	headers["Content-Type"] = "application/json"

	httpReq := &cloudtaskspb.HttpRequest{
		Url:        targetURL,
		HttpMethod: cloudtaskspb.HttpMethod_POST,
		Headers:    headers,
		Body:       encodePayload(storageID),
	}
	if c.account != "" {
		httpReq.AuthorizationHeader = &cloudtaskspb.HttpRequest_OidcToken{
			OidcToken: &cloudtaskspb.OidcToken{ServiceAccountEmail: c.account},
		}
	}

	task := &cloudtaskspb.Task{
		Name:        name,
		MessageType: &cloudtaskspb.Task_HttpRequest{HttpRequest: httpReq},
	}
	if c.deadline > 0 {
		task.DispatchDeadline = durationpb.New(c.deadline)
	}

	created, err := c.api.CreateTask(ctx, &cloudtaskspb.CreateTaskRequest{
		Parent:       QueuePath(c.project, c.location, queueName),
		Task:         task,
		ResponseView: cloudtaskspb.Task_FULL,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			metrics.RecordEnqueue(backendCloudTasks, "duplicate")
			tracing.AddSpanEvent(ctx, "duplicate")
			return name, faults.New(faults.DuplicateTask, "dispatch.enqueue", err)
		}
		metrics.RecordEnqueue(backendCloudTasks, "error")
		tracing.SetSpanError(ctx, err)
		return "", faults.New(faults.Dispatch, "dispatch.enqueue", errors.Wrap(err, "create task"))
	}

	metrics.RecordEnqueue(backendCloudTasks, "created")
	c.log.WithContext(ctx).WithTask(created.GetName()).WithStorage(storageID).Info("created task")
	return created.GetName(), nil
}

func (c *CloudTasks) Get(ctx context.Context, queueName, taskID string) (*Task, error) {
	t, err := c.api.GetTask(ctx, &cloudtaskspb.GetTaskRequest{
		Name:         TaskName(c.project, c.location, queueName, taskID),
		ResponseView: cloudtaskspb.Task_FULL,
	})
	if err != nil {
		return nil, faults.New(faults.Dispatch, "dispatch.get", errors.Wrap(err, "get task"))
	}

	out := &Task{
		Name:          t.GetName(),
		DispatchCount: t.GetDispatchCount(),
	}
	if t.GetCreateTime() != nil {
		out.CreateTime = t.GetCreateTime().AsTime()
	}
	if t.GetScheduleTime() != nil {
		out.ScheduleTime = t.GetScheduleTime().AsTime()
	}
	if req := t.GetHttpRequest(); req != nil {
		out.URL = req.GetUrl()
		out.Method = req.GetHttpMethod().String()
		out.Headers = req.GetHeaders()
		out.Body = req.GetBody()
	}
	return out, nil
}

func (c *CloudTasks) Close() error {
	return c.api.Close()
}
