package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/delivery"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
	"github.com/austindbirch/parcelhook/internal/tracing"
)

const (
	backendNSQ  = "nsq"
	registryKey = "parcelhook:task:"
	localName   = "local"
)

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQ emulates a push queue for local development. Task names are reserved
// in Redis for the dedup window before the task is published; cmd/relay
// consumes the topic and performs the HTTP push.
type NSQ struct {
	pub      Publisher
	rdb      redis.UniversalClient
	topic    string
	window   time.Duration
	project  string
	location string
	account  string
	log      *logging.Logger
}

func NewNSQ(pub Publisher, rdb redis.UniversalClient, cfg config.Dispatch, log *logging.Logger) *NSQ {
	project, location := cfg.CloudTasks.ProjectID, cfg.CloudTasks.Location
	if project == "" {
		project = localName
	}
	if location == "" {
		location = localName
	}
	window := cfg.Redis.DedupWindow
	if window <= 0 {
		window = time.Hour
	}
	return &NSQ{
		pub:      pub,
		rdb:      rdb,
		topic:    cfg.NSQ.TasksTopic,
		window:   window,
		project:  project,
		location: location,
		account:  cfg.CloudTasks.ServiceAccountEmail,
		log:      log,
	}
}

func (n *NSQ) Enqueue(ctx context.Context, targetURL, queueName, idempotencyKey string, storageID int64) (string, error) {
	name := TaskName(n.project, n.location, queueName, TaskID(idempotencyKey))

	ctx, span := tracing.StartSpan(ctx, "dispatch.Enqueue",
		attribute.String("backend", backendNSQ),
		attribute.String("task", name),
		attribute.Int64("storage_id", storageID),
	)
	defer span.End()

	headers := tracing.InjectHeaders(ctx)
	headers["Content-Type"] = "application/json"

	task := delivery.Task{
		Name:           name,
		Queue:          queueName,
		URL:            targetURL,
		Method:         http.MethodPost,
		Headers:        headers,
		Body:           encodePayload(storageID),
		StorageID:      storageID,
		ServiceAccount: n.account,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(task)
	if err != nil {
		metrics.RecordEnqueue(backendNSQ, "error")
		return "", faults.New(faults.Dispatch, "dispatch.enqueue", errors.Wrap(err, "encode task"))
	}

	key := registryKey + name
	reserved, err := n.rdb.SetNX(ctx, key, body, n.window).Result()
	if err != nil {
		metrics.RecordEnqueue(backendNSQ, "error")
		tracing.SetSpanError(ctx, err)
		return "", faults.New(faults.Dispatch, "dispatch.enqueue", errors.Wrap(err, "reserve task name"))
	}
	if !reserved {
		metrics.RecordEnqueue(backendNSQ, "duplicate")
		tracing.AddSpanEvent(ctx, "duplicate")
		return name, faults.Newf(faults.DuplicateTask, "dispatch.enqueue", "task %s already exists", name)
	}

	if err := n.pub.Publish(n.topic, body); err != nil {
		// release the name so the sender's retry can enqueue again
		if delErr := n.rdb.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			n.log.WithContext(ctx).WithTask(name).WithError(delErr).Error("failed to release task name")
		}
		metrics.RecordEnqueue(backendNSQ, "error")
		tracing.SetSpanError(ctx, err)
		return "", faults.New(faults.Dispatch, "dispatch.enqueue", errors.Wrap(err, "publish task"))
	}

	metrics.RecordEnqueue(backendNSQ, "created")
	n.log.WithContext(ctx).WithTask(name).WithStorage(storageID).WithField("topic", n.topic).Info("created task")
	return name, nil
}

func (n *NSQ) Get(ctx context.Context, queueName, taskID string) (*Task, error) {
	name := TaskName(n.project, n.location, queueName, taskID)
	raw, err := n.rdb.Get(ctx, registryKey+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, faults.Newf(faults.Dispatch, "dispatch.get", "task %s not found", name)
	}
	if err != nil {
		return nil, faults.New(faults.Dispatch, "dispatch.get", errors.Wrap(err, "read task registry"))
	}

	var t delivery.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, faults.New(faults.Dispatch, "dispatch.get", errors.Wrap(err, "decode task"))
	}
	return &Task{
		Name:       t.Name,
		URL:        t.URL,
		Method:     t.Method,
		Headers:    t.Headers,
		Body:       t.Body,
		CreateTime: t.Created(),
	}, nil
}

func (n *NSQ) Close() error {
	n.pub.Stop()
	return n.rdb.Close()
}
