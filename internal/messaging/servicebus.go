package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/services/marketing/config"
	"example.com/backstage/services/marketing/internal/dispatch"
)

// TaskQueue sends tasks to the immediate Azure Service Bus queue. A
// scheduled enqueue time expresses delays up to the queue's ceiling.
type TaskQueue struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewTaskQueue creates a sender for the task queue.
func NewTaskQueue(cfg config.ServiceBusConfig) (*TaskQueue, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.TaskQueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &TaskQueue{
		client:    client,
		sender:    sender,
		queueName: cfg.TaskQueueName,
	}, nil
}

// SendTask enqueues one task and returns its message id.
func (q *TaskQueue) SendTask(ctx context.Context, t dispatch.Task, scheduledAt *time.Time) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal task")
	}

	id := uuid.NewString()
	msg := &azservicebus.Message{
		Body:      data,
		MessageID: &id,
		ApplicationProperties: map[string]interface{}{
			"taskType": string(t.Type),
			"time":     time.Now().UTC().Format(time.RFC3339),
		},
	}
	if scheduledAt != nil {
		msg.ScheduledEnqueueTime = scheduledAt
	}

	if err := q.sender.SendMessage(ctx, msg, nil); err != nil {
		return "", errors.Wrap(err, "failed to send task message")
	}
	return id, nil
}

// Close closes the sender and the underlying client.
func (q *TaskQueue) Close() error {
	if q.sender != nil {
		if err := q.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if q.client != nil {
		return q.client.Close(context.Background())
	}
	return nil
}

// QueueInspector reads approximate runtime counts off one queue via the
// Service Bus management endpoint.
type QueueInspector struct {
	admin     *admin.Client
	queueName string
}

func NewQueueInspector(cfg config.ServiceBusConfig) (*QueueInspector, error) {
	client, err := admin.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus admin client")
	}
	return &QueueInspector{admin: client, queueName: cfg.TaskQueueName}, nil
}

// Runtime returns the queue's current count estimates. The broker
// refreshes them lazily, so treat them as approximations.
func (i *QueueInspector) Runtime(ctx context.Context) (dispatch.QueueCounts, error) {
	resp, err := i.admin.GetQueueRuntimeProperties(ctx, i.queueName, nil)
	if err != nil {
		return dispatch.QueueCounts{}, errors.Wrap(err, "failed to read queue runtime properties")
	}

	props := resp.QueueRuntimeProperties
	active := int64(props.ActiveMessageCount)
	scheduled := int64(props.ScheduledMessageCount)
	deadLettered := int64(props.DeadLetterMessageCount)
	inFlight := props.TotalMessageCount - active - scheduled - deadLettered
	if inFlight < 0 {
		inFlight = 0
	}

	return dispatch.QueueCounts{
		Visible:  active,
		Delayed:  scheduled,
		InFlight: inFlight,
	}, nil
}
