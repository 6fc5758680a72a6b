package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/internal/metrics"
)

// DelayCeiling is the longest delay the immediate queue can express
// natively. Anything beyond it must ride the durable long-delay path.
const DelayCeiling = 15 * time.Minute

// DispatchError reports that a task could not be enqueued or its
// long-delay execution could not start. It is surfaced synchronously;
// any state written before dispatch is not rolled back.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// QueueSender enqueues a task on the immediate queue, optionally with a
// native enqueue time no further out than the delay ceiling.
type QueueSender interface {
	SendTask(ctx context.Context, t Task, scheduledAt *time.Time) (string, error)
}

// DurableScheduler starts a durable execution that sleeps past the
// ceiling and re-submits the task to the immediate queue when due.
type DurableScheduler interface {
	Schedule(ctx context.Context, t Task, fireAt time.Time) (string, error)
	PendingCount(ctx context.Context) (int64, error)
}

// QueueInspector reads approximate runtime counts off the immediate
// queue. Values are eventually-consistent estimates, never exact.
type QueueInspector interface {
	Runtime(ctx context.Context) (QueueCounts, error)
}

// QueueCounts are the raw estimates the immediate queue reports.
type QueueCounts struct {
	Visible  int64
	Delayed  int64
	InFlight int64
}

// QueueStatus is the operational snapshot AddTask's callers introspect:
// immediate-queue counts plus durable executions still sleeping.
type QueueStatus struct {
	Visible        int64 `json:"visible"`
	Delayed        int64 `json:"delayed"`
	InFlight       int64 `json:"in_flight"`
	DurablePending int64 `json:"durable_pending"`
}

// Dispatcher routes tasks between the immediate queue and the durable
// long-delay path. It persists nothing itself and never blocks on task
// execution, only on the enqueue round trip.
type Dispatcher struct {
	sender    QueueSender
	durable   DurableScheduler
	inspector QueueInspector
	ceiling   time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCeiling overrides the immediate queue's native delay ceiling.
func WithCeiling(d time.Duration) Option {
	return func(r *Dispatcher) { r.ceiling = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Dispatcher) { r.now = now }
}

// WithMetrics counts routing decisions on the given collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Dispatcher) { r.metrics = m }
}

func New(sender QueueSender, durable DurableScheduler, inspector QueueInspector, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:    sender,
		durable:   durable,
		inspector: inspector,
		ceiling:   DelayCeiling,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddTask routes the task and returns the substrate's handle: a queue
// message id on the immediate path, an execution id on the durable one.
func (d *Dispatcher) AddTask(ctx context.Context, t Task) (string, error) {
	if err := validateTask(t); err != nil {
		return "", &DispatchError{Op: string(t.Type), Err: err}
	}

	delay := time.Duration(t.DelaySeconds) * time.Second
	if delay < 0 {
		delay = 0
	}

	if delay <= d.ceiling {
		var at *time.Time
		if delay > 0 {
			when := d.now().UTC().Add(delay)
			at = &when
		}
		id, err := d.sender.SendTask(ctx, t, at)
		if err != nil {
			return "", &DispatchError{Op: string(t.Type), Err: err}
		}
		d.metrics.Increment(metrics.TasksRoutedImmediate)
		log.Debug().
			Str("task_type", string(t.Type)).
			Int64("delay_seconds", t.DelaySeconds).
			Str("message_id", id).
			Msg("Task enqueued")
		return id, nil
	}

	// The queue cannot express this wait; hand it to the durable
	// executor, which re-submits when the delay elapses.
	id, err := d.durable.Schedule(ctx, t, d.now().UTC().Add(delay))
	if err != nil {
		return "", &DispatchError{Op: string(t.Type), Err: err}
	}
	d.metrics.Increment(metrics.TasksRoutedDurable)
	log.Debug().
		Str("task_type", string(t.Type)).
		Int64("delay_seconds", t.DelaySeconds).
		Str("execution_id", id).
		Msg("Task scheduled on durable long-delay path")
	return id, nil
}

// QueueStatus aggregates the immediate queue's runtime estimates with
// the durable path's pending executions.
func (d *Dispatcher) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var status QueueStatus
	if d.inspector != nil {
		counts, err := d.inspector.Runtime(ctx)
		if err != nil {
			return QueueStatus{}, &DispatchError{Op: "queueStatus", Err: err}
		}
		status.Visible = counts.Visible
		status.Delayed = counts.Delayed
		status.InFlight = counts.InFlight
	}
	if d.durable != nil {
		pending, err := d.durable.PendingCount(ctx)
		if err != nil {
			return QueueStatus{}, &DispatchError{Op: "queueStatus", Err: err}
		}
		status.DurablePending = pending
	}
	return status, nil
}

func validateTask(t Task) error {
	switch t.Type {
	case TaskSendEmail:
		if t.SendEmail == nil {
			return errors.New("sendEmail task without payload")
		}
	case TaskQueueCampaign:
		if t.QueueCampaign == nil {
			return errors.New("queueCampaign task without payload")
		}
	case TaskBatchDeleteRelated:
		if t.BatchDeleteRelated == nil {
			return errors.New("batchDeleteRelated task without payload")
		}
	default:
		return errors.Errorf("unknown task type %q", t.Type)
	}
	return nil
}
