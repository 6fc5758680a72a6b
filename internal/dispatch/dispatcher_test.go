package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockQueueSender struct {
	mock.Mock
}

func (m *MockQueueSender) SendTask(ctx context.Context, t Task, scheduledAt *time.Time) (string, error) {
	args := m.Called(ctx, t, scheduledAt)
	return args.String(0), args.Error(1)
}

type MockDurableScheduler struct {
	mock.Mock
}

func (m *MockDurableScheduler) Schedule(ctx context.Context, t Task, fireAt time.Time) (string, error) {
	args := m.Called(ctx, t, fireAt)
	return args.String(0), args.Error(1)
}

func (m *MockDurableScheduler) PendingCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockQueueInspector struct {
	mock.Mock
}

func (m *MockQueueInspector) Runtime(ctx context.Context) (QueueCounts, error) {
	args := m.Called(ctx)
	return args.Get(0).(QueueCounts), args.Error(1)
}

func sendEmailTask(delaySeconds int64) Task {
	return Task{
		Type:         TaskSendEmail,
		DelaySeconds: delaySeconds,
		SendEmail:    &SendEmailPayload{Project: "p1", Contact: "c1", Template: "t1"},
	}
}

func TestAddTaskZeroDelayHasNoEnqueueTime(t *testing.T) {
	sender := new(MockQueueSender)
	sender.On("SendTask", mock.Anything, mock.Anything, (*time.Time)(nil)).Return("msg-1", nil)

	d := New(sender, nil, nil)
	id, err := d.AddTask(context.Background(), sendEmailTask(0))
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	sender.AssertExpectations(t)
}

func TestAddTaskAtCeilingStaysOnQueue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := now.Add(900 * time.Second)

	sender := new(MockQueueSender)
	sender.On("SendTask", mock.Anything, mock.Anything, &want).Return("msg-1", nil)
	durable := new(MockDurableScheduler)

	d := New(sender, durable, nil, WithClock(func() time.Time { return now }))
	_, err := d.AddTask(context.Background(), sendEmailTask(900))
	require.NoError(t, err)

	sender.AssertExpectations(t)
	durable.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestAddTaskPastCeilingGoesDurable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := now.Add(901 * time.Second)

	sender := new(MockQueueSender)
	durable := new(MockDurableScheduler)
	durable.On("Schedule", mock.Anything, mock.Anything, want).Return("exec-1", nil)

	d := New(sender, durable, nil, WithClock(func() time.Time { return now }))
	id, err := d.AddTask(context.Background(), sendEmailTask(901))
	require.NoError(t, err)
	require.Equal(t, "exec-1", id)

	durable.AssertExpectations(t)
	sender.AssertNotCalled(t, "SendTask", mock.Anything, mock.Anything, mock.Anything)
}

func TestAddTaskNegativeDelayIsImmediate(t *testing.T) {
	sender := new(MockQueueSender)
	sender.On("SendTask", mock.Anything, mock.Anything, (*time.Time)(nil)).Return("msg-1", nil)

	d := New(sender, nil, nil)
	_, err := d.AddTask(context.Background(), sendEmailTask(-30))
	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestAddTaskRejectsUnknownType(t *testing.T) {
	d := New(new(MockQueueSender), nil, nil)

	_, err := d.AddTask(context.Background(), Task{Type: "resizeImages"})
	require.Error(t, err)
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
}

func TestAddTaskRejectsMissingPayload(t *testing.T) {
	d := New(new(MockQueueSender), nil, nil)

	_, err := d.AddTask(context.Background(), Task{Type: TaskSendEmail})
	require.Error(t, err)
}

func TestQueueStatusAggregates(t *testing.T) {
	inspector := new(MockQueueInspector)
	inspector.On("Runtime", mock.Anything).Return(QueueCounts{Visible: 4, Delayed: 2, InFlight: 1}, nil)
	durable := new(MockDurableScheduler)
	durable.On("PendingCount", mock.Anything).Return(int64(7), nil)

	d := New(new(MockQueueSender), durable, inspector)
	status, err := d.QueueStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStatus{Visible: 4, Delayed: 2, InFlight: 1, DurablePending: 7}, status)
}

func TestQueueStatusWithoutInspector(t *testing.T) {
	durable := new(MockDurableScheduler)
	durable.On("PendingCount", mock.Anything).Return(int64(3), nil)

	d := New(new(MockQueueSender), durable, nil)
	status, err := d.QueueStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), status.DurablePending)
	require.Zero(t, status.Visible)
}
