package automation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/models"
)

type MockEventSource struct {
	mock.Mock
}

func (m *MockEventSource) Create(ctx context.Context, e *models.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockEventSource) ListByContact(ctx context.Context, project, contactID string) ([]models.Event, error) {
	args := m.Called(ctx, project, contactID)
	return args.Get(0).([]models.Event), args.Error(1)
}

type MockActionSource struct {
	mock.Mock
}

func (m *MockActionSource) ListByProject(ctx context.Context, project string) ([]models.Action, error) {
	args := m.Called(ctx, project)
	return args.Get(0).([]models.Action), args.Error(1)
}

type MockTemplateSource struct {
	mock.Mock
}

func (m *MockTemplateSource) GetByID(ctx context.Context, project, id string) (*models.Template, bool, error) {
	args := m.Called(ctx, project, id)
	tmpl, _ := args.Get(0).(*models.Template)
	return tmpl, args.Bool(1), args.Error(2)
}

type MockTaskDispatcher struct {
	mock.Mock
}

func (m *MockTaskDispatcher) AddTask(ctx context.Context, t dispatch.Task) (string, error) {
	args := m.Called(ctx, t)
	return args.String(0), args.Error(1)
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ev builds one history event, minutesAgo positioning it on the
// timeline. History slices must be ordered oldest first.
func ev(eventType string, minutesAgo int) models.Event {
	e := models.Event{EventType: eventType, Contact: "c1"}
	e.ID = fmt.Sprintf("%s-%d", eventType, minutesAgo)
	e.CreatedAt = baseTime.Add(-time.Duration(minutesAgo) * time.Minute)
	return e
}

// firing builds the linking event a past firing of the action left in
// the history.
func firing(actionID, eventType string, minutesAgo int) models.Event {
	e := ev(eventType, minutesAgo)
	e.RelationType = models.RelationAction
	e.Relation = actionID
	return e
}

func action(id string, events []string) models.Action {
	a := models.Action{Events: events, Template: "tpl-1"}
	a.ID = id
	a.Project = "p1"
	return a
}

func transactionalTemplate() *models.Template {
	t := &models.Template{Name: "welcome", Type: models.TemplateTransactional}
	t.ID = "tpl-1"
	return t
}

func marketingTemplate() *models.Template {
	t := &models.Template{Name: "promo", Type: models.TemplateMarketing}
	t.ID = "tpl-1"
	return t
}

type engineFixture struct {
	events    *MockEventSource
	actions   *MockActionSource
	templates *MockTemplateSource
	tasks     *MockTaskDispatcher
	engine    *Engine
}

func newFixture(actions []models.Action, history []models.Event) *engineFixture {
	f := &engineFixture{
		events:    new(MockEventSource),
		actions:   new(MockActionSource),
		templates: new(MockTemplateSource),
		tasks:     new(MockTaskDispatcher),
	}
	f.events.On("ListByContact", mock.Anything, "p1", "c1").Return(history, nil)
	f.actions.On("ListByProject", mock.Anything, "p1").Return(actions, nil)
	f.engine = New(f.events, f.actions, f.templates, f.tasks, nil, metrics.NewMetrics())
	return f
}

func subscribedContact() *models.Contact {
	c := &models.Contact{Email: "a@example.com", Subscribed: true}
	c.ID = "c1"
	c.Project = "p1"
	return c
}

func TestTriggerFiresWhenCovered(t *testing.T) {
	f := newFixture(
		[]models.Action{action("act-1", []string{"signup"})},
		[]models.Event{ev("signup", 0)},
	)
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return(transactionalTemplate(), true, nil)
	f.events.On("Create", mock.Anything, mock.MatchedBy(func(e *models.Event) bool {
		return e.RelationType == models.RelationAction &&
			e.Relation == "act-1" &&
			e.EventType == "signup" &&
			e.Contact == "c1"
	})).Return(nil)
	f.tasks.On("AddTask", mock.Anything, mock.MatchedBy(func(task dispatch.Task) bool {
		return task.Type == dispatch.TaskSendEmail &&
			task.DelaySeconds == 0 &&
			task.SendEmail.Action == "act-1" &&
			task.SendEmail.Template == "tpl-1"
	})).Return("msg-1", nil)

	err := f.engine.Trigger(context.Background(), "signup", subscribedContact(), "p1")
	require.NoError(t, err)
	f.events.AssertExpectations(t)
	f.tasks.AssertExpectations(t)
}

func TestTriggerConvertsDelayMinutesToSeconds(t *testing.T) {
	a := action("act-1", []string{"signup"})
	a.Delay = 20
	f := newFixture([]models.Action{a}, []models.Event{ev("signup", 0)})
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return(transactionalTemplate(), true, nil)
	f.events.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.tasks.On("AddTask", mock.Anything, mock.MatchedBy(func(task dispatch.Task) bool {
		return task.DelaySeconds == 1200
	})).Return("msg-1", nil)

	require.NoError(t, f.engine.Trigger(context.Background(), "signup", subscribedContact(), "p1"))
	f.tasks.AssertExpectations(t)
}

func TestTriggerPartialCoverageDoesNotFire(t *testing.T) {
	f := newFixture(
		[]models.Action{action("act-1", []string{"viewed", "carted"})},
		[]models.Event{ev("viewed", 0)},
	)

	require.NoError(t, f.engine.Trigger(context.Background(), "viewed", subscribedContact(), "p1"))
	f.events.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.tasks.AssertNotCalled(t, "AddTask", mock.Anything, mock.Anything)
}

func TestTriggerIgnoresUnrelatedEvents(t *testing.T) {
	f := newFixture(
		[]models.Action{action("act-1", []string{"signup"})},
		[]models.Event{ev("page_view", 10), ev("signup", 5), ev("page_view", 1)},
	)
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return(transactionalTemplate(), true, nil)
	f.events.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.tasks.On("AddTask", mock.Anything, mock.Anything).Return("msg-1", nil)

	require.NoError(t, f.engine.Trigger(context.Background(), "page_view", subscribedContact(), "p1"))
	f.tasks.AssertNumberOfCalls(t, "AddTask", 1)
}

func TestTriggerRunOnceNeverRefires(t *testing.T) {
	a := action("act-1", []string{"signup"})
	a.RunOnce = true
	f := newFixture([]models.Action{a}, []models.Event{
		ev("signup", 30),
		firing("act-1", "signup", 29),
		ev("signup", 1),
	})

	require.NoError(t, f.engine.Trigger(context.Background(), "signup", subscribedContact(), "p1"))
	f.events.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.tasks.AssertNotCalled(t, "AddTask", mock.Anything, mock.Anything)
}

func TestTriggerReArmsAfterFiring(t *testing.T) {
	a := action("act-1", []string{"viewed", "carted"})

	// After the last firing only "viewed" happened again: not covered.
	f := newFixture([]models.Action{a}, []models.Event{
		ev("viewed", 60),
		ev("carted", 50),
		firing("act-1", "carted", 49),
		ev("viewed", 10),
	})
	require.NoError(t, f.engine.Trigger(context.Background(), "viewed", subscribedContact(), "p1"))
	f.tasks.AssertNotCalled(t, "AddTask", mock.Anything, mock.Anything)

	// Once both recur after the firing, the action fires again.
	f = newFixture([]models.Action{a}, []models.Event{
		ev("viewed", 60),
		ev("carted", 50),
		firing("act-1", "carted", 49),
		ev("viewed", 10),
		ev("carted", 1),
	})
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return(transactionalTemplate(), true, nil)
	f.events.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.tasks.On("AddTask", mock.Anything, mock.Anything).Return("msg-1", nil)
	require.NoError(t, f.engine.Trigger(context.Background(), "carted", subscribedContact(), "p1"))
	f.tasks.AssertNumberOfCalls(t, "AddTask", 1)
}

func TestTriggerExclusionIsLifetimeScoped(t *testing.T) {
	a := action("act-1", []string{"signup"})
	a.NotEvents = []string{"churned"}

	// The excluding event is the oldest thing on record, long before
	// the required event, and still blocks the action.
	f := newFixture([]models.Action{a}, []models.Event{
		ev("churned", 60*24*365),
		ev("signup", 1),
	})

	require.NoError(t, f.engine.Trigger(context.Background(), "signup", subscribedContact(), "p1"))
	f.events.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.tasks.AssertNotCalled(t, "AddTask", mock.Anything, mock.Anything)
}

func TestTriggerUnsubscribedMarketingKeepsFiringEvent(t *testing.T) {
	f := newFixture(
		[]models.Action{action("act-1", []string{"signup"})},
		[]models.Event{ev("signup", 0)},
	)
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return(marketingTemplate(), true, nil)
	f.events.On("Create", mock.Anything, mock.Anything).Return(nil)

	contact := subscribedContact()
	contact.Subscribed = false

	require.NoError(t, f.engine.Trigger(context.Background(), "signup", contact, "p1"))

	// The firing is recorded, only the send is suppressed.
	f.events.AssertNumberOfCalls(t, "Create", 1)
	f.tasks.AssertNotCalled(t, "AddTask", mock.Anything, mock.Anything)
}

func TestTriggerUnknownTemplateSkipsSend(t *testing.T) {
	f := newFixture(
		[]models.Action{action("act-1", []string{"signup"})},
		[]models.Event{ev("signup", 0)},
	)
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return((*models.Template)(nil), false, nil)
	f.events.On("Create", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.engine.Trigger(context.Background(), "signup", subscribedContact(), "p1"))

	// The firing is recorded; a task the worker could never process is
	// not enqueued.
	f.events.AssertNumberOfCalls(t, "Create", 1)
	f.tasks.AssertNotCalled(t, "AddTask", mock.Anything, mock.Anything)
}

func TestTriggerSurfacesDispatchFailure(t *testing.T) {
	f := newFixture(
		[]models.Action{action("act-1", []string{"signup"})},
		[]models.Event{ev("signup", 0)},
	)
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return(transactionalTemplate(), true, nil)
	f.events.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.tasks.On("AddTask", mock.Anything, mock.Anything).Return("", errors.New("queue unavailable"))

	err := f.engine.Trigger(context.Background(), "signup", subscribedContact(), "p1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "act-1")

	// The linking event was still written before the failure.
	f.events.AssertNumberOfCalls(t, "Create", 1)
}

func TestTriggerEvaluatesActionsIndependently(t *testing.T) {
	blocked := action("act-1", []string{"signup"})
	blocked.NotEvents = []string{"signup"}
	open := action("act-2", []string{"signup"})

	f := newFixture([]models.Action{blocked, open}, []models.Event{ev("signup", 0)})
	f.templates.On("GetByID", mock.Anything, "p1", "tpl-1").Return(transactionalTemplate(), true, nil)
	f.events.On("Create", mock.Anything, mock.MatchedBy(func(e *models.Event) bool {
		return e.Relation == "act-2"
	})).Return(nil)
	f.tasks.On("AddTask", mock.Anything, mock.Anything).Return("msg-1", nil)

	require.NoError(t, f.engine.Trigger(context.Background(), "signup", subscribedContact(), "p1"))
	f.tasks.AssertNumberOfCalls(t, "AddTask", 1)
	f.events.AssertExpectations(t)
}
