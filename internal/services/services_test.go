package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/services/marketing/config"
	"example.com/backstage/services/marketing/internal/automation"
	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/mailer"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
	"example.com/backstage/services/marketing/internal/search"
	"example.com/backstage/services/marketing/internal/store"
	"example.com/backstage/services/marketing/internal/tracing"
)

// captureSender records every task handed to the immediate queue.
type captureSender struct {
	mu    sync.Mutex
	tasks []dispatch.Task
	ats   []*time.Time
}

func (c *captureSender) SendTask(ctx context.Context, t dispatch.Task, scheduledAt *time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	c.ats = append(c.ats, scheduledAt)
	return fmt.Sprintf("msg-%d", len(c.tasks)), nil
}

func (c *captureSender) sent() []dispatch.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatch.Task(nil), c.tasks...)
}

// captureTransport records rendered emails instead of delivering them.
type captureTransport struct {
	mu     sync.Mutex
	emails []mailer.Email
}

func (c *captureTransport) Send(ctx context.Context, email mailer.Email) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emails = append(c.emails, email)
	return fmt.Sprintf("provider-%d", len(c.emails)), nil
}

type testEnv struct {
	sender    *captureSender
	transport *captureTransport

	contacts  *repositories.ContactRepository
	events    *repositories.EventRepository
	actions   *repositories.ActionRepository
	templates *repositories.TemplateRepository
	campaigns *repositories.CampaignRepository
	messages  *repositories.MessageRepository

	dispatcher      *dispatch.Dispatcher
	eventService    *EventService
	contactService  *ContactService
	campaignService *CampaignService
	taskService     *TaskService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	entityStore := store.New(db, models.Schemas())
	require.NoError(t, entityStore.Migrate())

	sender := &captureSender{}
	scheduler := dispatch.NewScheduler(db, sender)
	require.NoError(t, scheduler.Migrate())
	dispatcher := dispatch.New(sender, scheduler, nil)

	m := metrics.NewMetrics()
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)
	elastic, err := search.NewElasticClient(config.ElasticConfig{})
	require.NoError(t, err)

	contacts := repositories.NewContactRepository(entityStore)
	events := repositories.NewEventRepository(entityStore)
	actions := repositories.NewActionRepository(entityStore, nil)
	templates := repositories.NewTemplateRepository(entityStore)
	campaigns := repositories.NewCampaignRepository(entityStore)
	messages := repositories.NewMessageRepository(entityStore)

	engine := automation.New(events, actions, templates, dispatcher, nil, m)

	eventService := NewEventService(contacts, events, engine, elastic, m, tracer)
	contactService := NewContactService(contacts, eventService, dispatcher)
	campaignService := NewCampaignService(campaigns, contacts, dispatcher, m)
	transport := &captureTransport{}
	taskService := NewTaskService(
		contacts, templates, messages, events, campaignService,
		mailer.NewTextRenderer(), transport, m,
	)

	return &testEnv{
		sender:          sender,
		transport:       transport,
		contacts:        contacts,
		events:          events,
		actions:         actions,
		templates:       templates,
		campaigns:       campaigns,
		messages:        messages,
		dispatcher:      dispatcher,
		eventService:    eventService,
		contactService:  contactService,
		campaignService: campaignService,
		taskService:     taskService,
	}
}

func (e *testEnv) createTemplate(t *testing.T, kind models.TemplateType) *models.Template {
	t.Helper()
	tmpl := &models.Template{
		Name:    "welcome",
		Type:    kind,
		Subject: "Hello {{.Email}}",
		Body:    "Welcome aboard",
	}
	tmpl.Project = "p1"
	require.NoError(t, e.templates.Create(context.Background(), tmpl))
	return tmpl
}

func (e *testEnv) createAction(t *testing.T, tmpl *models.Template, events []string) *models.Action {
	t.Helper()
	a := &models.Action{Name: "welcome-on-signup", Events: events, Template: tmpl.ID}
	a.Project = "p1"
	require.NoError(t, e.actions.Create(context.Background(), a))
	return a
}

func (e *testEnv) createContact(t *testing.T, email string, subscribed bool) *models.Contact {
	t.Helper()
	c := &models.Contact{Email: email, Subscribed: subscribed}
	require.NoError(t, e.contactService.Create(context.Background(), "p1", c))
	return c
}

func TestIngestSignupFiresWelcomeAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tmpl := env.createTemplate(t, models.TemplateTransactional)
	action := env.createAction(t, tmpl, []string{"signup"})
	contact := env.createContact(t, "new@example.com", false)

	_, err := env.eventService.Ingest(ctx, "p1", IngestEventInput{
		Contact:   contact.ID,
		EventType: "signup",
	})
	require.NoError(t, err)

	sent := env.sender.sent()
	require.Len(t, sent, 1)
	task := sent[0]
	require.Equal(t, dispatch.TaskSendEmail, task.Type)
	require.Zero(t, task.DelaySeconds)
	require.Equal(t, contact.ID, task.SendEmail.Contact)
	require.Equal(t, tmpl.ID, task.SendEmail.Template)
	require.Equal(t, action.ID, task.SendEmail.Action)

	// The firing left a linking event in the contact's history.
	history, err := env.events.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)
	var linked bool
	for _, ev := range history {
		if ev.RelationType == models.RelationAction && ev.Relation == action.ID {
			linked = true
		}
	}
	require.True(t, linked)
}

func TestIngestByEmailResolvesContact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contact := env.createContact(t, "Someone@Example.com", false)

	event, err := env.eventService.Ingest(ctx, "p1", IngestEventInput{
		Email:     "someone@example.com",
		EventType: "page_view",
	})
	require.NoError(t, err)
	require.Equal(t, contact.ID, event.Contact)
}

func TestIngestUnknownContact(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.eventService.Ingest(context.Background(), "p1", IngestEventInput{
		Email:     "ghost@example.com",
		EventType: "page_view",
	})
	require.ErrorIs(t, err, ErrUnknownContact)
}

func TestSetSubscribedRecordsEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contact := env.createContact(t, "a@example.com", true)

	updated, err := env.contactService.SetSubscribed(ctx, "p1", contact.ID, false)
	require.NoError(t, err)
	require.False(t, updated.Subscribed)

	history, err := env.events.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(history))
	for _, ev := range history {
		types = append(types, ev.EventType)
	}
	require.Contains(t, types, models.EventTypeSubscribe)
	require.Contains(t, types, models.EventTypeUnsubscribe)
}

func TestSetSubscribedUnchangedIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contact := env.createContact(t, "a@example.com", true)
	before, err := env.events.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)

	_, err = env.contactService.SetSubscribed(ctx, "p1", contact.ID, true)
	require.NoError(t, err)

	after, err := env.events.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
}

func TestContactDeleteQueuesAndRunsCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contact := env.createContact(t, "a@example.com", false)
	_, err := env.eventService.Ingest(ctx, "p1", IngestEventInput{
		Contact:   contact.ID,
		EventType: "page_view",
	})
	require.NoError(t, err)

	require.NoError(t, env.contactService.Delete(ctx, "p1", contact.ID))

	_, ok, err := env.contacts.GetByID(ctx, "p1", contact.ID)
	require.NoError(t, err)
	require.False(t, ok)

	sent := env.sender.sent()
	require.NotEmpty(t, sent)
	cleanup := sent[len(sent)-1]
	require.Equal(t, dispatch.TaskBatchDeleteRelated, cleanup.Type)
	require.Equal(t, contact.ID, cleanup.BatchDeleteRelated.Parent)

	// Running the cleanup task removes the orphaned history.
	require.NoError(t, env.taskService.HandleTask(ctx, cleanup))
	history, err := env.events.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestHandleSendEmailRecordsMessageAndSendEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tmpl := env.createTemplate(t, models.TemplateTransactional)
	contact := env.createContact(t, "a@example.com", true)

	err := env.taskService.HandleTask(ctx, dispatch.Task{
		Type: dispatch.TaskSendEmail,
		SendEmail: &dispatch.SendEmailPayload{
			Project:  "p1",
			Contact:  contact.ID,
			Template: tmpl.ID,
			Action:   "act-1",
		},
	})
	require.NoError(t, err)

	require.Len(t, env.transport.emails, 1)
	require.Equal(t, "a@example.com", env.transport.emails[0].To)
	require.Equal(t, "Hello a@example.com", env.transport.emails[0].Subject)

	messages, err := env.messages.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, tmpl.ID, messages[0].Template)
	require.NotEmpty(t, messages[0].MessageID)

	// The provider id resolves back through the global message-id slot.
	byID, ok, err := env.messages.GetByMessageID(ctx, "p1", messages[0].MessageID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, messages[0].ID, byID.ID)

	history, err := env.events.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)
	var sendEvents int
	for _, ev := range history {
		if ev.EventType == models.EventTypeSend {
			sendEvents++
			require.Equal(t, messages[0].MessageID, ev.MessageID)
		}
	}
	require.Equal(t, 1, sendEvents)
}

func TestHandleSendEmailRechecksSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tmpl := env.createTemplate(t, models.TemplateMarketing)
	contact := env.createContact(t, "a@example.com", false)

	err := env.taskService.HandleTask(ctx, dispatch.Task{
		Type: dispatch.TaskSendEmail,
		SendEmail: &dispatch.SendEmailPayload{
			Project:  "p1",
			Contact:  contact.ID,
			Template: tmpl.ID,
		},
	})
	require.NoError(t, err)
	require.Empty(t, env.transport.emails)

	messages, err := env.messages.ListByContact(ctx, "p1", contact.ID)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestHandleSendEmailDropsMissingContact(t *testing.T) {
	env := newTestEnv(t)

	tmpl := env.createTemplate(t, models.TemplateTransactional)
	err := env.taskService.HandleTask(context.Background(), dispatch.Task{
		Type: dispatch.TaskSendEmail,
		SendEmail: &dispatch.SendEmailPayload{
			Project:  "p1",
			Contact:  "gone",
			Template: tmpl.ID,
		},
	})
	require.NoError(t, err)
	require.Empty(t, env.transport.emails)
}

func TestCampaignQueueAndFanout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tmpl := env.createTemplate(t, models.TemplateMarketing)
	subscribed := env.createContact(t, "in@example.com", true)
	env.createContact(t, "out@example.com", false)

	campaign := &models.Campaign{Name: "spring", Template: tmpl.ID, Status: models.CampaignDraft}
	campaign.Project = "p1"
	require.NoError(t, env.campaigns.Create(ctx, campaign))

	queued, err := env.campaignService.Queue(ctx, "p1", campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignQueued, queued.Status)

	// Queueing again is rejected.
	_, err = env.campaignService.Queue(ctx, "p1", campaign.ID)
	require.ErrorIs(t, err, ErrCampaignNotDraft)

	// The worker-side fan-out sends to subscribed recipients only.
	sent := env.sender.sent()
	fanout := sent[len(sent)-1]
	require.Equal(t, dispatch.TaskQueueCampaign, fanout.Type)
	require.NoError(t, env.taskService.HandleTask(ctx, fanout))

	var sendTasks []dispatch.Task
	for _, task := range env.sender.sent() {
		if task.Type == dispatch.TaskSendEmail {
			sendTasks = append(sendTasks, task)
		}
	}
	require.Len(t, sendTasks, 1)
	require.Equal(t, subscribed.ID, sendTasks[0].SendEmail.Contact)
	require.Equal(t, campaign.ID, sendTasks[0].SendEmail.Campaign)

	final, ok, err := env.campaigns.GetByID(ctx, "p1", campaign.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.CampaignSent, final.Status)
}

func TestDelayForRecipientThrottle(t *testing.T) {
	require.Zero(t, DelayForRecipient(0))
	require.Zero(t, DelayForRecipient(79))
	require.Equal(t, int64(60), DelayForRecipient(80))
	require.Equal(t, int64(60), DelayForRecipient(159))
	require.Equal(t, int64(120), DelayForRecipient(160))

	// Past ~1200 recipients the delay crosses the immediate queue's
	// ceiling and those sends take the durable path.
	require.Equal(t, int64(900), DelayForRecipient(1200))
	require.Greater(t, DelayForRecipient(1280), int64(900))
}
