package services

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/mailer"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
)

// TaskService executes the tasks the dispatcher routed. It runs on the
// worker, pulling from the immediate queue.
type TaskService struct {
	contacts  *repositories.ContactRepository
	templates *repositories.TemplateRepository
	messages  *repositories.MessageRepository
	events    *repositories.EventRepository
	campaigns *CampaignService
	renderer  mailer.Renderer
	transport mailer.Transport
	metrics   *metrics.Metrics
}

// NewTaskService creates a new task service
func NewTaskService(
	contacts *repositories.ContactRepository,
	templates *repositories.TemplateRepository,
	messages *repositories.MessageRepository,
	events *repositories.EventRepository,
	campaigns *CampaignService,
	renderer mailer.Renderer,
	transport mailer.Transport,
	m *metrics.Metrics,
) *TaskService {
	return &TaskService{
		contacts:  contacts,
		templates: templates,
		messages:  messages,
		events:    events,
		campaigns: campaigns,
		renderer:  renderer,
		transport: transport,
		metrics:   m,
	}
}

// ProcessTaskMessage handles one message off the task queue.
func (s *TaskService) ProcessTaskMessage(ctx context.Context, msg *azservicebus.ReceivedMessage) error {
	var t dispatch.Task
	if err := json.Unmarshal(msg.Body, &t); err != nil {
		return errors.Wrap(err, "failed to unmarshal task message")
	}
	if err := s.HandleTask(ctx, t); err != nil {
		s.metrics.Increment(metrics.TaskFailures)
		return err
	}
	s.metrics.Increment(metrics.TasksProcessed)
	return nil
}

// HandleTask executes one task.
func (s *TaskService) HandleTask(ctx context.Context, t dispatch.Task) error {
	switch t.Type {
	case dispatch.TaskSendEmail:
		if t.SendEmail == nil {
			return errors.New("sendEmail task without payload")
		}
		return s.sendEmail(ctx, t.SendEmail)
	case dispatch.TaskQueueCampaign:
		if t.QueueCampaign == nil {
			return errors.New("queueCampaign task without payload")
		}
		return s.campaigns.Fanout(ctx, t.QueueCampaign.Project, t.QueueCampaign.Campaign)
	case dispatch.TaskBatchDeleteRelated:
		if t.BatchDeleteRelated == nil {
			return errors.New("batchDeleteRelated task without payload")
		}
		return s.batchDeleteRelated(ctx, t.BatchDeleteRelated)
	default:
		return errors.Errorf("unknown task type %q", t.Type)
	}
}

func (s *TaskService) sendEmail(ctx context.Context, p *dispatch.SendEmailPayload) error {
	contact, ok, err := s.contacts.GetByID(ctx, p.Project, p.Contact)
	if err != nil {
		return err
	}
	if !ok {
		// Deleted between dispatch and delivery; nothing to send.
		log.Warn().Str("project", p.Project).Str("contact", p.Contact).Msg("Dropping send for missing contact")
		return nil
	}

	tmpl, ok, err := s.templates.GetByID(ctx, p.Project, p.Template)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("template %s not found in project %s", p.Template, p.Project)
	}

	// The flag is re-checked at delivery time: a long-delayed send must
	// not go out to a contact who unsubscribed while it waited.
	if tmpl.Type == models.TemplateMarketing && !contact.Subscribed {
		s.metrics.Increment(metrics.SendsSkippedUnsub)
		log.Info().Str("contact", contact.ID).Str("template", tmpl.ID).Msg("Skipping marketing send for unsubscribed contact")
		return nil
	}

	email, err := s.renderer.Render(ctx, tmpl, contact)
	if err != nil {
		return err
	}
	messageID, err := s.transport.Send(ctx, email)
	if err != nil {
		return errors.Wrapf(err, "failed to deliver to %s", contact.Email)
	}

	message := &models.Message{
		Contact:   contact.ID,
		MessageID: messageID,
		Template:  tmpl.ID,
		Subject:   email.Subject,
		Action:    p.Action,
		Campaign:  p.Campaign,
	}
	message.Project = p.Project
	if err := s.messages.Create(ctx, message); err != nil {
		return err
	}

	sendEvent := &models.Event{
		EventType: models.EventTypeSend,
		Contact:   contact.ID,
		Email:     contact.Email,
		MessageID: messageID,
	}
	if p.Campaign != "" {
		sendEvent.RelationType = models.RelationCampaign
		sendEvent.Relation = p.Campaign
	}
	sendEvent.Project = p.Project
	return s.events.Create(ctx, sendEvent)
}

func (s *TaskService) batchDeleteRelated(ctx context.Context, p *dispatch.BatchDeleteRelatedPayload) error {
	if p.Kind != string(models.KindContact) {
		return errors.Errorf("no related cleanup defined for kind %q", p.Kind)
	}

	for _, relation := range p.Relations {
		switch relation {
		case "events":
			events, err := s.events.ListByContact(ctx, p.Project, p.Parent)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := s.events.Delete(ctx, p.Project, ev.ID); err != nil {
					return err
				}
			}
		case "messages":
			messages, err := s.messages.ListByContact(ctx, p.Project, p.Parent)
			if err != nil {
				return err
			}
			for _, m := range messages {
				if err := s.messages.Delete(ctx, p.Project, m.ID); err != nil {
					return err
				}
			}
		default:
			return errors.Errorf("no related cleanup defined for relation %q", relation)
		}
	}

	log.Info().Str("project", p.Project).Str("parent", p.Parent).Strs("relations", p.Relations).Msg("Related entities deleted")
	return nil
}
