package services

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/internal/automation"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
	"example.com/backstage/services/marketing/internal/search"
	"example.com/backstage/services/marketing/internal/tracing"
)

// ErrUnknownContact is returned when an inbound event references a
// contact the project does not have.
var ErrUnknownContact = errors.New("unknown contact")

// IngestEventInput is one inbound contact event. Contact id wins over
// email when both are present.
type IngestEventInput struct {
	Contact   string                 `json:"contact,omitempty"`
	Email     string                 `json:"email,omitempty"`
	EventType string                 `json:"eventType"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventService owns the ingestion pipeline: persist the event, index it
// for search, then hand it to the automation engine.
type EventService struct {
	contacts *repositories.ContactRepository
	events   *repositories.EventRepository
	engine   *automation.Engine
	elastic  *search.ElasticClient
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
}

// NewEventService creates a new event service
func NewEventService(
	contacts *repositories.ContactRepository,
	events *repositories.EventRepository,
	engine *automation.Engine,
	elastic *search.ElasticClient,
	m *metrics.Metrics,
	tracer tracing.Tracer,
) *EventService {
	return &EventService{
		contacts: contacts,
		events:   events,
		engine:   engine,
		elastic:  elastic,
		metrics:  m,
		tracer:   tracer,
	}
}

// Ingest persists one contact event and runs automation over it. Store
// and dispatch failures are returned to the caller, which owns the
// retry policy.
func (s *EventService) Ingest(ctx context.Context, project string, in IngestEventInput) (*models.Event, error) {
	txn := s.tracer.StartTransaction("ingest-event")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "project", project)
	s.tracer.AddAttribute(txn, "event_type", in.EventType)

	contact, err := s.resolveContact(ctx, project, in)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	event := &models.Event{
		EventType: in.EventType,
		Contact:   contact.ID,
		Email:     contact.Email,
		Data:      in.Data,
	}
	event.Project = project

	span := s.tracer.StartSpan("persist-event", txn)
	err = s.events.Create(ctx, event)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	s.metrics.Increment(metrics.EventsIngested)

	// Search indexing is best-effort and never blocks the pipeline.
	if err := s.elastic.IndexEvent(ctx, event, contact); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to index event")
	}

	span = s.tracer.StartSpan("run-automation", txn)
	err = s.engine.Trigger(ctx, in.EventType, contact, project)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	return event, nil
}

// ProcessEventMessage handles one message off the session-ordered event
// queue.
func (s *EventService) ProcessEventMessage(ctx context.Context, msg *azservicebus.ReceivedMessage) error {
	var envelope struct {
		Project string `json:"project"`
		IngestEventInput
	}
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		return errors.Wrap(err, "failed to unmarshal event message")
	}
	if envelope.Project == "" || envelope.EventType == "" {
		return errors.New("event message missing project or eventType")
	}

	_, err := s.Ingest(ctx, envelope.Project, envelope.IngestEventInput)
	if errors.Is(err, ErrUnknownContact) {
		// A dropped contact's stragglers are not worth redelivery.
		log.Warn().Str("project", envelope.Project).Str("contact", envelope.Contact).Msg("Dropping event for unknown contact")
		return nil
	}
	return err
}

func (s *EventService) resolveContact(ctx context.Context, project string, in IngestEventInput) (*models.Contact, error) {
	if in.Contact != "" {
		contact, ok, err := s.contacts.GetByID(ctx, project, in.Contact)
		if err != nil {
			return nil, err
		}
		if ok {
			return contact, nil
		}
	}
	if in.Email != "" {
		contact, ok, err := s.contacts.GetByEmail(ctx, project, in.Email)
		if err != nil {
			return nil, err
		}
		if ok {
			return contact, nil
		}
	}
	return nil, ErrUnknownContact
}
