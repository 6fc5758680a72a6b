package services

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
)

// ContactService is the subscription-state mutator. The automation
// engine never infers subscription changes on its own: every toggle
// here writes the matching subscribe/unsubscribe event back through the
// ingestion pipeline.
type ContactService struct {
	contacts   *repositories.ContactRepository
	events     *EventService
	dispatcher *dispatch.Dispatcher
}

// NewContactService creates a new contact service
func NewContactService(contacts *repositories.ContactRepository, events *EventService, dispatcher *dispatch.Dispatcher) *ContactService {
	return &ContactService{
		contacts:   contacts,
		events:     events,
		dispatcher: dispatcher,
	}
}

// Create persists a new contact. A contact created subscribed gets its
// initial subscribe event.
func (s *ContactService) Create(ctx context.Context, project string, contact *models.Contact) error {
	contact.Project = project
	if err := s.contacts.Create(ctx, contact); err != nil {
		return err
	}
	if !contact.Subscribed {
		return nil
	}
	_, err := s.events.Ingest(ctx, project, IngestEventInput{
		Contact:   contact.ID,
		EventType: models.EventTypeSubscribe,
	})
	return err
}

// SetSubscribed toggles the subscription flag and emits the matching
// event. Setting the current value is a no-op.
func (s *ContactService) SetSubscribed(ctx context.Context, project, id string, subscribed bool) (*models.Contact, error) {
	contact, ok, err := s.contacts.GetByID(ctx, project, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownContact
	}
	if contact.Subscribed == subscribed {
		return contact, nil
	}

	contact.Subscribed = subscribed
	if err := s.contacts.Update(ctx, contact); err != nil {
		return nil, err
	}

	eventType := models.EventTypeUnsubscribe
	if subscribed {
		eventType = models.EventTypeSubscribe
	}
	if _, err := s.events.Ingest(ctx, project, IngestEventInput{
		Contact:   contact.ID,
		EventType: eventType,
	}); err != nil {
		return nil, errors.Wrap(err, "subscription updated but its event could not be recorded")
	}
	return contact, nil
}

// Delete removes a contact and queues the cleanup of its children.
// Cascades are caller-driven: the store never deletes implicitly.
func (s *ContactService) Delete(ctx context.Context, project, id string) error {
	if err := s.contacts.Delete(ctx, project, id); err != nil {
		return err
	}

	_, err := s.dispatcher.AddTask(ctx, dispatch.Task{
		Type: dispatch.TaskBatchDeleteRelated,
		BatchDeleteRelated: &dispatch.BatchDeleteRelatedPayload{
			Project:   project,
			Kind:      string(models.KindContact),
			Parent:    id,
			Relations: []string{"events", "messages"},
		},
	})
	if err != nil {
		return errors.Wrap(err, "contact deleted but related cleanup could not be queued")
	}

	log.Info().Str("project", project).Str("contact", id).Msg("Contact deleted, related cleanup queued")
	return nil
}
