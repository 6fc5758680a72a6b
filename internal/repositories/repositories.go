package repositories

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/internal/cache"
	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/store"
)

const actionCacheTTL = time.Minute

// ContactRepository provides typed access to contacts
type ContactRepository struct {
	store *store.Store
}

// NewContactRepository creates a new contact repository
func NewContactRepository(s *store.Store) *ContactRepository {
	return &ContactRepository{store: s}
}

// Create persists a new contact
func (r *ContactRepository) Create(ctx context.Context, c *models.Contact) error {
	return r.store.Create(ctx, c)
}

// GetByID gets a contact by id; absence is a normal branch
func (r *ContactRepository) GetByID(ctx context.Context, project, id string) (*models.Contact, bool, error) {
	var c models.Contact
	ok, err := r.store.Get(ctx, models.KindContact, project, id, &c)
	if err != nil || !ok {
		return nil, false, err
	}
	return &c, true, nil
}

// GetByEmail looks a contact up through the global by-email slot
func (r *ContactRepository) GetByEmail(ctx context.Context, project, email string) (*models.Contact, bool, error) {
	var contacts []models.Contact
	err := r.store.FindAllBy(ctx, models.KindContact, project, store.Query{
		Key:   "email",
		Value: strings.ToLower(email),
	}, &contacts)
	if err != nil {
		return nil, false, err
	}
	if len(contacts) == 0 {
		return nil, false, nil
	}
	return &contacts[0], true, nil
}

// Update fully overwrites a contact
func (r *ContactRepository) Update(ctx context.Context, c *models.Contact) error {
	return r.store.Put(ctx, c)
}

// Delete removes a contact; deleting a missing id is a no-op success
func (r *ContactRepository) Delete(ctx context.Context, project, id string) error {
	return r.store.Delete(ctx, models.KindContact, project, id)
}

// List paginates a project's contacts
func (r *ContactRepository) List(ctx context.Context, project string, opts store.ListOptions) ([]models.Contact, string, error) {
	var contacts []models.Contact
	next, err := r.store.List(ctx, models.KindContact, project, opts, &contacts)
	if err != nil {
		return nil, "", err
	}
	return contacts, next, nil
}

// ListAll drains every page of a project's contacts
func (r *ContactRepository) ListAll(ctx context.Context, project string) ([]models.Contact, error) {
	var all []models.Contact
	opts := store.ListOptions{}
	for {
		page, next, err := r.List(ctx, project, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		opts.Cursor = next
	}
}

// Embed attaches the named relations to a batch of contacts
func (r *ContactRepository) Embed(ctx context.Context, project string, contacts []models.Contact, relations []string) error {
	parents := make([]store.Entity, len(contacts))
	for i := range contacts {
		parents[i] = &contacts[i]
	}
	return r.store.Embed(ctx, models.KindContact, project, parents, relations)
}

// EventRepository provides typed access to the event stream
type EventRepository struct {
	store *store.Store
}

// NewEventRepository creates a new event repository
func NewEventRepository(s *store.Store) *EventRepository {
	return &EventRepository{store: s}
}

// Create persists a new immutable event
func (r *EventRepository) Create(ctx context.Context, e *models.Event) error {
	return r.store.Create(ctx, e)
}

// ListByContact returns a contact's full history, oldest first
func (r *EventRepository) ListByContact(ctx context.Context, project, contactID string) ([]models.Event, error) {
	var events []models.Event
	err := r.store.FindAllBy(ctx, models.KindEvent, project, store.Query{
		Key:   "contact",
		Value: contactID,
	}, &events)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// ListByRelation returns the linking events pointing at one action or
// campaign
func (r *EventRepository) ListByRelation(ctx context.Context, project, relationID string) ([]models.Event, error) {
	var events []models.Event
	err := r.store.FindAllBy(ctx, models.KindEvent, project, store.Query{
		Key:   "relation",
		Value: relationID,
	}, &events)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Delete removes one event (caller-driven cascades only)
func (r *EventRepository) Delete(ctx context.Context, project, id string) error {
	return r.store.Delete(ctx, models.KindEvent, project, id)
}

// ActionRepository provides typed access to automation rules. Actions
// are read on every trigger and written rarely, so the project list is
// cached.
type ActionRepository struct {
	store *store.Store
	cache *cache.RedisCache
}

// NewActionRepository creates a new action repository
func NewActionRepository(s *store.Store, c *cache.RedisCache) *ActionRepository {
	return &ActionRepository{store: s, cache: c}
}

// Create persists a new action and invalidates the project cache
func (r *ActionRepository) Create(ctx context.Context, a *models.Action) error {
	if err := r.store.Create(ctx, a); err != nil {
		return err
	}
	r.invalidate(ctx, a.Project)
	return nil
}

// GetByID gets an action by id
func (r *ActionRepository) GetByID(ctx context.Context, project, id string) (*models.Action, bool, error) {
	var a models.Action
	ok, err := r.store.Get(ctx, models.KindAction, project, id, &a)
	if err != nil || !ok {
		return nil, false, err
	}
	return &a, true, nil
}

// Update fully overwrites an action and invalidates the project cache
func (r *ActionRepository) Update(ctx context.Context, a *models.Action) error {
	if err := r.store.Put(ctx, a); err != nil {
		return err
	}
	r.invalidate(ctx, a.Project)
	return nil
}

// Delete removes an action and invalidates the project cache
func (r *ActionRepository) Delete(ctx context.Context, project, id string) error {
	if err := r.store.Delete(ctx, models.KindAction, project, id); err != nil {
		return err
	}
	r.invalidate(ctx, project)
	return nil
}

// ListByProject returns every action of a project, cache first
func (r *ActionRepository) ListByProject(ctx context.Context, project string) ([]models.Action, error) {
	key := cache.ActionListKey(project)

	var cached []models.Action
	if err := r.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn().Err(err).Str("project", project).Msg("Action cache read failed, falling back to store")
	}

	var actions []models.Action
	opts := store.ListOptions{}
	for {
		var page []models.Action
		next, err := r.store.List(ctx, models.KindAction, project, opts, &page)
		if err != nil {
			return nil, err
		}
		actions = append(actions, page...)
		if next == "" {
			break
		}
		opts.Cursor = next
	}

	if err := r.cache.Set(ctx, key, actions, actionCacheTTL); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("Action cache write failed")
	}
	return actions, nil
}

func (r *ActionRepository) invalidate(ctx context.Context, project string) {
	if err := r.cache.Delete(ctx, cache.ActionListKey(project)); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("Action cache invalidation failed")
	}
}

// TemplateRepository provides typed access to templates
type TemplateRepository struct {
	store *store.Store
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(s *store.Store) *TemplateRepository {
	return &TemplateRepository{store: s}
}

// Create persists a new template
func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	return r.store.Create(ctx, t)
}

// GetByID gets a template by id
func (r *TemplateRepository) GetByID(ctx context.Context, project, id string) (*models.Template, bool, error) {
	var t models.Template
	ok, err := r.store.Get(ctx, models.KindTemplate, project, id, &t)
	if err != nil || !ok {
		return nil, false, err
	}
	return &t, true, nil
}

// Update fully overwrites a template
func (r *TemplateRepository) Update(ctx context.Context, t *models.Template) error {
	return r.store.Put(ctx, t)
}

// Delete removes a template
func (r *TemplateRepository) Delete(ctx context.Context, project, id string) error {
	return r.store.Delete(ctx, models.KindTemplate, project, id)
}

// List returns one page of a project's templates
func (r *TemplateRepository) List(ctx context.Context, project string, opts store.ListOptions) ([]models.Template, string, error) {
	var templates []models.Template
	next, err := r.store.List(ctx, models.KindTemplate, project, opts, &templates)
	if err != nil {
		return nil, "", err
	}
	return templates, next, nil
}

// CampaignRepository provides typed access to campaigns
type CampaignRepository struct {
	store *store.Store
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(s *store.Store) *CampaignRepository {
	return &CampaignRepository{store: s}
}

// Create persists a new campaign
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	return r.store.Create(ctx, c)
}

// GetByID gets a campaign by id
func (r *CampaignRepository) GetByID(ctx context.Context, project, id string) (*models.Campaign, bool, error) {
	var c models.Campaign
	ok, err := r.store.Get(ctx, models.KindCampaign, project, id, &c)
	if err != nil || !ok {
		return nil, false, err
	}
	return &c, true, nil
}

// Update fully overwrites a campaign
func (r *CampaignRepository) Update(ctx context.Context, c *models.Campaign) error {
	return r.store.Put(ctx, c)
}

// Delete removes a campaign
func (r *CampaignRepository) Delete(ctx context.Context, project, id string) error {
	return r.store.Delete(ctx, models.KindCampaign, project, id)
}

// List returns one page of a project's campaigns
func (r *CampaignRepository) List(ctx context.Context, project string, opts store.ListOptions) ([]models.Campaign, string, error) {
	var campaigns []models.Campaign
	next, err := r.store.List(ctx, models.KindCampaign, project, opts, &campaigns)
	if err != nil {
		return nil, "", err
	}
	return campaigns, next, nil
}

// ListByStatus returns a project's campaigns in one lifecycle state
func (r *CampaignRepository) ListByStatus(ctx context.Context, project string, status models.CampaignStatus) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := r.store.FindAllBy(ctx, models.KindCampaign, project, store.Query{
		Key:   "status",
		Value: string(status),
	}, &campaigns)
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

// MessageRepository provides typed access to delivered messages
type MessageRepository struct {
	store *store.Store
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(s *store.Store) *MessageRepository {
	return &MessageRepository{store: s}
}

// Create persists a new message record
func (r *MessageRepository) Create(ctx context.Context, m *models.Message) error {
	return r.store.Create(ctx, m)
}

// GetByMessageID resolves a transport message id back to the stored
// message through the global by-message-id slot
func (r *MessageRepository) GetByMessageID(ctx context.Context, project, messageID string) (*models.Message, bool, error) {
	var messages []models.Message
	err := r.store.FindAllBy(ctx, models.KindMessage, project, store.Query{
		Key:   "messageId",
		Value: messageID,
	}, &messages)
	if err != nil {
		return nil, false, err
	}
	if len(messages) == 0 {
		return nil, false, nil
	}
	return &messages[0], true, nil
}

// ListByContact returns a contact's delivered messages
func (r *MessageRepository) ListByContact(ctx context.Context, project, contactID string) ([]models.Message, error) {
	var messages []models.Message
	err := r.store.FindAllBy(ctx, models.KindMessage, project, store.Query{
		Key:   "contact",
		Value: contactID,
	}, &messages)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Delete removes one message record
func (r *MessageRepository) Delete(ctx context.Context, project, id string) error {
	return r.store.Delete(ctx, models.KindMessage, project, id)
}
