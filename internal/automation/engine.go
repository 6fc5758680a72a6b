package automation

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/models"
)

// EventSource is the slice of the event repository the engine needs.
type EventSource interface {
	Create(ctx context.Context, e *models.Event) error
	ListByContact(ctx context.Context, project, contactID string) ([]models.Event, error)
}

// ActionSource lists a project's automation rules.
type ActionSource interface {
	ListByProject(ctx context.Context, project string) ([]models.Action, error)
}

// TemplateSource resolves an action's template reference.
type TemplateSource interface {
	GetByID(ctx context.Context, project, id string) (*models.Template, bool, error)
}

// TaskDispatcher enqueues the send resulting from a fired action.
type TaskDispatcher interface {
	AddTask(ctx context.Context, t dispatch.Task) (string, error)
}

// Locker serializes event handling per contact. Callers already inside
// a per-contact ordered consumer may pass a nil Locker.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Engine evaluates a contact's event history against a project's
// actions and fires the ones now satisfied. It is a thin coordinator:
// store and dispatcher failures bubble to the caller, which owns the
// retry policy for the whole ingestion pipeline.
type Engine struct {
	events    EventSource
	actions   ActionSource
	templates TemplateSource
	tasks     TaskDispatcher
	locker    Locker
	metrics   *metrics.Metrics
}

func New(events EventSource, actions ActionSource, templates TemplateSource, tasks TaskDispatcher, locker Locker, m *metrics.Metrics) *Engine {
	return &Engine{
		events:    events,
		actions:   actions,
		templates: templates,
		tasks:     tasks,
		locker:    locker,
		metrics:   m,
	}
}

// Trigger evaluates every action of the project against the contact's
// history after eventType occurred. The triggering event must already
// be persisted; its effects here are new linking events and enqueued
// send tasks.
//
// Evaluation for one contact must be serialized. The session-keyed
// event queue provides that ordering; other callers get a per-contact
// advisory lock when a Locker is configured.
func (e *Engine) Trigger(ctx context.Context, eventType string, contact *models.Contact, project string) error {
	if e.locker != nil {
		release, err := e.locker.Lock(ctx, "contact:"+project+":"+contact.ID, 30*time.Second)
		if err != nil {
			return errors.Wrap(err, "failed to serialize trigger per contact")
		}
		defer release()
	}

	// History and action list are independent reads; both must complete
	// before any action is evaluated.
	var (
		history []models.Event
		actions []models.Action
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = e.events.ListByContact(gctx, project, contact.ID)
		return err
	})
	g.Go(func() error {
		var err error
		actions, err = e.actions.ListByProject(gctx, project)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range actions {
		action := &actions[i]
		if !e.shouldFire(action, history) {
			continue
		}
		if err := e.fire(ctx, eventType, contact, project, action); err != nil {
			return err
		}
	}
	return nil
}

// shouldFire runs the per-action decision against the pre-trigger
// history. Actions are evaluated independently; one firing never feeds
// another's evaluation within the same trigger.
func (e *Engine) shouldFire(action *models.Action, history []models.Event) bool {
	// A run-once action that has ever fired for this contact is done.
	if action.RunOnce && lastFiring(action.ID, history) != nil {
		e.metrics.Increment(metrics.ActionsSkippedRunOnce)
		return false
	}

	// Exclusion is lifetime-scoped: once the contact has ever triggered
	// an excluded event type, the action is off for good, even if the
	// event predates the action.
	if hasAnyEventType(history, action.NotEvents) {
		e.metrics.Increment(metrics.ActionsSkippedExcluded)
		return false
	}

	return covered(action, coverageWindow(action, history))
}

// coverageWindow returns the slice of history the required-event match
// runs over: everything strictly after the most recent firing, or the
// whole history if the action never fired for this contact.
func coverageWindow(action *models.Action, history []models.Event) []models.Event {
	last := lastFiring(action.ID, history)
	if last == nil {
		return history
	}
	window := make([]models.Event, 0, len(history))
	for _, ev := range history {
		if ev.CreatedAt.After(last.CreatedAt) {
			window = append(window, ev)
		}
	}
	return window
}

// covered reports whether the distinct event types in the window match
// the required set exactly: every required type occurred at least once,
// unrelated events are ignored, counts and ordering do not matter.
func covered(action *models.Action, window []models.Event) bool {
	if len(action.Events) == 0 {
		return false
	}
	required := make(map[string]bool, len(action.Events))
	for _, t := range action.Events {
		required[t] = true
	}
	seen := make(map[string]bool, len(required))
	for _, ev := range window {
		if required[ev.EventType] {
			seen[ev.EventType] = true
		}
	}
	return setsEqual(keys(required), keys(seen))
}

func (e *Engine) fire(ctx context.Context, eventType string, contact *models.Contact, project string, action *models.Action) error {
	// The linking event is what makes the firing visible to future
	// evaluations: run-once detection and the next coverage window both
	// key off it.
	linking := &models.Event{
		EventType:    eventType,
		Contact:      contact.ID,
		RelationType: models.RelationAction,
		Relation:     action.ID,
		Email:        contact.Email,
	}
	linking.Project = project
	if err := e.events.Create(ctx, linking); err != nil {
		return err
	}
	e.metrics.Increment(metrics.ActionsFired)

	log.Info().
		Str("project", project).
		Str("contact", contact.ID).
		Str("action", action.ID).
		Str("event_type", eventType).
		Msg("Action fired")

	tmpl, ok, err := e.templates.GetByID(ctx, project, action.Template)
	if err != nil {
		return err
	}
	if !ok {
		// A send task for a missing template can never be processed, so
		// nothing is enqueued. The firing event above stays.
		log.Warn().
			Str("project", project).
			Str("action", action.ID).
			Str("template", action.Template).
			Msg("Skipping send for action with unknown template")
		return nil
	}

	// Marketing sends respect the subscription flag; the firing event
	// above stays either way.
	if tmpl.Type == models.TemplateMarketing && !contact.Subscribed {
		e.metrics.Increment(metrics.SendsSkippedUnsub)
		log.Info().
			Str("contact", contact.ID).
			Str("action", action.ID).
			Msg("Skipping marketing send for unsubscribed contact")
		return nil
	}

	_, err = e.tasks.AddTask(ctx, dispatch.Task{
		Type:         dispatch.TaskSendEmail,
		DelaySeconds: int64(action.Delay) * 60,
		SendEmail: &dispatch.SendEmailPayload{
			Project:  project,
			Contact:  contact.ID,
			Template: action.Template,
			Action:   action.ID,
		},
	})
	if err != nil {
		// The linking event is already written and is not rolled back:
		// a fired-but-undelivered action is a recoverable inconsistency
		// the caller must see.
		return errors.Wrapf(err, "action %s fired but its send could not be dispatched", action.ID)
	}
	return nil
}

// lastFiring returns the most recent linking event for the action, or
// nil if it never fired for this contact. History is ordered oldest
// first.
func lastFiring(actionID string, history []models.Event) *models.Event {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.RelationType == models.RelationAction && ev.Relation == actionID {
			return &history[i]
		}
	}
	return nil
}

func hasAnyEventType(history []models.Event, types []string) bool {
	if len(types) == 0 {
		return false
	}
	excluded := make(map[string]bool, len(types))
	for _, t := range types {
		excluded[t] = true
	}
	for _, ev := range history {
		if excluded[ev.EventType] {
			return true
		}
	}
	return false
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func setsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
