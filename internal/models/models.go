package models

import (
	"strings"

	"example.com/backstage/services/marketing/internal/store"
)

// RelationType qualifies what a linking event points at.
type RelationType string

const (
	RelationAction   RelationType = "ACTION"
	RelationCampaign RelationType = "CAMPAIGN"
)

// Well-known event types the platform itself emits.
const (
	EventTypeSubscribe   = "subscribe"
	EventTypeUnsubscribe = "unsubscribe"
	EventTypeSend        = "send"
)

// Contact is a person inside one project. Subscribed is the one
// consequential mutable field: every toggle must be accompanied by a
// subscribe/unsubscribe event, written by the contact service.
type Contact struct {
	store.Meta
	Email      string                 `json:"email" validate:"required,email"`
	Subscribed bool                   `json:"subscribed"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

func (Contact) EntityKind() store.Kind { return KindContact }

func (c *Contact) IndexValues() map[string]string {
	return map[string]string{"email": strings.ToLower(c.Email)}
}

// Event is one immutable fact about a contact. There is no update path;
// a contact's history is the union of its events ordered by createdAt.
type Event struct {
	store.Meta
	EventType    string                 `json:"eventType" validate:"required"`
	Contact      string                 `json:"contact" validate:"required"`
	RelationType RelationType           `json:"relationType,omitempty"`
	Relation     string                 `json:"relation,omitempty"`
	Email        string                 `json:"email,omitempty"`
	MessageID    string                 `json:"messageId,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

func (Event) EntityKind() store.Kind { return KindEvent }

func (e *Event) IndexValues() map[string]string {
	return map[string]string{
		"contact":   e.Contact,
		"eventType": e.EventType,
		"relation":  e.Relation,
		"messageId": e.MessageID,
	}
}

// Action is an automation rule: fire once every required event type has
// occurred, unless an exclusion event ever did.
type Action struct {
	store.Meta
	Name      string   `json:"name"`
	Events    []string `json:"events" validate:"required,min=1"`
	NotEvents []string `json:"notevents,omitempty"`
	RunOnce   bool     `json:"runOnce"`
	Delay     int      `json:"delay,omitempty"` // minutes before the send goes out
	Template  string   `json:"template" validate:"required"`
}

func (Action) EntityKind() store.Kind { return KindAction }

func (a *Action) IndexValues() map[string]string { return nil }

// TemplateType splits sends that respect the subscription flag from
// those that always go out.
type TemplateType string

const (
	TemplateMarketing     TemplateType = "marketing"
	TemplateTransactional TemplateType = "transactional"
)

// Template references the content of a send. Rendering is a
// collaborator's concern; the core only reads Type and the raw bodies.
type Template struct {
	store.Meta
	Name    string       `json:"name" validate:"required"`
	Type    TemplateType `json:"templateType" validate:"required,oneof=marketing transactional"`
	Subject string       `json:"subject"`
	Body    string       `json:"body"`
}

func (Template) EntityKind() store.Kind { return KindTemplate }

func (t *Template) IndexValues() map[string]string { return nil }

// CampaignStatus tracks a campaign through its queue lifecycle.
type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "draft"
	CampaignQueued CampaignStatus = "queued"
	CampaignSent   CampaignStatus = "sent"
)

// Campaign is a one-off send to every subscribed contact of a project.
type Campaign struct {
	store.Meta
	Name     string         `json:"name" validate:"required"`
	Template string         `json:"template" validate:"required"`
	Status   CampaignStatus `json:"status" validate:"required,oneof=draft queued sent"`
}

func (Campaign) EntityKind() store.Kind { return KindCampaign }

func (c *Campaign) IndexValues() map[string]string {
	return map[string]string{"status": string(c.Status)}
}

// Message records one delivered send, keyed back to the transport's
// message id so bounce/open events can be correlated.
type Message struct {
	store.Meta
	Contact   string `json:"contact" validate:"required"`
	MessageID string `json:"messageId,omitempty"`
	Template  string `json:"template,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action,omitempty"`
	Campaign  string `json:"campaign,omitempty"`
}

func (Message) EntityKind() store.Kind { return KindMessage }

func (m *Message) IndexValues() map[string]string {
	return map[string]string{
		"contact":   m.Contact,
		"messageId": m.MessageID,
	}
}
