package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates entity types sharing the single physical table.
// Combined with a project id it forms the partition key.
type Kind string

// Slot is a physical index attribute a logical query field is mapped
// onto: four local projection slots plus two named global lookup slots.
type Slot string

const (
	SlotAttr1 Slot = "i_attr1"
	SlotAttr2 Slot = "i_attr2"
	SlotAttr3 Slot = "i_attr3"
	SlotAttr4 Slot = "i_attr4"

	SlotByEmail     Slot = "g_email"
	SlotByMessageID Slot = "g_message_id"
)

// Relation declares an embeddable child relationship: children of Kind
// Child whose logical field Key holds the parent's id.
type Relation struct {
	Child Kind
	Key   string
}

// Schema is the static descriptor for one entity kind: which logical
// field goes in which physical slot, and which relations may be
// embedded. The mapping is fixed for the lifetime of the schema;
// remapping requires a data migration.
type Schema struct {
	Kind      Kind
	Slots     map[string]Slot
	Relations map[string]Relation
}

// Registry holds the schema for every registered kind. It is built once
// at start-up and read-only afterwards.
type Registry struct {
	schemas map[Kind]Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[Kind]Schema)}
}

// MustRegister adds a schema, panicking on duplicate kinds or on two
// logical fields claiming the same slot. Slot allocation mistakes are
// start-up failures, not runtime surprises.
func (r *Registry) MustRegister(s Schema) {
	if s.Kind == "" {
		panic("store: schema with empty kind")
	}
	if _, ok := r.schemas[s.Kind]; ok {
		panic(fmt.Sprintf("store: kind %s registered twice", s.Kind))
	}
	used := make(map[Slot]string, len(s.Slots))
	for field, slot := range s.Slots {
		if !validSlot(slot) {
			panic(fmt.Sprintf("store: kind %s maps %q to unknown slot %q", s.Kind, field, slot))
		}
		if prev, ok := used[slot]; ok {
			panic(fmt.Sprintf("store: kind %s maps both %q and %q to slot %s", s.Kind, prev, field, slot))
		}
		used[slot] = field
	}
	r.schemas[s.Kind] = s
}

// Resolve maps a logical query key to its physical slot, or fails with
// UnsupportedIndexError if the kind never declared it.
func (r *Registry) Resolve(kind Kind, key string) (Slot, error) {
	s, ok := r.schemas[kind]
	if !ok {
		return "", &UnsupportedIndexError{Kind: kind, Key: key}
	}
	slot, ok := s.Slots[key]
	if !ok {
		return "", &UnsupportedIndexError{Kind: kind, Key: key}
	}
	return slot, nil
}

// RelationFor looks up a declared relation by name.
func (r *Registry) RelationFor(kind Kind, name string) (Relation, error) {
	s, ok := r.schemas[kind]
	if !ok {
		return Relation{}, &UnsupportedIndexError{Kind: kind, Key: name}
	}
	rel, ok := s.Relations[name]
	if !ok {
		return Relation{}, &UnsupportedIndexError{Kind: kind, Key: name}
	}
	return rel, nil
}

func validSlot(s Slot) bool {
	switch s {
	case SlotAttr1, SlotAttr2, SlotAttr3, SlotAttr4, SlotByEmail, SlotByMessageID:
		return true
	}
	return false
}

// Meta carries the fields every persisted entity shares. Embed it in a
// concrete entity struct; the store owns these fields and fills them on
// write.
type Meta struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Embedded holds child entities attached on read, one JSON array
	// per requested relation name. Never persisted.
	Embedded map[string]json.RawMessage `json:"_embed,omitempty"`
}

// EntityMeta returns the shared meta block for store bookkeeping.
func (m *Meta) EntityMeta() *Meta { return m }

// Entity is any persistable record: a concrete struct embedding Meta
// that knows its kind and exposes the logical index values its schema
// projects into physical slots.
type Entity interface {
	EntityKind() Kind
	EntityMeta() *Meta
	IndexValues() map[string]string
}
