package models

import "example.com/backstage/services/marketing/internal/store"

// Entity kinds sharing the single physical table.
const (
	KindContact  store.Kind = "CONTACT"
	KindEvent    store.Kind = "EVENT"
	KindAction   store.Kind = "ACTION"
	KindTemplate store.Kind = "TEMPLATE"
	KindCampaign store.Kind = "CAMPAIGN"
	KindMessage  store.Kind = "MESSAGE"
)

// Schemas builds the static per-kind slot and relation tables. The
// allocation below is the schema contract; moving a field to another
// slot requires a data migration.
func Schemas() *store.Registry {
	r := store.NewRegistry()

	r.MustRegister(store.Schema{
		Kind:  KindContact,
		Slots: map[string]store.Slot{"email": store.SlotByEmail},
		Relations: map[string]store.Relation{
			"events":   {Child: KindEvent, Key: "contact"},
			"messages": {Child: KindMessage, Key: "contact"},
		},
	})

	r.MustRegister(store.Schema{
		Kind: KindEvent,
		Slots: map[string]store.Slot{
			"contact":   store.SlotAttr1,
			"eventType": store.SlotAttr2,
			"relation":  store.SlotAttr3,
			"messageId": store.SlotByMessageID,
		},
	})

	r.MustRegister(store.Schema{
		Kind: KindAction,
		Relations: map[string]store.Relation{
			"events": {Child: KindEvent, Key: "relation"},
		},
	})

	r.MustRegister(store.Schema{Kind: KindTemplate})

	r.MustRegister(store.Schema{
		Kind:  KindCampaign,
		Slots: map[string]store.Slot{"status": store.SlotAttr1},
	})

	r.MustRegister(store.Schema{
		Kind: KindMessage,
		Slots: map[string]store.Slot{
			"contact":   store.SlotAttr1,
			"messageId": store.SlotByMessageID,
		},
	})

	return r
}
