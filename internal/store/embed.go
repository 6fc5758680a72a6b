package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Embed resolves the named relations for a batch of parents and
// attaches the children under each parent's _embed map. One batched
// child query runs per relation name, never one per parent, so request
// fan-out stays constant in the result-set size.
func (s *Store) Embed(ctx context.Context, kind Kind, project string, parents []Entity, relations []string) error {
	if len(parents) == 0 || len(relations) == 0 {
		return nil
	}

	ids := make([]string, 0, len(parents))
	for _, p := range parents {
		ids = append(ids, p.EntityMeta().ID)
	}

	for _, name := range relations {
		rel, err := s.schemas.RelationFor(kind, name)
		if err != nil {
			return err
		}
		recs, slot, err := s.findChildren(ctx, rel.Child, project, rel.Key, ids)
		if err != nil {
			return err
		}

		byParent := make(map[string][]json.RawMessage, len(parents))
		for _, rec := range recs {
			parent := slotValue(rec, slot)
			byParent[parent] = append(byParent[parent], rec.Payload)
		}

		for _, p := range parents {
			meta := p.EntityMeta()
			children := byParent[meta.ID]
			if children == nil {
				children = []json.RawMessage{}
			}
			buf, err := json.Marshal(children)
			if err != nil {
				return errors.Wrapf(err, "failed to encode %s embed", name)
			}
			if meta.Embedded == nil {
				meta.Embedded = make(map[string]json.RawMessage, len(relations))
			}
			meta.Embedded[name] = buf
		}
	}
	return nil
}
