package persist

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/JonMunkholm/feedloader/internal/mapping"
)

// RelationHolder parks records that reference another entity by external id
// until that entity's internal ids can be looked up. Records are held under
// the external id they reference.
type RelationHolder struct {
	relation mapping.Relation
	held     map[string][]mapping.MappedRecord
	n        int
}

// NewRelationHolder returns a holder for rel.
func NewRelationHolder(rel mapping.Relation) *RelationHolder {
	return &RelationHolder{relation: rel, held: make(map[string][]mapping.MappedRecord)}
}

// Hold parks rec under the external id in its relation field.
func (h *RelationHolder) Hold(rec mapping.MappedRecord) {
	ref := rec.String(h.relation.Field)
	h.held[ref] = append(h.held[ref], rec)
	h.n++
}

// Len is the number of parked records.
func (h *RelationHolder) Len() int { return h.n }

// Refs returns the distinct external ids currently held.
func (h *RelationHolder) Refs() []string {
	refs := lo.Keys(h.held)
	slices.Sort(refs)
	return refs
}

// UnresolvedError reports a record whose referenced entity does not exist.
type UnresolvedError struct {
	Line   int
	Target mapping.EntityType
	Ref    string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("line %d: unknown %s %q", e.Line, e.Target, e.Ref)
}

// Resolve looks up the held external ids in target and sets the internal
// id on each record. Resolved records come back in source line order;
// records whose reference is missing come back as errors. The holder is
// empty afterwards, also when the lookup fails.
func (h *RelationHolder) Resolve(ctx context.Context, store Store, clientID string, target *mapping.EntitySchema) ([]mapping.MappedRecord, []error, error) {
	held := h.held
	h.held = make(map[string][]mapping.MappedRecord)
	h.n = 0
	if len(held) == 0 {
		return nil, nil, nil
	}

	refs := lo.Filter(lo.Keys(held), func(ref string, _ int) bool { return ref != "" })
	ids, err := store.ExistingKeys(ctx, clientID, target, refs)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s references: %w", target.Type, err)
	}

	var (
		resolved []mapping.MappedRecord
		errs     []*UnresolvedError
	)
	for ref, recs := range held {
		id, ok := ids[ref]
		for _, rec := range recs {
			if !ok {
				errs = append(errs, &UnresolvedError{Line: rec.Line, Target: target.Type, Ref: ref})
				continue
			}
			rec.Set(h.relation.Into, id)
			resolved = append(resolved, rec)
		}
	}

	slices.SortStableFunc(resolved, func(a, b mapping.MappedRecord) int { return cmp.Compare(a.Line, b.Line) })
	slices.SortStableFunc(errs, func(a, b *UnresolvedError) int { return cmp.Compare(a.Line, b.Line) })
	return resolved, lo.Map(errs, func(e *UnresolvedError, _ int) error { return e }), nil
}
