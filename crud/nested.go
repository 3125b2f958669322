package crud

import (
	"context"
	"fmt"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

// nestedMutation is one relation mutation extracted from an input payload:
// connect / disconnect / create / update against the target collection.
type nestedMutation struct {
	relation *schema.Relation
	spec     map[string]any
}

// extractNested pulls nested relation mutation objects out of the payload.
// Scalar FK assignments stay in place; mutation objects are resolved against
// the target collection inside the same transaction.
func (s *Service) extractNested(data map[string]any) map[string]*nestedMutation {
	out := map[string]*nestedMutation{}
	for name, rel := range s.col.Relations {
		value, present := data[name]
		if !present {
			continue
		}
		spec, ok := value.(map[string]any)
		if !ok {
			if rel.Kind == schema.HasMany {
				// hasMany relations have no column; stray scalars are dropped.
				delete(data, name)
			}
			continue
		}
		delete(data, name)
		out[name] = &nestedMutation{relation: rel, spec: spec}
	}
	return out
}

// resolveBelongsTo sequences child writes that must happen before the parent
// row exists: nested create/connect on belongsTo relations fill the FK.
func (s *Service) resolveBelongsTo(ctx context.Context, data map[string]any, nested map[string]*nestedMutation) error {
	for name, mutation := range nested {
		rel := mutation.relation
		if rel.Kind != schema.BelongsTo {
			continue
		}
		target, err := s.engine.Collection(rel.Target)
		if err != nil {
			return err
		}
		switch {
		case mutation.spec["disconnect"] != nil:
			data[rel.FKColumn] = nil
		case mutation.spec["connect"] != nil:
			id, ok := mutation.spec["connect"].(string)
			if !ok {
				return common.E(common.KindBadRequest, "%s.connect expects an id", name)
			}
			data[rel.FKColumn] = id
		case mutation.spec["create"] != nil:
			input, ok := mutation.spec["create"].(map[string]any)
			if !ok {
				return common.E(common.KindBadRequest, "%s.create expects an object", name)
			}
			child, err := target.Create(ctx, input)
			if err != nil {
				return err
			}
			data[rel.FKColumn] = child[schema.ColID]
		case mutation.spec["update"] != nil:
			input, ok := mutation.spec["update"].(map[string]any)
			if !ok {
				return common.E(common.KindBadRequest, "%s.update expects an object", name)
			}
			id, ok := data[rel.FKColumn].(string)
			if !ok || id == "" {
				return common.E(common.KindBadRequest, "%s.update requires a connected record", name)
			}
			if _, err := target.UpdateByID(ctx, id, input); err != nil {
				return err
			}
		}
		delete(nested, name)
	}
	return nil
}

// applyHasMany runs child-side mutations once the parent row exists.
func (s *Service) applyHasMany(ctx context.Context, parentID string, nested map[string]*nestedMutation) error {
	for name, mutation := range nested {
		rel := mutation.relation
		if rel.Kind != schema.HasMany {
			continue
		}
		target, err := s.engine.Collection(rel.Target)
		if err != nil {
			return err
		}
		for op, raw := range mutation.spec {
			switch op {
			case "connect":
				for _, id := range idList(raw) {
					if _, err := target.UpdateByID(ctx, id, map[string]any{rel.FKColumn: parentID}); err != nil {
						return err
					}
				}
			case "disconnect":
				for _, id := range idList(raw) {
					if _, err := target.UpdateByID(ctx, id, map[string]any{rel.FKColumn: nil}); err != nil {
						return err
					}
				}
			case "create":
				for _, item := range objectList(raw) {
					input := cloneMap(item)
					input[rel.FKColumn] = parentID
					if _, err := target.Create(ctx, input); err != nil {
						return err
					}
				}
			case "update":
				for _, item := range objectList(raw) {
					id, _ := item[schema.ColID].(string)
					if id == "" {
						return common.E(common.KindBadRequest, "%s.update items require an id", name)
					}
					input := cloneMap(item)
					delete(input, schema.ColID)
					if _, err := target.UpdateByID(ctx, id, input); err != nil {
						return err
					}
				}
			default:
				return common.E(common.KindBadRequest, "unknown nested operation %q on %s", op, name)
			}
		}
	}
	return nil
}

func idList(raw any) []string {
	switch t := raw.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

func objectList(raw any) []map[string]any {
	switch t := raw.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, v := range t {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// With selects relations to populate on read. The key is the relation field
// name; a nil WithOptions populates with defaults.
type With map[string]*WithOptions

// WithOptions refine a populated relation: filtering, ordering and paging of
// hasMany children, deeper population, or aggregation instead of rows.
type WithOptions struct {
	Where   query.Where
	OrderBy []query.Order
	Limit   int
	Offset  int
	With    With

	// Aggregate replaces the child rows with grouped aggregates.
	Aggregate *Aggregate
}

// Aggregate configures grouped aggregation over a hasMany relation.
type Aggregate struct {
	Count bool
	Sum   []string
	Avg   []string
	Min   []string
	Max   []string
}

func (a *Aggregate) terms(compiled *schema.Compiled) ([]string, []string, error) {
	exprs := []string{}
	keys := []string{}
	if a.Count {
		exprs = append(exprs, "count(*)")
		keys = append(keys, "_count")
	}
	add := func(fn string, fields []string, prefix string) error {
		for _, name := range fields {
			def, ok := compiled.Field(name)
			if !ok {
				return common.E(common.KindBadRequest, "unknown aggregate field %q", name)
			}
			if def.Kind != field.Number {
				return common.E(common.KindBadRequest, "aggregate field %q is not numeric", name)
			}
			exprs = append(exprs, fmt.Sprintf("%s(t.%s)", fn, field.QuoteIdent(name)))
			keys = append(keys, prefix+"."+name)
		}
		return nil
	}
	if err := add("sum", a.Sum, "_sum"); err != nil {
		return nil, nil, err
	}
	if err := add("avg", a.Avg, "_avg"); err != nil {
		return nil, nil, err
	}
	if err := add("min", a.Min, "_min"); err != nil {
		return nil, nil, err
	}
	if err := add("max", a.Max, "_max"); err != nil {
		return nil, nil, err
	}
	return exprs, keys, nil
}
