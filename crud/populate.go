package crud

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

// populate attaches related records per the With selection. Each relation
// issues one grouped query regardless of the number of parents.
func (s *Service) populate(ctx context.Context, docs []Record, with With) error {
	if len(with) == 0 || len(docs) == 0 {
		return nil
	}
	for _, name := range sortedWithKeys(with) {
		opts := with[name]
		rel, ok := s.col.Relations[name]
		if !ok {
			return common.E(common.KindBadRequest, "unknown relation %q", name)
		}
		target, err := s.engine.Collection(rel.Target)
		if err != nil {
			return err
		}
		switch rel.Kind {
		case schema.BelongsTo:
			if err := s.populateBelongsTo(ctx, docs, name, rel, target, opts); err != nil {
				return err
			}
		case schema.HasMany:
			if opts != nil && opts.Aggregate != nil {
				err = s.populateAggregate(ctx, docs, name, rel, target, opts)
			} else {
				err = s.populateHasMany(ctx, docs, name, rel, target, opts)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// populateBelongsTo batch-loads targets by the FK set and attaches each to
// its parents under the relation name.
func (s *Service) populateBelongsTo(ctx context.Context, docs []Record, name string, rel *schema.Relation, target *Service, opts *WithOptions) error {
	ids := make([]any, 0, len(docs))
	seen := map[string]bool{}
	for _, doc := range docs {
		id, _ := doc[rel.FKColumn].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	where := query.Where{rel.PKColumn: map[string]any{"in": ids}}
	var nestedWith With
	if opts != nil {
		nestedWith = opts.With
	}
	result, err := target.Find(ctx, &FindOptions{Where: where, Limit: len(ids), With: nestedWith})
	if err != nil {
		return err
	}
	byID := make(map[string]Record, len(result.Docs))
	for _, doc := range result.Docs {
		if id, ok := doc[rel.PKColumn].(string); ok {
			byID[id] = doc
		}
	}
	for _, doc := range docs {
		id, _ := doc[rel.FKColumn].(string)
		if related, ok := byID[id]; ok {
			doc[name] = related
		} else {
			doc[name] = nil
		}
	}
	return nil
}

// populateHasMany batch-loads children by parent FK and groups them. Child
// paging applies per parent, after grouping.
func (s *Service) populateHasMany(ctx context.Context, docs []Record, name string, rel *schema.Relation, target *Service, opts *WithOptions) error {
	parents := make([]any, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc[schema.ColID].(string); ok {
			parents = append(parents, id)
		}
	}
	if len(parents) == 0 {
		return nil
	}

	childWhere := query.Where{rel.FKColumn: map[string]any{"in": parents}}
	findOpts := &FindOptions{Where: childWhere}
	if opts != nil {
		if opts.Where != nil {
			findOpts.Where = query.Where{"AND": []any{map[string]any(childWhere), map[string]any(opts.Where)}}
		}
		findOpts.OrderBy = opts.OrderBy
		findOpts.With = opts.With
	}
	result, err := target.Find(ctx, findOpts)
	if err != nil {
		return err
	}

	grouped := map[string][]Record{}
	for _, child := range result.Docs {
		parent, _ := child[rel.FKColumn].(string)
		grouped[parent] = append(grouped[parent], child)
	}
	limit, offset := 0, 0
	if opts != nil {
		limit, offset = opts.Limit, opts.Offset
	}
	for _, doc := range docs {
		id, _ := doc[schema.ColID].(string)
		children := grouped[id]
		if offset > 0 {
			if offset >= len(children) {
				children = nil
			} else {
				children = children[offset:]
			}
		}
		if limit > 0 && len(children) > limit {
			children = children[:limit]
		}
		if children == nil {
			children = []Record{}
		}
		doc[name] = children
	}
	return nil
}

// populateAggregate runs one grouped aggregate query and attaches an
// aggregate object instead of rows.
func (s *Service) populateAggregate(ctx context.Context, docs []Record, name string, rel *schema.Relation, target *Service, opts *WithOptions) error {
	parents := make([]any, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc[schema.ColID].(string); ok {
			parents = append(parents, id)
		}
	}
	if len(parents) == 0 {
		return nil
	}

	// Aggregates share the read-access semantics of a normal child query.
	decision, err := target.col.Access.Resolve(ctx, OpRead)
	if err != nil {
		return err
	}
	if !decision.Allow {
		for _, doc := range docs {
			doc[name] = map[string]any{}
		}
		return nil
	}

	exprs, keys, err := opts.Aggregate.terms(target.col.Compiled)
	if err != nil {
		return err
	}
	if len(exprs) == 0 {
		return common.E(common.KindBadRequest, "empty aggregate on relation %q", name)
	}

	locale, fallback := target.engine.locale(ctx)
	compiler := &query.Compiler{Schema: target.col.Compiled, UseFallback: fallback}
	args := field.NewArgList()
	from := target.mainFrom(locale, fallback, args)

	conditions := []string{}
	fkExpr := fmt.Sprintf("t.%s", field.QuoteIdent(rel.FKColumn))
	placeholders := make([]string, len(parents))
	for i, p := range parents {
		placeholders[i] = args.Add(p)
	}
	conditions = append(conditions, fmt.Sprintf("%s IN (%s)", fkExpr, strings.Join(placeholders, ", ")))
	for _, w := range []query.Where{decision.Where} {
		clause, cerr := compiler.CompileWhere(w, args)
		if cerr != nil {
			return cerr
		}
		if clause != "" {
			conditions = append(conditions, clause)
		}
	}
	if opts.Where != nil {
		clause, cerr := compiler.CompileWhere(opts.Where, args)
		if cerr != nil {
			return cerr
		}
		if clause != "" {
			conditions = append(conditions, clause)
		}
	}
	if target.col.Collection.Options.SoftDelete {
		conditions = append(conditions, fmt.Sprintf("t.%s IS NULL", field.QuoteIdent(schema.ColDeletedAt)))
	}

	sql := fmt.Sprintf("SELECT %s, %s%s WHERE %s GROUP BY %s",
		fkExpr, strings.Join(exprs, ", "), from, strings.Join(conditions, " AND "), fkExpr)
	rows, err := target.engine.DB.Query(ctx, sql, args.Values()...)
	if err != nil {
		return common.FromPg(err)
	}
	defer rows.Close()

	results := map[string]map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return common.FromPg(err)
		}
		parent, _ := values[0].(string)
		agg := map[string]any{}
		for i, key := range keys {
			setAggValue(agg, key, values[i+1])
		}
		results[parent] = agg
	}
	if err := rows.Err(); err != nil {
		return common.FromPg(err)
	}

	for _, doc := range docs {
		id, _ := doc[schema.ColID].(string)
		if agg, ok := results[id]; ok {
			doc[name] = agg
		} else {
			doc[name] = emptyAggregate(keys)
		}
	}
	return nil
}

// setAggValue places "_sum.price" style keys as nested objects.
func setAggValue(agg map[string]any, key string, value any) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 1 {
		agg[key] = value
		return
	}
	nested, ok := agg[parts[0]].(map[string]any)
	if !ok {
		nested = map[string]any{}
		agg[parts[0]] = nested
	}
	nested[parts[1]] = value
}

func emptyAggregate(keys []string) map[string]any {
	agg := map[string]any{}
	for _, key := range keys {
		if key == "_count" {
			agg["_count"] = int64(0)
			continue
		}
		setAggValue(agg, key, nil)
	}
	return agg
}

func sortedWithKeys(with With) []string {
	keys := make([]string, 0, len(with))
	for k := range with {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
