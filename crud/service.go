package crud

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/db"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

// Service exposes the CRUD operations of one collection.
type Service struct {
	engine       *Engine
	col          *Collection
	resourceType string
}

// Name returns the collection name.
func (s *Service) Name() string { return s.col.Collection.Name }

// Schema exposes the compiled collection.
func (s *Service) Schema() *schema.Compiled { return s.col.Compiled }

// FindOptions parameterise find and findOne.
type FindOptions struct {
	Where   query.Where
	OrderBy []query.Order
	Limit   int
	Offset  int
	With    With

	// Stage reads a non-initial workflow stage from the versions table.
	Stage string

	// IncludeDeleted opts into soft-deleted rows.
	IncludeDeleted bool
}

// FindResult is a page of records plus the filter's total.
type FindResult struct {
	Docs  []Record `json:"docs"`
	Total int      `json:"total"`
}

// Find lists records matching the options.
func (s *Service) Find(ctx context.Context, opts *FindOptions) (*FindResult, error) {
	if opts == nil {
		opts = &FindOptions{}
	}
	decision, err := s.col.Access.Resolve(ctx, OpRead)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		// Denied reads yield no rows rather than an error.
		return &FindResult{Docs: []Record{}}, nil
	}

	rows, total, err := s.query(ctx, opts, decision.Where)
	if err != nil {
		return nil, err
	}
	docs := make([]Record, len(rows))
	for i, row := range rows {
		docs[i] = s.col.decodeRecord(row)
	}
	if err := s.populate(ctx, docs, opts.With); err != nil {
		return nil, err
	}
	return &FindResult{Docs: docs, Total: total}, nil
}

// FindOne returns the first record matching the options, or nil.
func (s *Service) FindOne(ctx context.Context, opts *FindOptions) (Record, error) {
	if opts == nil {
		opts = &FindOptions{}
	}
	limited := *opts
	limited.Limit = 1
	limited.Offset = 0
	result, err := s.Find(ctx, &limited)
	if err != nil {
		return nil, err
	}
	if len(result.Docs) == 0 {
		return nil, nil
	}
	return result.Docs[0], nil
}

// FindByID returns the record with the given id, or NotFound.
func (s *Service) FindByID(ctx context.Context, id string, with With) (Record, error) {
	record, err := s.FindOne(ctx, &FindOptions{Where: query.Where{"id": id}, With: with})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, common.NotFound(s.Name(), id)
	}
	return record, nil
}

// Lookup reads a record by id without access rules, for internal pipelines
// such as search indexing. Soft-deleted records are not returned.
func (s *Service) Lookup(ctx context.Context, id string) (Record, error) {
	return s.readBack(ctx, id)
}

// Count returns the number of records matching the filter.
func (s *Service) Count(ctx context.Context, where query.Where) (int, error) {
	decision, err := s.col.Access.Resolve(ctx, OpRead)
	if err != nil {
		return 0, err
	}
	if !decision.Allow {
		return 0, nil
	}
	_, total, err := s.query(ctx, &FindOptions{Where: where, Limit: -1}, decision.Where)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// query composes and runs the read statement plus its count twin. A Limit of
// -1 skips the row query entirely (count only).
func (s *Service) query(ctx context.Context, opts *FindOptions, accessWhere query.Where) ([]map[string]any, int, error) {
	locale, fallback := s.engine.locale(ctx)

	fromStage := opts.Stage != "" && opts.Stage != s.col.Collection.Options.Workflow.InitialStage()
	if opts.Stage != "" {
		wf := s.col.Collection.Options.Workflow
		if wf == nil || !wf.HasStage(opts.Stage) {
			return nil, 0, common.E(common.KindBadRequest, "unknown stage %q", opts.Stage)
		}
	}

	compiler := &query.Compiler{Schema: s.col.Compiled, UseFallback: fallback}
	args := field.NewArgList()

	var from string
	if fromStage {
		from = s.stageFrom(opts.Stage, locale, fallback, args)
	} else {
		from = s.mainFrom(locale, fallback, args)
	}

	conditions := make([]string, 0, 4)
	if clause, err := compiler.CompileWhere(opts.Where, args); err != nil {
		return nil, 0, err
	} else if clause != "" {
		conditions = append(conditions, clause)
	}
	if clause, err := compiler.CompileWhere(accessWhere, args); err != nil {
		return nil, 0, err
	} else if clause != "" {
		conditions = append(conditions, clause)
	}
	if s.col.Collection.Options.SoftDelete && !opts.IncludeDeleted {
		conditions = append(conditions, fmt.Sprintf("t.%s IS NULL", field.QuoteIdent(schema.ColDeletedAt)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	countSQL := "SELECT count(*)" + from + where
	var total int
	if err := s.engine.DB.QueryRow(ctx, countSQL, args.Values()...).Scan(&total); err != nil {
		return nil, 0, common.FromPg(err)
	}
	if opts.Limit == -1 {
		return nil, total, nil
	}

	order, err := compiler.CompileOrder(opts.OrderBy)
	if err != nil {
		return nil, 0, err
	}

	var projection string
	if fromStage {
		projection = s.col.versionSelectColumns(fallback)
	} else {
		projection = s.col.selectColumns(fallback, "t")
	}
	sql := "SELECT " + projection + from + where + " ORDER BY " + order
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.engine.DB.Query(ctx, sql, args.Values()...)
	if err != nil {
		return nil, 0, common.FromPg(err)
	}
	records, err := db.CollectRows(rows)
	if err != nil {
		return nil, 0, common.FromPg(err)
	}
	return records, total, nil
}

// mainFrom joins the main table with the locale sidecars.
func (s *Service) mainFrom(locale string, fallback bool, args *field.ArgList) string {
	from := fmt.Sprintf(" FROM %s t", field.QuoteIdent(s.col.Table.Name))
	if !s.col.HasI18n() {
		return from
	}
	sidecar := field.QuoteIdent(s.col.I18nTable.Name)
	from += fmt.Sprintf(" LEFT JOIN %s i ON i.%s = t.%s AND i.%s = %s",
		sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColID),
		field.QuoteIdent(schema.ColLocale), args.Add(locale))
	if fallback {
		from += fmt.Sprintf(" LEFT JOIN %s f ON f.%s = t.%s AND f.%s = %s",
			sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColID),
			field.QuoteIdent(schema.ColLocale), args.Add(s.engine.DefaultLocale))
	}
	return from
}

// stageFrom reads the latest version row per record tagged with the stage.
func (s *Service) stageFrom(stage, locale string, fallback bool, args *field.ArgList) string {
	from := fmt.Sprintf(
		" FROM (SELECT DISTINCT ON (%s) * FROM %s WHERE %s = %s ORDER BY %s, %s DESC) t",
		field.QuoteIdent(schema.ColID),
		field.QuoteIdent(s.col.VersionsTable.Name),
		field.QuoteIdent(schema.ColVersionStage), args.Add(stage),
		field.QuoteIdent(schema.ColID), field.QuoteIdent(schema.ColVersionNumber),
	)
	if s.col.VersionsI18nTable == nil {
		return from
	}
	sidecar := field.QuoteIdent(s.col.VersionsI18nTable.Name)
	from += fmt.Sprintf(" LEFT JOIN %s i ON i.%s = t.%s AND i.%s = %s",
		sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColVersionID),
		field.QuoteIdent(schema.ColLocale), args.Add(locale))
	if fallback {
		from += fmt.Sprintf(" LEFT JOIN %s f ON f.%s = t.%s AND f.%s = %s",
			sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColVersionID),
			field.QuoteIdent(schema.ColLocale), args.Add(s.engine.DefaultLocale))
	}
	return from
}

// fetchForWrite loads a row by id inside the transaction, applying the write
// access predicate. Distinguishes NotFound from Forbidden.
func (s *Service) fetchForWrite(ctx context.Context, id string, decision Decision, includeDeleted bool) (map[string]any, error) {
	locale, fallback := s.engine.locale(ctx)
	compiler := &query.Compiler{Schema: s.col.Compiled, UseFallback: fallback}
	args := field.NewArgList()
	from := s.mainFrom(locale, fallback, args)

	conditions := []string{fmt.Sprintf("t.%s = %s", field.QuoteIdent(schema.ColID), args.Add(id))}
	if s.col.Collection.Options.SoftDelete && !includeDeleted {
		conditions = append(conditions, fmt.Sprintf("t.%s IS NULL", field.QuoteIdent(schema.ColDeletedAt)))
	}
	baseConditions := len(conditions)
	if clause, err := compiler.CompileWhere(decision.Where, args); err != nil {
		return nil, err
	} else if clause != "" {
		conditions = append(conditions, clause)
	}

	sql := "SELECT " + s.col.selectColumns(fallback, "t") + from +
		" WHERE " + strings.Join(conditions, " AND ") + " FOR UPDATE OF t"
	rows, err := s.engine.DB.Query(ctx, sql, args.Values()...)
	if err != nil {
		return nil, common.FromPg(err)
	}
	row, err := db.CollectOneRow(rows)
	if err != nil {
		return nil, common.FromPg(err)
	}
	if row != nil {
		return row, nil
	}
	if len(conditions) == baseConditions {
		return nil, common.NotFound(s.Name(), id)
	}

	// Re-check without the access predicate to report the right error.
	var exists int
	probe := fmt.Sprintf("SELECT 1 FROM %s t WHERE t.%s = $1", field.QuoteIdent(s.col.Table.Name), field.QuoteIdent(schema.ColID))
	if err := s.engine.DB.QueryRow(ctx, probe, id).Scan(&exists); err != nil {
		return nil, common.NotFound(s.Name(), id)
	}
	return nil, common.Forbidden(string(OpUpdate), s.Name())
}

// matchingIDs resolves the ids targeted by updateMany / deleteMany.
func (s *Service) matchingIDs(ctx context.Context, where, accessWhere query.Where) ([]string, error) {
	locale, fallback := s.engine.locale(ctx)
	compiler := &query.Compiler{Schema: s.col.Compiled, UseFallback: fallback}
	args := field.NewArgList()
	from := s.mainFrom(locale, fallback, args)

	conditions := make([]string, 0, 3)
	for _, w := range []query.Where{where, accessWhere} {
		clause, err := compiler.CompileWhere(w, args)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			conditions = append(conditions, clause)
		}
	}
	if s.col.Collection.Options.SoftDelete {
		conditions = append(conditions, fmt.Sprintf("t.%s IS NULL", field.QuoteIdent(schema.ColDeletedAt)))
	}
	sql := fmt.Sprintf("SELECT t.%s%s", field.QuoteIdent(schema.ColID), from)
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY t.%s", field.QuoteIdent(schema.ColID))

	rows, err := s.engine.DB.Query(ctx, sql, args.Values()...)
	if err != nil {
		return nil, common.FromPg(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, common.FromPg(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
