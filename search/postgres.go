package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/db"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

const searchTable = "strata_search"

// PostgresAdapter indexes into a tsvector table in the content database, so
// search needs no extra infrastructure. Ranking uses ts_rank over a simple
// dictionary; highlights come from ts_headline.
type PostgresAdapter struct {
	DB *db.DB
}

func NewPostgresAdapter(database *db.DB) *PostgresAdapter {
	return &PostgresAdapter{DB: database}
}

// Migrations returns the index table DDL; the runner executes it after user
// migrations and tolerates existing objects.
func (p *PostgresAdapter) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + searchTable + ` (
  collection text NOT NULL,
  record_id text NOT NULL,
  locale text NOT NULL DEFAULT '',
  title text NOT NULL DEFAULT '',
  content text NOT NULL DEFAULT '',
  metadata jsonb,
  tsv tsvector GENERATED ALWAYS AS (
    setweight(to_tsvector('simple', coalesce(title, '')), 'A') ||
    setweight(to_tsvector('simple', coalesce(content, '')), 'B')
  ) STORED,
  PRIMARY KEY (collection, record_id, locale)
)`,
		`CREATE INDEX IF NOT EXISTS strata_search_tsv_idx ON ` + searchTable + ` USING GIN (tsv)`,
		`CREATE INDEX IF NOT EXISTS strata_search_collection_idx ON ` + searchTable + ` (collection)`,
	}
}

func (p *PostgresAdapter) Index(ctx context.Context, doc Document) error {
	var metadata any
	if doc.Metadata != nil {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return common.Internalf(err, "search metadata serialisation failed")
		}
		metadata = string(raw)
	}
	err := p.DB.Exec(ctx, `INSERT INTO `+searchTable+` (collection, record_id, locale, title, content, metadata)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (collection, record_id, locale)
DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content, metadata = EXCLUDED.metadata`,
		doc.Collection, doc.RecordID, doc.Locale, doc.Title, doc.Content, metadata)
	return common.FromPg(err)
}

func (p *PostgresAdapter) Delete(ctx context.Context, collection, recordID, locale string) error {
	if locale == "" {
		return common.FromPg(p.DB.Exec(ctx,
			`DELETE FROM `+searchTable+` WHERE collection = $1 AND record_id = $2`,
			collection, recordID))
	}
	return common.FromPg(p.DB.Exec(ctx,
		`DELETE FROM `+searchTable+` WHERE collection = $1 AND record_id = $2 AND locale = $3`,
		collection, recordID, locale))
}

func (p *PostgresAdapter) DeleteCollection(ctx context.Context, collection string) error {
	return common.FromPg(p.DB.Exec(ctx,
		`DELETE FROM `+searchTable+` WHERE collection = $1`, collection))
}

// tsqueryFn maps a query mode to its tsquery parser.
func tsqueryFn(mode string) string {
	switch mode {
	case ModePhrase:
		return "phraseto_tsquery"
	case ModeWebsearch:
		return "websearch_to_tsquery"
	default:
		return "plainto_tsquery"
	}
}

// compileWhere renders the match condition. Each query execution carries its
// own argument list, so the condition is rebuilt per statement.
func (p *PostgresAdapter) compileWhere(q Query, args *field.ArgList) (where, tsq string, err error) {
	tsq = tsqueryFn(q.Mode) + `('simple', ` + args.Add(q.Text) + `)`
	conditions := []string{
		`tsv @@ ` + tsq,
		searchTable + `.collection = ANY(` + args.Add(q.Collections) + `)`,
		searchTable + `.locale = ` + args.Add(q.Locale),
	}
	for _, name := range sortedMapKeys(q.Filters) {
		clause, cerr := filterClause(name, q.Filters[name], q, args)
		if cerr != nil {
			return "", "", cerr
		}
		conditions = append(conditions, clause)
	}
	return strings.Join(conditions, " AND "), tsq, nil
}

// filterClause scopes hits from one collection to rows that satisfy the
// compiled predicate against the collection's own tables, mirroring the
// locale joins CRUD reads use. Soft-deleted rows never match.
func filterClause(name string, f Filter, q Query, args *field.ArgList) (string, error) {
	from := fmt.Sprintf("FROM %s t", field.QuoteIdent(f.Schema.Table.Name))
	if f.Schema.HasI18n() {
		sidecar := field.QuoteIdent(f.Schema.I18nTable.Name)
		from += fmt.Sprintf(" LEFT JOIN %s i ON i.%s = t.%s AND i.%s = %s",
			sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColID),
			field.QuoteIdent(schema.ColLocale), args.Add(q.Locale))
		from += fmt.Sprintf(" LEFT JOIN %s f ON f.%s = t.%s AND f.%s = %s",
			sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColID),
			field.QuoteIdent(schema.ColLocale), args.Add(q.DefaultLocale))
	}
	compiler := &query.Compiler{Schema: f.Schema, UseFallback: true}
	clause, err := compiler.CompileWhere(f.Where, args)
	if err != nil {
		return "", err
	}
	conditions := []string{
		fmt.Sprintf("t.%s = %s.record_id", field.QuoteIdent(schema.ColID), searchTable),
	}
	if f.Schema.Collection.Options.SoftDelete {
		conditions = append(conditions, fmt.Sprintf("t.%s IS NULL", field.QuoteIdent(schema.ColDeletedAt)))
	}
	if clause != "" {
		conditions = append(conditions, clause)
	}
	return fmt.Sprintf("(%s.collection <> %s OR EXISTS (SELECT 1 %s WHERE %s))",
		searchTable, args.Add(name), from, strings.Join(conditions, " AND ")), nil
}

func (p *PostgresAdapter) Search(ctx context.Context, q Query) (*Page, error) {
	countArgs := field.NewArgList()
	where, _, err := p.compileWhere(q, countArgs)
	if err != nil {
		return nil, err
	}
	page := &Page{}
	err = p.DB.QueryRow(ctx,
		`SELECT count(*) FROM `+searchTable+` WHERE `+where,
		countArgs.Values()...).Scan(&page.Total)
	if err != nil {
		return nil, common.FromPg(err)
	}

	pageArgs := field.NewArgList()
	where, tsq, err := p.compileWhere(q, pageArgs)
	if err != nil {
		return nil, err
	}
	headline := `''`
	if q.Highlights {
		headline = `ts_headline('simple', content, ` + tsq + `, 'MaxFragments=2')`
	}
	rows, err := p.DB.Query(ctx,
		`SELECT collection, record_id, locale, title,
  ts_rank(tsv, `+tsq+`) AS score, `+headline+` AS highlight
FROM `+searchTable+`
WHERE `+where+`
ORDER BY score DESC, record_id ASC
LIMIT `+pageArgs.Add(q.Limit)+` OFFSET `+pageArgs.Add(q.Offset),
		pageArgs.Values()...)
	if err != nil {
		return nil, common.FromPg(err)
	}
	defer rows.Close()

	for rows.Next() {
		var hit Hit
		var highlight string
		if err := rows.Scan(&hit.Collection, &hit.RecordID, &hit.Locale, &hit.Title, &hit.Score, &highlight); err != nil {
			return nil, err
		}
		if highlight != "" {
			hit.Highlights = []string{highlight}
		}
		page.Hits = append(page.Hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(q.Facets) > 0 {
		page.Facets = map[string]map[string]int{}
		for _, key := range q.Facets {
			counts, err := p.facetCounts(ctx, q, key)
			if err != nil {
				return nil, err
			}
			page.Facets[key] = counts
		}
	}
	return page, nil
}

// facetCounts aggregates one metadata key's values over the matching rows.
func (p *PostgresAdapter) facetCounts(ctx context.Context, q Query, key string) (map[string]int, error) {
	args := field.NewArgList()
	where, _, err := p.compileWhere(q, args)
	if err != nil {
		return nil, err
	}
	keyArg := args.Add(key)
	rows, err := p.DB.Query(ctx,
		`SELECT metadata ->> `+keyArg+`, count(*)
FROM `+searchTable+`
WHERE `+where+` AND metadata ? `+keyArg+`
GROUP BY 1`,
		args.Values()...)
	if err != nil {
		return nil, common.FromPg(err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var value string
		var count int
		if err := rows.Scan(&value, &count); err != nil {
			return nil, err
		}
		counts[value] = count
	}
	return counts, rows.Err()
}
