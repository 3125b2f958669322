package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

func TestPostgresMigrations(t *testing.T) {
	ddl := (&PostgresAdapter{}).Migrations()
	require.Len(t, ddl, 3)

	table := ddl[0]
	assert.Contains(t, table, "CREATE TABLE IF NOT EXISTS strata_search")
	assert.Contains(t, table, "PRIMARY KEY (collection, record_id, locale)")
	assert.Contains(t, table, "GENERATED ALWAYS AS")
	assert.Contains(t, table, "setweight(to_tsvector('simple', coalesce(title, '')), 'A')")
	assert.Contains(t, table, "setweight(to_tsvector('simple', coalesce(content, '')), 'B')")

	assert.True(t, strings.Contains(ddl[1], "USING GIN (tsv)"))
	for _, stmt := range ddl {
		assert.Contains(t, stmt, "IF NOT EXISTS", "reruns must be idempotent")
	}
}

func compiledNotes(t *testing.T) *schema.Compiled {
	t.Helper()
	compiled, err := schema.Compile(&schema.Collection{
		Name: "notes",
		Fields: field.NewFields().
			Add("title", &field.Definition{Kind: field.Text}).
			Add("ownerId", &field.Definition{Kind: field.Text}),
		Options: schema.Options{SoftDelete: true},
	})
	require.NoError(t, err)
	return compiled
}

func TestTsqueryModeSelection(t *testing.T) {
	assert.Equal(t, "plainto_tsquery", tsqueryFn(""))
	assert.Equal(t, "plainto_tsquery", tsqueryFn(ModePlain))
	assert.Equal(t, "phraseto_tsquery", tsqueryFn(ModePhrase))
	assert.Equal(t, "websearch_to_tsquery", tsqueryFn(ModeWebsearch))
}

func TestFilterClauseScopesOneCollection(t *testing.T) {
	args := field.NewArgList()
	clause, err := filterClause("notes", Filter{
		Schema: compiledNotes(t),
		Where:  query.Where{"ownerId": "u1"},
	}, Query{Locale: "en", DefaultLocale: "en"}, args)
	require.NoError(t, err)

	// Other collections pass untouched; "notes" hits must have a visible
	// source row.
	assert.True(t, strings.HasPrefix(clause, "(strata_search.collection <> $"), clause)
	assert.Contains(t, clause, `EXISTS (SELECT 1 FROM "notes" t WHERE`)
	assert.Contains(t, clause, `t."id" = strata_search.record_id`)
	assert.Contains(t, clause, `t."deleted_at" IS NULL`)
	assert.Contains(t, clause, `t."ownerId" = $1`)
	assert.Equal(t, []any{"u1", "notes"}, args.Values())
}

func TestFilterClauseJoinsLocaleSidecars(t *testing.T) {
	compiled, err := schema.Compile(&schema.Collection{
		Name: "pages",
		Fields: field.NewFields().
			Add("title", &field.Definition{Kind: field.Text, Localized: true}).
			Add("ownerId", &field.Definition{Kind: field.Text}),
	})
	require.NoError(t, err)

	args := field.NewArgList()
	clause, err := filterClause("pages", Filter{
		Schema: compiled,
		Where:  query.Where{"title": "Home"},
	}, Query{Locale: "de", DefaultLocale: "en"}, args)
	require.NoError(t, err)

	assert.Contains(t, clause, `LEFT JOIN "pages_i18n" i ON i."parent_id" = t."id"`)
	assert.Contains(t, clause, `LEFT JOIN "pages_i18n" f ON f."parent_id" = t."id"`)
	assert.Contains(t, clause, `COALESCE(i."title", f."title")`)
	assert.Equal(t, []any{"de", "en", "Home", "pages"}, args.Values())
}

func TestCompileWhereAppliesEveryFilter(t *testing.T) {
	p := &PostgresAdapter{}
	args := field.NewArgList()
	where, tsq, err := p.compileWhere(Query{
		Text:          "plan",
		Collections:   []string{"notes"},
		Locale:        "en",
		DefaultLocale: "en",
		Mode:          ModeWebsearch,
		Filters: map[string]Filter{
			"notes": {Schema: compiledNotes(t), Where: query.Where{"ownerId": "u1"}},
		},
	}, args)
	require.NoError(t, err)

	assert.Equal(t, "websearch_to_tsquery('simple', $1)", tsq)
	assert.Contains(t, where, "tsv @@ "+tsq)
	assert.Contains(t, where, "strata_search.collection = ANY($2)")
	assert.Contains(t, where, "strata_search.locale = $3")
	assert.Contains(t, where, `t."ownerId" = $4`)
}
