package migrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
)

func compiledArticles(t *testing.T, extra func(*field.Fields)) *schema.Compiled {
	t.Helper()
	fields := field.NewFields().
		Add("title", &field.Definition{Kind: field.Text, Required: true}).
		Add("body", &field.Definition{Kind: field.Textarea, Localized: true})
	if extra != nil {
		extra(fields)
	}
	compiled, err := schema.Compile(&schema.Collection{
		Name:    "articles",
		Fields:  fields,
		Options: schema.Options{Timestamps: true, SoftDelete: true, Versioning: true},
	})
	require.NoError(t, err)
	return compiled
}

func TestSnapshotFromCompiled(t *testing.T) {
	snap := FromCompiled([]*schema.Compiled{compiledArticles(t, nil)})

	assert.Equal(t, []string{"articles", "articles_i18n", "articles_versions", "articles_versions_i18n"}, snap.Order)

	main := snap.Tables["articles"]
	assert.True(t, main.Columns["id"].PrimaryKey)
	assert.Equal(t, "text", main.Columns["title"].Type)
	assert.True(t, main.Columns["title"].NotNull)
	assert.NotContains(t, main.Columns, "body", "localized field lives on the sidecar")

	sidecar := snap.Tables["articles_i18n"]
	require.NotNil(t, sidecar.Columns["parent_id"].References)
	assert.Equal(t, "articles", sidecar.Columns["parent_id"].References.Table)
	assert.Equal(t, "CASCADE", sidecar.Columns["parent_id"].References.OnDelete)

	versions := snap.Tables["articles_versions"]
	assert.True(t, versions.Columns["version_id"].PrimaryKey)
	assert.False(t, versions.Columns["id"].PrimaryKey)
}

func TestDiffNoChanges(t *testing.T) {
	snap := FromCompiled([]*schema.Compiled{compiledArticles(t, nil)})
	assert.Empty(t, Diff(snap.Clone(), snap))
}

func TestDiffCreateOrdering(t *testing.T) {
	next := FromCompiled([]*schema.Compiled{compiledArticles(t, nil)})
	ops := Diff(Empty(), next)

	require.Len(t, ops, 4)
	assert.Equal(t, "tables.articles", ops[0].Path)
	assert.Equal(t, "tables.articles_i18n", ops[1].Path)
	assert.Equal(t, OpSet, ops[0].Type)

	// Removal of everything reverses the creation order.
	down := Diff(next, Empty())
	require.Len(t, down, 4)
	assert.Equal(t, OpRemove, down[0].Type)
	assert.Equal(t, "tables.articles_versions_i18n", down[0].Path)
	assert.Equal(t, "tables.articles", down[3].Path)
}

func TestDiffColumnChanges(t *testing.T) {
	prev := FromCompiled([]*schema.Compiled{compiledArticles(t, nil)})
	next := FromCompiled([]*schema.Compiled{compiledArticles(t, func(f *field.Fields) {
		f.Add("views", &field.Definition{Kind: field.Number})
	})})

	ops := Diff(prev, next)
	paths := make([]string, len(ops))
	for i, op := range ops {
		paths[i] = string(op.Type) + " " + op.Path
	}
	assert.Contains(t, paths, "set tables.articles.columns.views")
	assert.Contains(t, paths, "set tables.articles_versions.columns.views")

	// Dropping the field reverses into column removals carrying the old spec.
	downOps := Diff(next, prev)
	var removed *Operation
	for i := range downOps {
		if downOps[i].Path == "tables.articles.columns.views" {
			removed = &downOps[i]
		}
	}
	require.NotNil(t, removed)
	assert.Equal(t, OpRemove, removed.Type)
	assert.Equal(t, ColumnSnapshot{Type: "double precision"}, removed.Prev)
}

func TestSQLCreateTable(t *testing.T) {
	stmts, err := SQLForward(Operation{Type: OpSet, Path: "tables.widgets", Value: TableSnapshot{
		Columns: map[string]ColumnSnapshot{
			"id":   {Type: "text", PrimaryKey: true},
			"name": {Type: "text", NotNull: true, Unique: true},
			"ownerId": {Type: "text", References: &RefSnapshot{
				Table: "users", Column: "id", OnDelete: "SET NULL",
			}},
		},
		ColumnOrder: []string{"id", "name", "ownerId"},
		Indexes:     map[string]IndexSnapshot{"widgets_name_idx": {Columns: []string{"name"}}},
	}})
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS \"widgets\" (\n"+
		"  \"id\" text PRIMARY KEY,\n"+
		"  \"name\" text NOT NULL UNIQUE,\n"+
		"  \"ownerId\" text REFERENCES \"users\" (\"id\") ON DELETE SET NULL\n"+
		")", stmts[0])
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "widgets_name_idx" ON "widgets" ("name")`, stmts[1])
}

func TestSQLColumnOperations(t *testing.T) {
	add, err := SQLForward(Operation{
		Type:  OpSet,
		Path:  "tables.widgets.columns.price",
		Value: ColumnSnapshot{Type: "double precision", Default: "0"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "widgets" ADD COLUMN IF NOT EXISTS "price" double precision DEFAULT 0`}, add)

	change, err := SQLForward(Operation{
		Type:  OpSet,
		Path:  "tables.widgets.columns.price",
		Value: ColumnSnapshot{Type: "text", NotNull: true},
		Prev:  ColumnSnapshot{Type: "double precision", Default: "0"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		`ALTER TABLE "widgets" ALTER COLUMN "price" TYPE text USING "price"::text`,
		`ALTER TABLE "widgets" ALTER COLUMN "price" SET NOT NULL`,
		`ALTER TABLE "widgets" ALTER COLUMN "price" DROP DEFAULT`,
	}, change)

	drop, err := SQLForward(Operation{Type: OpRemove, Path: "tables.widgets.columns.price"})
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "widgets" DROP COLUMN IF EXISTS "price"`}, drop)
}

func TestSQLReverse(t *testing.T) {
	// Creating a column reverses to dropping it.
	stmts, err := SQLReverse(Operation{
		Type:  OpSet,
		Path:  "tables.widgets.columns.price",
		Value: ColumnSnapshot{Type: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "widgets" DROP COLUMN IF EXISTS "price"`}, stmts)

	// Removing a column reverses to re-adding the previous spec.
	stmts, err = SQLReverse(Operation{
		Type: OpRemove,
		Path: "tables.widgets.columns.price",
		Prev: ColumnSnapshot{Type: "text", NotNull: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "widgets" ADD COLUMN IF NOT EXISTS "price" text NOT NULL`}, stmts)

	// Removing a table reverses to creating it from the stored snapshot.
	stmts, err = SQLReverse(Operation{
		Type: OpRemove,
		Path: "tables.widgets",
		Prev: TableSnapshot{
			Columns:     map[string]ColumnSnapshot{"id": {Type: "text", PrimaryKey: true}},
			ColumnOrder: []string{"id"},
		},
	})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "widgets"`)
}

func TestMigrationDownReversesOperationOrder(t *testing.T) {
	next := FromCompiled([]*schema.Compiled{compiledArticles(t, nil)})
	m := &Migration{ID: "20260101000000_init", Name: "init", Operations: Diff(Empty(), next)}

	down, err := m.DownSQL()
	require.NoError(t, err)
	require.Len(t, down, 4)
	assert.Equal(t, `DROP TABLE IF EXISTS "articles_versions_i18n"`, down[0])
	assert.Equal(t, `DROP TABLE IF EXISTS "articles"`, down[3])
}

func TestNewID(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "20260314092653_add_article_tags", NewID("Add Article Tags", at))
	assert.Equal(t, "20260314092653_init", NewID("  init  ", at))
}

func TestGenerateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	next := FromCompiled([]*schema.Compiled{compiledArticles(t, nil)})

	first, err := Generate(dir, "init", next)
	require.NoError(t, err)
	require.NotNil(t, first)

	// No schema change, no migration.
	none, err := Generate(dir, "noop", next)
	require.NoError(t, err)
	assert.Nil(t, none)

	withViews := FromCompiled([]*schema.Compiled{compiledArticles(t, func(f *field.Fields) {
		f.Add("views", &field.Definition{Kind: field.Number})
	})})
	second, err := Generate(dir, "add views", withViews)
	require.NoError(t, err)
	require.NotNil(t, second)

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, first.ID, loaded[0].ID)
	assert.Equal(t, second.ID, loaded[1].ID)

	// Operation values survive the JSON round trip into runnable SQL.
	up, err := loaded[1].UpSQL()
	require.NoError(t, err)
	assert.Contains(t, up, `ALTER TABLE "articles" ADD COLUMN IF NOT EXISTS "views" double precision`)

	latest, err := LatestSnapshot(dir)
	require.NoError(t, err)
	assert.Contains(t, latest.Tables["articles"].Columns, "views")
}
