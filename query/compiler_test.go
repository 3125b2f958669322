package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
)

func compiledPosts(t *testing.T) *schema.Compiled {
	t.Helper()
	compiled, err := schema.Compile(&schema.Collection{
		Name: "posts",
		Fields: field.NewFields().
			Add("title", &field.Definition{Kind: field.Text, Required: true}).
			Add("views", &field.Definition{Kind: field.Number}).
			Add("body", &field.Definition{Kind: field.Textarea, Localized: true}).
			Add("meta", &field.Definition{Kind: field.JSON}).
			Add("author", &field.Definition{Kind: field.Relation, Relation: &field.RelationRef{Target: "users"}}).
			Add("comments", &field.Definition{Kind: field.Relation, Relation: &field.RelationRef{Target: "comments", HasMany: true, FK: "postId"}}),
		Options: schema.Options{Timestamps: true, SoftDelete: true},
	})
	require.NoError(t, err)
	return compiled
}

func TestCompileScalarShorthand(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	args := field.NewArgList()
	sql, err := c.CompileWhere(Where{"title": "Hello"}, args)
	require.NoError(t, err)
	assert.Equal(t, `t."title" = $1`, sql)
	assert.Equal(t, []any{"Hello"}, args.Values())
}

func TestCompileOperatorMap(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	args := field.NewArgList()
	sql, err := c.CompileWhere(Where{"views": map[string]any{"gte": 10, "lt": 100}}, args)
	require.NoError(t, err)
	assert.Equal(t, `t."views" >= $1 AND t."views" < $2`, sql)
}

func TestCompileComposition(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	args := field.NewArgList()
	sql, err := c.CompileWhere(Where{
		"OR": []any{
			map[string]any{"title": "a"},
			map[string]any{"NOT": map[string]any{"views": map[string]any{"gt": 5}}},
		},
	}, args)
	require.NoError(t, err)
	assert.Equal(t, `((t."title" = $1) OR (NOT (t."views" > $2)))`, sql)
}

func TestCompileLocalizedField(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	args := field.NewArgList()
	sql, err := c.CompileWhere(Where{"body": map[string]any{"contains": "go"}}, args)
	require.NoError(t, err)
	assert.Equal(t, `i."body" ILIKE $1`, sql)

	c.UseFallback = true
	args = field.NewArgList()
	sql, err = c.CompileWhere(Where{"body": "x"}, args)
	require.NoError(t, err)
	assert.Equal(t, `COALESCE(i."body", f."body") = $1`, sql)
}

func TestCompileRelationByNameUsesFK(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	args := field.NewArgList()
	sql, err := c.CompileWhere(Where{"author": "u1"}, args)
	require.NoError(t, err)
	assert.Equal(t, `t."authorId" = $1`, sql)

	_, err = c.CompileWhere(Where{"comments": "c1"}, args)
	require.Error(t, err, "hasMany relations have no local column to filter")
}

func TestCompileJSONPath(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	args := field.NewArgList()
	sql, err := c.CompileWhere(Where{
		"meta": map[string]any{"seo": map[string]any{"title": "x"}},
	}, args)
	require.NoError(t, err)
	assert.Equal(t, `t."meta" #> $1::text[] = $2::jsonb`, sql)
	assert.Equal(t, []string{"seo", "title"}, args.Values()[0])
	assert.JSONEq(t, `"x"`, args.Values()[1].(string))
}

func TestCompileJSONPathRejectsBadElement(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	_, err := c.CompileWhere(Where{
		"meta": map[string]any{"a'b": "x"},
	}, field.NewArgList())
	require.Error(t, err)
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))
}

func TestCompileUnknownField(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	_, err := c.CompileWhere(Where{"nope": 1}, field.NewArgList())
	require.Error(t, err)
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))

	_, err = c.CompileWhere(Where{"title": map[string]any{"regex": ".*"}}, field.NewArgList())
	require.Error(t, err, "unknown operators on non-JSONB fields are rejected")
}

func TestCompileSynthesisedFields(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	args := field.NewArgList()
	sql, err := c.CompileWhere(Where{"deletedAt": map[string]any{"isNull": true}}, args)
	require.NoError(t, err)
	assert.Equal(t, `t."deleted_at" IS NULL`, sql)
}

func TestCompileOrder(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}

	sql, err := c.CompileOrder([]Order{{Field: "views", Desc: true}})
	require.NoError(t, err)
	assert.Equal(t, `t."views" DESC, t."id" ASC`, sql)

	sql, err = c.CompileOrder([]Order{{Field: "id"}})
	require.NoError(t, err)
	assert.Equal(t, `t."id" ASC`, sql, "unique ordering needs no tiebreaker")

	c.UseFallback = true
	sql, err = c.CompileOrder([]Order{{Field: "body"}})
	require.NoError(t, err)
	assert.Equal(t, `COALESCE(i."body", f."body") ASC, t."id" ASC`, sql)

	_, err = c.CompileOrder([]Order{{Field: "meta"}})
	require.Error(t, err, "JSONB columns are not orderable")
}

func TestCompileDeterministicKeyOrder(t *testing.T) {
	c := &Compiler{Schema: compiledPosts(t)}
	w := Where{"views": 1, "title": "a", "author": "u1"}

	first, err := c.CompileWhere(w, field.NewArgList())
	require.NoError(t, err)
	second, err := c.CompileWhere(w, field.NewArgList())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParseOrder(t *testing.T) {
	assert.Equal(t, []Order{{Field: "createdAt", Desc: true}, {Field: "title"}},
		ParseOrder("-createdAt, title"))
	assert.Nil(t, ParseOrder(""))
}

func TestParseWhere(t *testing.T) {
	w, err := ParseWhere(`{"title":{"contains":"go"}}`)
	require.NoError(t, err)
	assert.Contains(t, w, "title")

	_, err = ParseWhere("{")
	require.Error(t, err)

	w, err = ParseWhere("")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestParseLimitOffset(t *testing.T) {
	assert.Equal(t, 50, ParseLimit("", 50, 500))
	assert.Equal(t, 500, ParseLimit("9999", 50, 500))
	assert.Equal(t, 10, ParseLimit("10", 50, 500))
	assert.Equal(t, 0, ParseOffset("-3"))
	assert.Equal(t, 20, ParseOffset("20"))
}
