package field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgListNumbering(t *testing.T) {
	args := NewArgList()
	assert.Equal(t, "$1", args.Add("a"))
	assert.Equal(t, "$2", args.Add(2))
	assert.Equal(t, []any{"a", 2}, args.Values())
}

func TestTextOperators(t *testing.T) {
	def := Definition{Kind: Text}
	ops := def.Operators()

	args := NewArgList()
	sql, err := ops["eq"](`"title"`, "hello", args)
	require.NoError(t, err)
	assert.Equal(t, `"title" = $1`, sql)

	sql, err = ops["contains"](`"title"`, "50%", args)
	require.NoError(t, err)
	assert.Equal(t, `"title" ILIKE $2`, sql)
	assert.Equal(t, `%50\%%`, args.Values()[1])

	sql, err = ops["isEmpty"](`"title"`, nil, args)
	require.NoError(t, err)
	assert.Equal(t, `("title" IS NULL OR "title" = '')`, sql)
}

func TestInOperator(t *testing.T) {
	def := Definition{Kind: Text}
	args := NewArgList()
	sql, err := def.Operators()["in"](`"status"`, []any{"draft", "published"}, args)
	require.NoError(t, err)
	assert.Equal(t, `"status" IN ($1, $2)`, sql)

	_, err = def.Operators()["in"](`"status"`, []any{}, args)
	require.Error(t, err)

	_, err = def.Operators()["in"](`"status"`, "not-a-list", args)
	require.Error(t, err)
}

func TestNumberOperators(t *testing.T) {
	def := Definition{Kind: Number}
	ops := def.Operators()

	args := NewArgList()
	sql, err := ops["between"](`"price"`, []any{10, 20}, args)
	require.NoError(t, err)
	assert.Equal(t, `"price" BETWEEN $1 AND $2`, sql)

	_, err = ops["between"](`"price"`, []any{10}, args)
	require.Error(t, err)

	// Numbers have no string matching.
	assert.NotContains(t, ops, "contains")
}

func TestJSONOperators(t *testing.T) {
	def := Definition{Kind: JSON}
	ops := def.Operators()

	args := NewArgList()
	sql, err := ops["hasKey"](`"meta"`, "tags", args)
	require.NoError(t, err)
	assert.Equal(t, `"meta" ? $1`, sql)

	sql, err = ops["contains"](`"meta"`, map[string]any{"a": 1}, args)
	require.NoError(t, err)
	assert.Equal(t, `"meta" @> $2::jsonb`, sql)
	assert.JSONEq(t, `{"a":1}`, args.Values()[1].(string))
}

func TestMultiSelectOperators(t *testing.T) {
	def := Definition{Kind: Select, Options: []string{"a", "b"}, Multiple: true}
	ops := def.Operators()

	args := NewArgList()
	sql, err := ops["containsAny"](`"tags"`, []any{"a", "b"}, args)
	require.NoError(t, err)
	assert.Equal(t, `("tags" @> $1::jsonb OR "tags" @> $2::jsonb)`, sql)

	sql, err = ops["length"](`"tags"`, 2, args)
	require.NoError(t, err)
	assert.Equal(t, `jsonb_array_length("tags") = $3`, sql)
}

func TestHasManyRelationHasNoOperators(t *testing.T) {
	def := Definition{Kind: Relation, Relation: &RelationRef{Target: "posts", HasMany: true}}
	assert.Nil(t, def.Operators())
	assert.True(t, (&Definition{Kind: Relation, Relation: &RelationRef{Target: "users"}}).Orderable())
	assert.False(t, def.Orderable())
}
