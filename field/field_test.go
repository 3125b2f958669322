package field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/common"
)

func TestCheckRejectsUnknownKind(t *testing.T) {
	def := &Definition{Kind: Kind("geopoint")}
	err := def.Check("location")
	require.Error(t, err)
	assert.Equal(t, common.KindInvalidFieldConfig, common.KindOf(err))
}

func TestCheckSelectRequiresOptions(t *testing.T) {
	def := &Definition{Kind: Select}
	require.Error(t, def.Check("status"))

	def.Options = []string{"draft", "published"}
	require.NoError(t, def.Check("status"))
}

func TestCheckNestedObject(t *testing.T) {
	def := &Definition{Kind: Object, Fields: NewFields().
		Add("city", &Definition{Kind: Text}).
		Add("rating", &Definition{Kind: Select}),
	}
	err := def.Check("address")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address.rating")
}

func TestCheckLocalizedArrayItem(t *testing.T) {
	def := &Definition{Kind: Array, Item: &Definition{Kind: Text, Localized: true}}
	require.Error(t, def.Check("tags"))

	def.Item = &Definition{Kind: Object, Localized: true, Fields: NewFields().
		Add("label", &Definition{Kind: Text})}
	require.NoError(t, def.Check("tags"))
}

func TestCheckRelationRequiresTarget(t *testing.T) {
	def := &Definition{Kind: Relation}
	require.Error(t, def.Check("author"))

	def.Relation = &RelationRef{Target: "users"}
	require.NoError(t, def.Check("author"))
}

func TestHasLocalizedLeaf(t *testing.T) {
	plain := &Definition{Kind: Object, Fields: NewFields().
		Add("city", &Definition{Kind: Text})}
	assert.False(t, plain.HasLocalizedLeaf())

	nested := &Definition{Kind: Array, Item: &Definition{Kind: Object, Fields: NewFields().
		Add("label", &Definition{Kind: Text, Localized: true})}}
	assert.True(t, nested.HasLocalizedLeaf())
}

func TestFieldsOrder(t *testing.T) {
	f := NewFields().
		Add("title", &Definition{Kind: Text}).
		Add("body", &Definition{Kind: Textarea}).
		Add("title", &Definition{Kind: Text, Required: true})

	assert.Equal(t, []string{"title", "body"}, f.Names())
	def, ok := f.Get("title")
	require.True(t, ok)
	assert.True(t, def.Required)
}

func TestColumnTypes(t *testing.T) {
	cases := map[string]struct {
		def  Definition
		want string
	}{
		"text":         {Definition{Kind: Text}, "text"},
		"number":       {Definition{Kind: Number}, "double precision"},
		"boolean":      {Definition{Kind: Boolean}, "boolean"},
		"datetime":     {Definition{Kind: DateTime}, "timestamptz"},
		"select":       {Definition{Kind: Select, Options: []string{"a"}}, "text"},
		"multi-select": {Definition{Kind: Select, Options: []string{"a"}, Multiple: true}, "jsonb"},
		"blocks":       {Definition{Kind: Blocks}, "jsonb"},
		"relation":     {Definition{Kind: Relation, Relation: &RelationRef{Target: "users"}}, "text"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.def.Column(name).SQLType)
		})
	}
}

func TestColumnRelationReference(t *testing.T) {
	def := Definition{Kind: Relation, Relation: &RelationRef{Target: "users"}}
	col := def.Column("authorId")
	require.NotNil(t, col.References)
	assert.Equal(t, "users", col.References.Table)
	assert.Equal(t, "id", col.References.Column)

	hasMany := Definition{Kind: Relation, Relation: &RelationRef{Target: "posts", HasMany: true}}
	assert.Nil(t, hasMany.Column("posts").References)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"title"`, QuoteIdent("title"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}

func TestDefaultLiteral(t *testing.T) {
	def := Definition{Kind: Text, Default: "it's"}
	assert.Equal(t, "'it''s'", def.Column("x").DefaultSQL)

	def = Definition{Kind: Boolean, Default: true}
	assert.Equal(t, "true", def.Column("x").DefaultSQL)

	def = Definition{Kind: Number, Default: 2.5}
	assert.Equal(t, "2.5", def.Column("x").DefaultSQL)
}

func TestFKColumn(t *testing.T) {
	assert.Equal(t, "authorId", FKColumn("author", &RelationRef{Target: "users"}))
	assert.Equal(t, "writer", FKColumn("author", &RelationRef{Target: "users", FK: "writer"}))
}
