package field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestValidateRequired(t *testing.T) {
	def := Definition{Kind: Text, Required: true}
	errs := def.ValidateValue("title", nil)
	require.Len(t, errs, 1)
	assert.Equal(t, "required", errs[0].Rule)

	optional := Definition{Kind: Text}
	assert.Empty(t, optional.ValidateValue("title", nil))
}

func TestValidateStringBounds(t *testing.T) {
	def := Definition{Kind: Text, MinLen: intPtr(3), MaxLen: intPtr(5)}
	assert.Empty(t, def.ValidateValue("slug", "abcd"))

	errs := def.ValidateValue("slug", "ab")
	require.Len(t, errs, 1)
	assert.Equal(t, "minLength", errs[0].Rule)

	errs = def.ValidateValue("slug", "abcdef")
	require.Len(t, errs, 1)
	assert.Equal(t, "maxLength", errs[0].Rule)

	errs = def.ValidateValue("slug", 42)
	require.Len(t, errs, 1)
	assert.Equal(t, "type", errs[0].Rule)
}

func TestValidateNumberBounds(t *testing.T) {
	def := Definition{Kind: Number, Min: floatPtr(1), Max: floatPtr(10)}
	assert.Empty(t, def.ValidateValue("qty", 5))
	assert.Empty(t, def.ValidateValue("qty", float64(10)))

	errs := def.ValidateValue("qty", 0)
	require.Len(t, errs, 1)
	assert.Equal(t, "min", errs[0].Rule)
}

func TestValidateFormats(t *testing.T) {
	email := Definition{Kind: Email}
	assert.Empty(t, email.ValidateValue("contact", "a@b.co"))
	require.Len(t, email.ValidateValue("contact", "nope"), 1)

	url := Definition{Kind: URL}
	assert.Empty(t, url.ValidateValue("site", "https://example.com"))
	require.Len(t, url.ValidateValue("site", "::"), 1)
}

func TestValidateDateFormats(t *testing.T) {
	assert.Empty(t, (&Definition{Kind: Date}).ValidateValue("d", "2026-08-24"))
	require.Len(t, (&Definition{Kind: Date}).ValidateValue("d", "24.08.2026"), 1)
	assert.Empty(t, (&Definition{Kind: DateTime}).ValidateValue("at", "2026-08-24T10:00:00Z"))
	assert.Empty(t, (&Definition{Kind: Time}).ValidateValue("t", "10:30:00"))
}

func TestValidateSelect(t *testing.T) {
	def := Definition{Kind: Select, Options: []string{"draft", "published"}}
	assert.Empty(t, def.ValidateValue("status", "draft"))
	require.Len(t, def.ValidateValue("status", "archived"), 1)

	multi := Definition{Kind: Select, Options: []string{"a", "b"}, Multiple: true}
	assert.Empty(t, multi.ValidateValue("tags", []any{"a", "b"}))
	require.Len(t, multi.ValidateValue("tags", []any{"a", "x"}), 1)
	require.Len(t, multi.ValidateValue("tags", "a"), 1)
}

func TestValidateObjectRecurses(t *testing.T) {
	def := Definition{Kind: Object, Fields: NewFields().
		Add("city", &Definition{Kind: Text, Required: true}).
		Add("zip", &Definition{Kind: Text, MaxLen: intPtr(5)}),
	}
	errs := def.ValidateValue("address", map[string]any{"zip": "123456"})
	require.Len(t, errs, 2)
	assert.Equal(t, "address.city", errs[0].Field)
	assert.Equal(t, "address.zip", errs[1].Field)
}

func TestValidateArrayItems(t *testing.T) {
	def := Definition{Kind: Array, MinLen: intPtr(1), Item: &Definition{Kind: Number, Min: floatPtr(0)}}
	assert.Empty(t, def.ValidateValue("scores", []any{1, 2}))

	errs := def.ValidateValue("scores", []any{-1})
	require.Len(t, errs, 1)
	assert.Equal(t, "scores.0", errs[0].Field)

	errs = def.ValidateValue("scores", []any{})
	require.Len(t, errs, 1)
	assert.Equal(t, "minLength", errs[0].Rule)
}

func TestValidateBlocks(t *testing.T) {
	def := Definition{Kind: Blocks, Blocks: map[string]*Fields{
		"hero": NewFields().Add("headline", &Definition{Kind: Text, Required: true}),
	}}
	assert.Empty(t, def.ValidateValue("content", []any{
		map[string]any{"_type": "hero", "headline": "hi"},
	}))

	errs := def.ValidateValue("content", []any{
		map[string]any{"_type": "quote"},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, "content.0._type", errs[0].Field)

	errs = def.ValidateValue("content", []any{
		map[string]any{"_type": "hero"},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, "content.0.headline", errs[0].Field)
}

func TestValidateRelationShapes(t *testing.T) {
	def := Definition{Kind: Relation, Relation: &RelationRef{Target: "users"}}
	assert.Empty(t, def.ValidateValue("author", "user-1"))
	assert.Empty(t, def.ValidateValue("author", map[string]any{"connect": "user-1"}))
	require.Len(t, def.ValidateValue("author", 42), 1)
}
