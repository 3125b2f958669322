package crud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
)

func testService(t *testing.T) *Service {
	t.Helper()
	engine := NewEngine(nil, []string{"en", "sk"})
	_, err := engine.AddCollection(&schema.Collection{
		Name: "venues",
		Fields: field.NewFields().
			Add("name", &field.Definition{Kind: field.Text, Required: true}).
			Add("summary", &field.Definition{Kind: field.Textarea, Localized: true}).
			Add("workingHours", &field.Definition{
				Kind: field.Object,
				Fields: field.NewFields().Add("monday", &field.Definition{
					Kind: field.Object,
					Fields: field.NewFields().
						Add("isOpen", &field.Definition{Kind: field.Boolean}).
						Add("note", &field.Definition{Kind: field.Text, Localized: true}),
				}),
			}).
			Add("owner", &field.Definition{Kind: field.Relation, Relation: &field.RelationRef{Target: "users"}}),
		Options: schema.Options{Timestamps: true, SoftDelete: true},
	}, Access{}, Hooks{})
	require.NoError(t, err)
	svc, err := engine.Collection("venues")
	require.NoError(t, err)
	return svc
}

func TestSplitPayloadRouting(t *testing.T) {
	svc := testService(t)

	data := svc.col.NormalizeInput(map[string]any{
		"name":    "Barber",
		"summary": "Great cuts",
		"owner":   "u1",
		"workingHours": map[string]any{
			"monday": map[string]any{"isOpen": true, "note": "Morning"},
		},
	})
	split := svc.splitPayload(data)

	assert.Equal(t, "Barber", split.main["name"])
	assert.Equal(t, "u1", split.main["ownerId"])
	assert.Equal(t, "Great cuts", split.localized["summary"])

	structure := split.main["workingHours"].(map[string]any)
	monday := structure["monday"].(map[string]any)
	assert.True(t, schema.IsSentinel(monday["note"]))

	nested := split.nestedLoc["workingHours"].(map[string]any)
	assert.Equal(t, "Morning", nested["monday"].(map[string]any)["note"])
}

func TestSplitPayloadSkipsID(t *testing.T) {
	svc := testService(t)
	split := svc.splitPayload(map[string]any{"id": "x", "name": "a"})
	assert.NotContains(t, split.main, "id")
	assert.Equal(t, "a", split.main["name"])
}

func TestDecodeRecordMergesLocalized(t *testing.T) {
	svc := testService(t)
	row := map[string]any{
		"id":         "v1",
		"name":       "Barber",
		"created_at": nil,
		"updated_at": nil,
		"deleted_at": nil,
		"summary":    "Great cuts",
		"workingHours": map[string]any{
			"monday": map[string]any{"isOpen": true, "note": map[string]any{"$i18n": true}},
		},
		aliasLocalizedCurrent: map[string]any{
			"workingHours": map[string]any{"monday": map[string]any{"note": "Morning"}},
		},
	}
	record := svc.col.decodeRecord(row)

	assert.Equal(t, "Barber", record["name"])
	assert.Contains(t, record, "createdAt")
	assert.NotContains(t, record, "created_at")
	monday := record["workingHours"].(map[string]any)["monday"].(map[string]any)
	assert.Equal(t, "Morning", monday["note"])
	assert.Equal(t, true, monday["isOpen"])
	assert.NotContains(t, record, aliasLocalizedCurrent)
}

func TestExtractNested(t *testing.T) {
	svc := testService(t)
	data := svc.col.NormalizeInput(map[string]any{
		"name":  "Barber",
		"owner": map[string]any{"connect": "u1"},
	})
	nested := svc.extractNested(data)

	require.Contains(t, nested, "owner")
	assert.Equal(t, schema.BelongsTo, nested["owner"].relation.Kind)
	assert.NotContains(t, data, "owner")
	assert.NotContains(t, data, "ownerId")
}

func TestEncodeValueJSONB(t *testing.T) {
	svc := testService(t)

	encoded := encodeValue(svc.col, "workingHours", map[string]any{"a": 1})
	assert.JSONEq(t, `{"a":1}`, encoded.(string))

	assert.Equal(t, "plain", encodeValue(svc.col, "name", "plain"))
	assert.Nil(t, encodeValue(svc.col, "name", nil))
}

func TestEngineRejectsDuplicateCollections(t *testing.T) {
	engine := NewEngine(nil, []string{"en"})
	col := &schema.Collection{
		Name:   "posts",
		Fields: field.NewFields().Add("title", &field.Definition{Kind: field.Text}),
	}
	_, err := engine.AddCollection(col, Access{}, Hooks{})
	require.NoError(t, err)
	_, err = engine.AddCollection(col, Access{}, Hooks{})
	require.Error(t, err)
}

func TestEngineLocaleDefaults(t *testing.T) {
	engine := NewEngine(nil, []string{"en", "sk"})
	assert.Equal(t, "en", engine.DefaultLocale)
}
