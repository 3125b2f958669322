package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
)

func postsCollection() *Collection {
	return &Collection{
		Name: "posts",
		Fields: field.NewFields().
			Add("title", &field.Definition{Kind: field.Text, Required: true}).
			Add("body", &field.Definition{Kind: field.Textarea, Localized: true}).
			Add("author", &field.Definition{Kind: field.Relation, Relation: &field.RelationRef{Target: "users"}}).
			Add("comments", &field.Definition{Kind: field.Relation, Relation: &field.RelationRef{Target: "comments", HasMany: true, FK: "postId"}}),
		Options: Options{Timestamps: true, SoftDelete: true, Versioning: true},
	}
}

func TestCompileTables(t *testing.T) {
	compiled, err := Compile(postsCollection())
	require.NoError(t, err)

	names := make([]string, 0)
	for _, tbl := range compiled.Tables() {
		names = append(names, tbl.Name)
	}
	assert.Equal(t, []string{"posts", "posts_i18n", "posts_versions", "posts_versions_i18n"}, names)

	_, hasTitle := compiled.Table.Column("title")
	assert.True(t, hasTitle)
	_, hasBody := compiled.Table.Column("body")
	assert.False(t, hasBody, "localized field must live on the sidecar")
	_, hasBodySidecar := compiled.I18nTable.Column("body")
	assert.True(t, hasBodySidecar)

	_, hasDeleted := compiled.Table.Column(ColDeletedAt)
	assert.True(t, hasDeleted)
	_, hasStage := compiled.VersionsTable.Column(ColVersionStage)
	assert.True(t, hasStage)
}

func TestCompileRelations(t *testing.T) {
	compiled, err := Compile(postsCollection())
	require.NoError(t, err)

	author := compiled.Relations["author"]
	require.NotNil(t, author)
	assert.Equal(t, BelongsTo, author.Kind)
	assert.Equal(t, "authorId", author.FKColumn)
	assert.Equal(t, "users", author.Target)
	_, hasFK := compiled.Table.Column("authorId")
	assert.True(t, hasFK)

	comments := compiled.Relations["comments"]
	require.NotNil(t, comments)
	assert.Equal(t, HasMany, comments.Kind)
	assert.Equal(t, "postId", comments.FKColumn)
	_, hasCol := compiled.Table.Column("comments")
	assert.False(t, hasCol, "hasMany relations have no local column")

	assert.Equal(t, "authorId", compiled.StorageColumn("author"))
	assert.Equal(t, "title", compiled.StorageColumn("title"))
}

func TestCompileSchemaCollision(t *testing.T) {
	col := &Collection{
		Name:   "posts",
		Fields: field.NewFields().Add("id", &field.Definition{Kind: field.Text}),
	}
	_, err := Compile(col)
	require.Error(t, err)
	assert.Equal(t, common.KindSchemaCollision, common.KindOf(err))

	col = &Collection{
		Name:   "posts",
		Fields: field.NewFields().Add("createdAt", &field.Definition{Kind: field.Text}),
	}
	_, err = Compile(col)
	require.Error(t, err)
	assert.Equal(t, common.KindSchemaCollision, common.KindOf(err))
}

func TestCompileRejectsLocalizedRelation(t *testing.T) {
	col := &Collection{
		Name: "posts",
		Fields: field.NewFields().Add("author", &field.Definition{
			Kind: field.Relation, Localized: true,
			Relation: &field.RelationRef{Target: "users"},
		}),
	}
	_, err := Compile(col)
	require.Error(t, err)
	assert.Equal(t, common.KindInvalidFieldConfig, common.KindOf(err))
}

func TestCompileNoSidecarWithoutLocalizedFields(t *testing.T) {
	col := &Collection{
		Name:   "tags",
		Fields: field.NewFields().Add("label", &field.Definition{Kind: field.Text}),
	}
	compiled, err := Compile(col)
	require.NoError(t, err)
	assert.False(t, compiled.HasI18n())
	assert.False(t, compiled.Versioned())
}

func TestCompileNestedLocalizationSchema(t *testing.T) {
	col := &Collection{
		Name: "venues",
		Fields: field.NewFields().Add("workingHours", &field.Definition{
			Kind: field.Object,
			Fields: field.NewFields().Add("monday", &field.Definition{
				Kind: field.Object,
				Fields: field.NewFields().
					Add("isOpen", &field.Definition{Kind: field.Boolean}).
					Add("note", &field.Definition{Kind: field.Text, Localized: true}),
			}),
		}),
	}
	compiled, err := Compile(col)
	require.NoError(t, err)
	require.Contains(t, compiled.Loc, "workingHours")
	assert.True(t, compiled.HasI18n(), "nested localized leaves require the sidecar")

	// The column itself stays on the main table.
	_, onMain := compiled.Table.Column("workingHours")
	assert.True(t, onMain)
}

func TestWorkflowTransitions(t *testing.T) {
	wf := &Workflow{Stages: []string{"draft", "published"}}
	assert.Equal(t, "draft", wf.InitialStage())
	assert.True(t, wf.Allowed("draft", "published"), "nil transition map allows everything")
	assert.False(t, wf.Allowed("draft", "archived"), "unknown stages are never reachable")

	wf.Transitions = map[string][]string{
		"draft":     {"published"},
		"published": {},
	}
	assert.True(t, wf.Allowed("draft", "published"))
	assert.False(t, wf.Allowed("published", "draft"), "present-empty entry allows nothing")
}
