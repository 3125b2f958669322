package schema

import (
	"fmt"
	"strings"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
)

// Synthesised column names. User field names must not collide with these, in
// either their exposed or stored spelling.
const (
	ColID        = "id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColDeletedAt = "deleted_at"
	ColParentID  = "parent_id"
	ColLocale    = "locale"
	ColLocalized = "_localized"

	ColVersionID        = "version_id"
	ColVersionNumber    = "version_number"
	ColVersionOperation = "version_operation"
	ColVersionUserID    = "version_user_id"
	ColVersionCreatedAt = "version_created_at"
	ColVersionStage     = "version_stage"
)

// Record-level spellings of the synthesised columns.
const (
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
	KeyDeletedAt = "deletedAt"
)

var reservedNames = map[string]bool{
	ColID: true, ColCreatedAt: true, ColUpdatedAt: true, ColDeletedAt: true,
	ColParentID: true, ColLocale: true, ColLocalized: true,
	ColVersionID: true, ColVersionNumber: true, ColVersionOperation: true,
	ColVersionUserID: true, ColVersionCreatedAt: true, ColVersionStage: true,
	KeyCreatedAt: true, KeyUpdatedAt: true, KeyDeletedAt: true,
	"parentId": true,
}

// TableSpec is a materialised table: name, ordered columns and indexes.
type TableSpec struct {
	Name    string
	Columns []field.ColumnSpec
	Indexes []IndexSpec
}

// Column looks up a column spec by name.
func (t *TableSpec) Column(name string) (field.ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return field.ColumnSpec{}, false
}

// IndexSpec is a materialised index.
type IndexSpec struct {
	Name    string
	Columns []string
	Unique  bool
}

// RelationKind distinguishes where the foreign key lives.
type RelationKind string

const (
	BelongsTo RelationKind = "belongsTo"
	HasMany   RelationKind = "hasMany"
)

// Relation describes a compiled relation field.
type Relation struct {
	Kind     RelationKind
	Name     string
	Target   string
	FKColumn string
	PKColumn string
	Upload   bool
}

// Compiled is the output of compiling one collection: table specs, field
// placement, relation descriptors and nested localisation schemas.
type Compiled struct {
	Collection *Collection

	Table             TableSpec
	I18nTable         *TableSpec
	VersionsTable     *TableSpec
	VersionsI18nTable *TableSpec

	// MainFields / LocalizedFields are the user field names stored as
	// columns on the main table and i18n sidecar respectively; hasMany
	// relations appear in neither.
	MainFields      []string
	LocalizedFields []string

	// Relations by field name.
	Relations map[string]*Relation

	// Loc holds the nested localisation schema per main-table JSONB field
	// that carries localised leaves.
	Loc map[string]*LocSchema
}

// HasI18n reports whether the collection needs a locale sidecar.
func (c *Compiled) HasI18n() bool { return c.I18nTable != nil }

// Versioned reports whether mutations write version rows.
func (c *Compiled) Versioned() bool { return c.VersionsTable != nil }

// Field resolves a user field definition by name.
func (c *Compiled) Field(name string) (*field.Definition, bool) {
	return c.Collection.Fields.Get(name)
}

// Localized reports whether a user field is stored on the i18n sidecar.
func (c *Compiled) Localized(name string) bool {
	for _, f := range c.LocalizedFields {
		if f == name {
			return true
		}
	}
	return false
}

// StorageColumn maps a user field name to its column name. Scalar belongsTo
// relations store under the FK column.
func (c *Compiled) StorageColumn(name string) string {
	if rel, ok := c.Relations[name]; ok && rel.Kind == BelongsTo {
		return rel.FKColumn
	}
	return name
}

// Tables lists every materialised table in dependency order.
func (c *Compiled) Tables() []TableSpec {
	out := []TableSpec{c.Table}
	if c.I18nTable != nil {
		out = append(out, *c.I18nTable)
	}
	if c.VersionsTable != nil {
		out = append(out, *c.VersionsTable)
	}
	if c.VersionsI18nTable != nil {
		out = append(out, *c.VersionsI18nTable)
	}
	return out
}

func schemaCollision(collection, fieldName string) error {
	return common.EKey(common.KindSchemaCollision, "error.schema_collision",
		map[string]any{"collection": collection, "field": fieldName})
}

// Compile materialises a collection definition. It fails with SchemaCollision
// when a field name shadows a synthesised column, and with InvalidFieldConfig
// on inconsistent field definitions.
func Compile(col *Collection) (*Compiled, error) {
	if col.Name == "" {
		return nil, common.E(common.KindInvalidFieldConfig, "collection requires a name")
	}
	if col.Fields == nil {
		col.Fields = field.NewFields()
	}

	compiled := &Compiled{
		Collection: col,
		Table:      TableSpec{Name: col.Name},
		Relations:  map[string]*Relation{},
		Loc:        map[string]*LocSchema{},
	}

	var i18nColumns []field.ColumnSpec
	for _, name := range col.Fields.Names() {
		def, _ := col.Fields.Get(name)
		if reservedNames[name] || strings.HasPrefix(name, "version_") {
			return nil, schemaCollision(col.Name, name)
		}
		if err := def.Check(name); err != nil {
			return nil, err
		}

		if def.Kind == field.Relation || def.Kind == field.Upload {
			if def.Localized {
				return nil, common.E(common.KindInvalidFieldConfig,
					"field %s: relations cannot be localized", name)
			}
			rel := compileRelation(col, name, def)
			compiled.Relations[name] = rel
			if rel.Kind == HasMany {
				continue
			}
			if reservedNames[rel.FKColumn] {
				return nil, schemaCollision(col.Name, rel.FKColumn)
			}
			compiled.Table.Columns = append(compiled.Table.Columns, def.Column(rel.FKColumn))
			compiled.MainFields = append(compiled.MainFields, name)
			continue
		}

		if def.Localized {
			i18nColumns = append(i18nColumns, def.Column(name))
			compiled.LocalizedFields = append(compiled.LocalizedFields, name)
			continue
		}

		compiled.Table.Columns = append(compiled.Table.Columns, def.Column(name))
		compiled.MainFields = append(compiled.MainFields, name)
		if def.HasLocalizedLeaf() {
			if loc := BuildLocSchema(def); loc != nil {
				compiled.Loc[name] = loc
			}
		}
	}

	synthesise(compiled, i18nColumns)

	for _, idx := range col.Indexes {
		name := idx.Name
		if name == "" {
			name = fmt.Sprintf("%s_%s_idx", col.Name, strings.Join(idx.Columns, "_"))
		}
		compiled.Table.Indexes = append(compiled.Table.Indexes, IndexSpec{
			Name: name, Columns: idx.Columns, Unique: idx.Unique,
		})
	}

	return compiled, nil
}

func compileRelation(col *Collection, name string, def *field.Definition) *Relation {
	rel := &Relation{
		Name:   name,
		Target: def.Relation.Target,
		Upload: def.Kind == field.Upload,
	}
	pk := def.Relation.PK
	if pk == "" {
		pk = ColID
	}
	rel.PKColumn = pk
	if def.Relation.HasMany {
		rel.Kind = HasMany
		rel.FKColumn = def.Relation.FK
		if rel.FKColumn == "" {
			// The child's FK back to this collection.
			rel.FKColumn = col.Name + "Id"
		}
		return rel
	}
	rel.Kind = BelongsTo
	rel.FKColumn = field.FKColumn(name, def.Relation)
	return rel
}

// synthesise appends the id / timestamp columns and builds the sidecar and
// versions table specs.
func synthesise(c *Compiled, i18nColumns []field.ColumnSpec) {
	opts := c.Collection.Options

	idCol := field.ColumnSpec{Name: ColID, SQLType: "text", NotNull: true}
	c.Table.Columns = append([]field.ColumnSpec{idCol}, c.Table.Columns...)
	if opts.Timestamps {
		c.Table.Columns = append(c.Table.Columns,
			field.ColumnSpec{Name: ColCreatedAt, SQLType: "timestamptz", NotNull: true, DefaultSQL: "now()"},
			field.ColumnSpec{Name: ColUpdatedAt, SQLType: "timestamptz", NotNull: true, DefaultSQL: "now()"},
		)
	}
	if opts.SoftDelete {
		c.Table.Columns = append(c.Table.Columns,
			field.ColumnSpec{Name: ColDeletedAt, SQLType: "timestamptz"})
	}

	needI18n := len(i18nColumns) > 0 || len(c.Loc) > 0
	if needI18n {
		sidecar := &TableSpec{Name: c.Table.Name + "_i18n"}
		sidecar.Columns = append(sidecar.Columns,
			field.ColumnSpec{Name: ColID, SQLType: "text", NotNull: true},
			field.ColumnSpec{Name: ColParentID, SQLType: "text", NotNull: true,
				References: &field.ColumnRef{Table: c.Table.Name, Column: ColID, OnDelete: "CASCADE"}},
			field.ColumnSpec{Name: ColLocale, SQLType: "text", NotNull: true},
		)
		sidecar.Columns = append(sidecar.Columns, i18nColumns...)
		sidecar.Columns = append(sidecar.Columns,
			field.ColumnSpec{Name: ColLocalized, SQLType: "jsonb"})
		sidecar.Indexes = append(sidecar.Indexes, IndexSpec{
			Name:    sidecar.Name + "_parent_locale_key",
			Columns: []string{ColParentID, ColLocale},
			Unique:  true,
		})
		c.I18nTable = sidecar
	}

	if opts.Versioning {
		versions := &TableSpec{Name: c.Table.Name + "_versions"}
		versions.Columns = append(versions.Columns,
			field.ColumnSpec{Name: ColVersionID, SQLType: "text", NotNull: true})
		// Mirror the main table without its constraints: versions must
		// survive states the live schema no longer allows. The record id
		// keeps a cascading FK so hard deletes take the history with them.
		for _, col := range c.Table.Columns {
			mirrored := field.ColumnSpec{
				Name: col.Name, SQLType: col.SQLType, NotNull: col.Name == ColID,
			}
			if col.Name == ColID {
				mirrored.References = &field.ColumnRef{
					Table: c.Table.Name, Column: ColID, OnDelete: "CASCADE",
				}
			}
			versions.Columns = append(versions.Columns, mirrored)
		}
		versions.Columns = append(versions.Columns,
			field.ColumnSpec{Name: ColVersionNumber, SQLType: "integer", NotNull: true},
			field.ColumnSpec{Name: ColVersionOperation, SQLType: "text", NotNull: true},
			field.ColumnSpec{Name: ColVersionUserID, SQLType: "text"},
			field.ColumnSpec{Name: ColVersionCreatedAt, SQLType: "timestamptz", NotNull: true, DefaultSQL: "now()"},
			field.ColumnSpec{Name: ColVersionStage, SQLType: "text"},
		)
		versions.Indexes = append(versions.Indexes,
			IndexSpec{Name: versions.Name + "_record_key", Columns: []string{ColID, ColVersionNumber}, Unique: true},
			IndexSpec{Name: versions.Name + "_stage_idx", Columns: []string{ColID, ColVersionStage}},
		)
		c.VersionsTable = versions

		if needI18n {
			vi18n := &TableSpec{Name: c.Table.Name + "_versions_i18n"}
			vi18n.Columns = append(vi18n.Columns,
				field.ColumnSpec{Name: ColID, SQLType: "text", NotNull: true},
				field.ColumnSpec{Name: ColParentID, SQLType: "text", NotNull: true,
					References: &field.ColumnRef{Table: versions.Name, Column: ColVersionID, OnDelete: "CASCADE"}},
				field.ColumnSpec{Name: ColLocale, SQLType: "text", NotNull: true},
			)
			for _, col := range i18nColumns {
				vi18n.Columns = append(vi18n.Columns, field.ColumnSpec{Name: col.Name, SQLType: col.SQLType})
			}
			vi18n.Columns = append(vi18n.Columns,
				field.ColumnSpec{Name: ColLocalized, SQLType: "jsonb"})
			vi18n.Indexes = append(vi18n.Indexes, IndexSpec{
				Name:    vi18n.Name + "_parent_locale_key",
				Columns: []string{ColParentID, ColLocale},
				Unique:  true,
			})
			c.VersionsI18nTable = vi18n
		}
	}
}
