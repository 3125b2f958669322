package field

import (
	"fmt"
	"strconv"
)

// ColumnSpec is the database column a field materialises into.
type ColumnSpec struct {
	Name       string
	SQLType    string
	NotNull    bool
	Unique     bool
	DefaultSQL string
	References *ColumnRef
}

// ColumnRef is a foreign key reference carried by relation columns.
type ColumnRef struct {
	Table    string
	Column   string
	OnDelete string
}

// JSONBColumn reports whether the field persists as JSONB.
func (d *Definition) JSONBColumn() bool {
	switch d.Kind {
	case JSON, Object, Array, Blocks, RichText:
		return true
	case Select:
		return d.Multiple
	}
	return false
}

// Column produces the column spec for this field under the given name.
func (d *Definition) Column(name string) ColumnSpec {
	spec := ColumnSpec{
		Name:    name,
		SQLType: d.sqlType(),
		NotNull: d.Required && !d.Nullable,
		Unique:  d.Unique,
	}
	if d.Default != nil {
		spec.DefaultSQL = defaultLiteral(d.Default)
	}
	if (d.Kind == Relation || d.Kind == Upload) && d.Relation != nil && !d.Relation.HasMany {
		pk := d.Relation.PK
		if pk == "" {
			pk = "id"
		}
		spec.References = &ColumnRef{Table: d.Relation.Target, Column: pk, OnDelete: "SET NULL"}
		// FK columns are only NOT NULL when the relation itself is required.
		spec.NotNull = d.Required && !d.Nullable
	}
	return spec
}

func (d *Definition) sqlType() string {
	switch d.Kind {
	case Text, Textarea, URL, Email:
		return "text"
	case Number:
		return "double precision"
	case Boolean:
		return "boolean"
	case Date:
		return "date"
	case DateTime:
		return "timestamptz"
	case Time:
		return "time"
	case Select:
		if d.Multiple {
			return "jsonb"
		}
		return "text"
	case JSON, Object, Array, Blocks, RichText:
		return "jsonb"
	case Relation, Upload:
		return "text"
	}
	return "text"
}

// defaultLiteral renders a Go default value as a SQL literal. Unsupported
// values yield an empty string and the default is applied at insert time
// instead.
func defaultLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return quoteLiteral(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func quoteLiteral(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += "''"
		} else {
			out += string(r)
		}
	}
	return out + "'"
}

// QuoteIdent quotes a SQL identifier. Field and collection names are caller
// supplied, so every generated statement quotes them.
func QuoteIdent(name string) string {
	out := `"`
	for _, r := range name {
		if r == '"' {
			out += `""`
		} else {
			out += string(r)
		}
	}
	return out + `"`
}

// FKColumn returns the column name carrying a belongsTo reference for a
// relation field declared under fieldName.
func FKColumn(fieldName string, rel *RelationRef) string {
	if rel != nil && rel.FK != "" {
		return rel.FK
	}
	return fmt.Sprintf("%sId", fieldName)
}
