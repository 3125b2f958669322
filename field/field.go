// Package field defines the closed set of field kinds a collection can be
// built from, and the capabilities each kind provides: a database column
// spec, a value validator, contextual SQL operators for the query compiler,
// and serialisable metadata for introspection.
package field

import (
	"github.com/stratacms/strata/common"
)

// Kind identifies a field type. The set is closed: definitions with an
// unknown kind fail compilation with InvalidFieldConfig.
type Kind string

const (
	Text     Kind = "text"
	Textarea Kind = "textarea"
	Number   Kind = "number"
	Boolean  Kind = "boolean"
	Date     Kind = "date"
	DateTime Kind = "datetime"
	Time     Kind = "time"
	Select   Kind = "select"
	JSON     Kind = "json"
	Object   Kind = "object"
	Array    Kind = "array"
	Blocks   Kind = "blocks"
	Relation Kind = "relation"
	Upload   Kind = "upload"
	RichText Kind = "richText"
	URL      Kind = "url"
	Email    Kind = "email"
)

var knownKinds = map[Kind]bool{
	Text: true, Textarea: true, Number: true, Boolean: true,
	Date: true, DateTime: true, Time: true, Select: true,
	JSON: true, Object: true, Array: true, Blocks: true,
	Relation: true, Upload: true, RichText: true, URL: true, Email: true,
}

// KnownKind reports whether k is part of the closed kind set.
func KnownKind(k Kind) bool { return knownKinds[k] }

// RelationRef configures a relation or upload field. FK is the column that
// carries the reference; it defaults to "<fieldName>Id" for belongsTo
// relations. For hasMany relations the FK lives on the target collection.
type RelationRef struct {
	Target  string
	HasMany bool
	FK      string
	PK      string
}

// Definition describes one field of a collection. Compound kinds (object,
// array, blocks) carry child definitions and are persisted as JSONB.
type Definition struct {
	Kind Kind

	Required  bool
	Nullable  bool
	Localized bool
	Unique    bool

	// NoInput / NoOutput invert the default read-write visibility.
	NoInput  bool
	NoOutput bool

	Label       string
	Description string

	// Default is a literal default; DefaultFunc a thunk evaluated per
	// insert. Only one should be set.
	Default     any
	DefaultFunc func() any

	// Select configuration.
	Options  []string
	Multiple bool

	// Numeric and length constraints.
	Min    *float64
	Max    *float64
	MinLen *int
	MaxLen *int

	// Compound children.
	Fields *Fields            // object
	Item   *Definition        // array element
	Blocks map[string]*Fields // blocks: block type -> fields

	// Relation target; also used by upload fields.
	Relation *RelationRef
}

// Check verifies the definition is internally consistent. name is used in
// error messages only.
func (d *Definition) Check(name string) error {
	if !KnownKind(d.Kind) {
		return common.EKey(common.KindInvalidFieldConfig, "error.invalid_field_config",
			map[string]any{"field": name, "reason": "unknown kind " + string(d.Kind)})
	}
	switch d.Kind {
	case Select:
		if len(d.Options) == 0 {
			return invalidConfig(name, "select requires options")
		}
	case Object:
		if d.Fields == nil || d.Fields.Len() == 0 {
			return invalidConfig(name, "object requires child fields")
		}
		for _, child := range d.Fields.Names() {
			def, _ := d.Fields.Get(child)
			if err := def.Check(name + "." + child); err != nil {
				return err
			}
		}
	case Array:
		if d.Item == nil {
			return invalidConfig(name, "array requires an item definition")
		}
		if d.Item.Localized && d.Item.Kind != Object {
			// A whole array element cannot be localised; only leaves inside
			// object items can.
			return invalidConfig(name, "localized array items must be objects")
		}
		if err := d.Item.Check(name + "[]"); err != nil {
			return err
		}
	case Blocks:
		if len(d.Blocks) == 0 {
			return invalidConfig(name, "blocks requires at least one block type")
		}
		for blockType, fields := range d.Blocks {
			for _, child := range fields.Names() {
				def, _ := fields.Get(child)
				if err := def.Check(name + "." + blockType + "." + child); err != nil {
					return err
				}
			}
		}
	case Relation, Upload:
		if d.Relation == nil || d.Relation.Target == "" {
			return invalidConfig(name, "relation requires a target collection")
		}
	}
	return nil
}

func invalidConfig(name, reason string) error {
	return common.EKey(common.KindInvalidFieldConfig, "error.invalid_field_config",
		map[string]any{"field": name, "reason": reason})
}

// Input reports whether clients may write this field.
func (d *Definition) Input() bool { return !d.NoInput }

// Output reports whether this field is serialised to clients.
func (d *Definition) Output() bool { return !d.NoOutput }

// HasLocalizedLeaf reports whether the field or any nested leaf is
// localised; used to decide whether a collection needs an i18n sidecar.
func (d *Definition) HasLocalizedLeaf() bool {
	if d.Localized {
		return true
	}
	switch d.Kind {
	case Object:
		if d.Fields == nil {
			return false
		}
		for _, name := range d.Fields.Names() {
			child, _ := d.Fields.Get(name)
			if child.HasLocalizedLeaf() {
				return true
			}
		}
	case Array:
		if d.Item != nil {
			return d.Item.HasLocalizedLeaf()
		}
	case Blocks:
		for _, fields := range d.Blocks {
			for _, name := range fields.Names() {
				child, _ := fields.Get(name)
				if child.HasLocalizedLeaf() {
					return true
				}
			}
		}
	}
	return false
}

// Fields is an insertion-ordered map of field definitions. Field order is
// significant: it drives column order, metadata order and validation
// reporting.
type Fields struct {
	order []string
	defs  map[string]*Definition
}

// NewFields returns an empty ordered field map.
func NewFields() *Fields {
	return &Fields{defs: make(map[string]*Definition)}
}

// Add registers a definition under name, replacing any previous entry but
// keeping the original position. Returns the receiver for chaining.
func (f *Fields) Add(name string, def *Definition) *Fields {
	if _, exists := f.defs[name]; !exists {
		f.order = append(f.order, name)
	}
	f.defs[name] = def
	return f
}

// Get looks up a definition by name.
func (f *Fields) Get(name string) (*Definition, bool) {
	def, ok := f.defs[name]
	return def, ok
}

// Names returns field names in insertion order.
func (f *Fields) Names() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Len reports the number of fields.
func (f *Fields) Len() int { return len(f.order) }
