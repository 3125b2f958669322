package field

import "sort"

// Meta is the serialisable description of a field exposed by the schema
// introspection endpoint. Admin tooling renders forms from it.
type Meta struct {
	Kind        Kind             `json:"kind"`
	Label       string           `json:"label,omitempty"`
	Description string           `json:"description,omitempty"`
	Required    bool             `json:"required,omitempty"`
	Localized   bool             `json:"localized,omitempty"`
	Unique      bool             `json:"unique,omitempty"`
	ReadOnly    bool             `json:"readOnly,omitempty"`
	Hidden      bool             `json:"hidden,omitempty"`
	Options     []string         `json:"options,omitempty"`
	Multiple    bool             `json:"multiple,omitempty"`
	Min         *float64         `json:"min,omitempty"`
	Max         *float64         `json:"max,omitempty"`
	MinLen      *int             `json:"minLength,omitempty"`
	MaxLen      *int             `json:"maxLength,omitempty"`
	Target      string           `json:"target,omitempty"`
	HasMany     bool             `json:"hasMany,omitempty"`
	Fields      map[string]Meta  `json:"fields,omitempty"`
	FieldOrder  []string         `json:"fieldOrder,omitempty"`
	Item        *Meta            `json:"item,omitempty"`
	Blocks      map[string]*Meta `json:"blocks,omitempty"`
	Operators   []string         `json:"operators,omitempty"`
}

// Metadata renders the introspection view of the definition.
func (d *Definition) Metadata() Meta {
	m := Meta{
		Kind:        d.Kind,
		Label:       d.Label,
		Description: d.Description,
		Required:    d.Required,
		Localized:   d.Localized,
		Unique:      d.Unique,
		ReadOnly:    d.NoInput,
		Hidden:      d.NoOutput,
		Options:     d.Options,
		Multiple:    d.Multiple,
		Min:         d.Min,
		Max:         d.Max,
		MinLen:      d.MinLen,
		MaxLen:      d.MaxLen,
	}
	if d.Relation != nil {
		m.Target = d.Relation.Target
		m.HasMany = d.Relation.HasMany
	}
	if d.Fields != nil {
		m.FieldOrder = d.Fields.Names()
		m.Fields = make(map[string]Meta, d.Fields.Len())
		for _, name := range d.Fields.Names() {
			child, _ := d.Fields.Get(name)
			m.Fields[name] = child.Metadata()
		}
	}
	if d.Item != nil {
		item := d.Item.Metadata()
		m.Item = &item
	}
	if len(d.Blocks) > 0 {
		m.Blocks = make(map[string]*Meta, len(d.Blocks))
		for blockType, fields := range d.Blocks {
			bm := &Meta{Kind: Object, Fields: make(map[string]Meta, fields.Len()), FieldOrder: fields.Names()}
			for _, name := range fields.Names() {
				child, _ := fields.Get(name)
				bm.Fields[name] = child.Metadata()
			}
			m.Blocks[blockType] = bm
		}
	}
	for name := range d.Operators() {
		m.Operators = append(m.Operators, name)
	}
	sort.Strings(m.Operators)
	return m
}
