package schema

import (
	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
)

// NormalizeInput canonicalises a client payload in place and returns it.
// Relation fields accept either the field name carrying a scalar id
// ("author": "u1") or the FK column directly ("authorId": "u1"); the former
// is rewritten to the latter. Nested mutation objects stay under the field
// name for the engine to resolve. Unknown and read-only keys are dropped.
func (c *Compiled) NormalizeInput(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		name := key
		def, known := c.Field(name)
		if !known {
			// A caller may pin the primary key on create.
			if key == ColID {
				if id, ok := value.(string); ok && id != "" {
					out[ColID] = id
				}
				continue
			}
			// Accept the FK spelling for belongsTo relations.
			if relName, ok := c.relationByFK(key); ok {
				name, def = relName, nil
				if d, dok := c.Field(relName); dok {
					def = d
				}
			} else {
				continue
			}
		}
		if def != nil && !def.Input() {
			continue
		}
		if rel, ok := c.Relations[name]; ok && rel.Kind == BelongsTo {
			switch value.(type) {
			case string, nil:
				out[rel.FKColumn] = value
			default:
				// Nested mutation; resolved by the engine before persist.
				out[name] = value
			}
			continue
		}
		out[name] = value
	}
	return out
}

func (c *Compiled) relationByFK(column string) (string, bool) {
	for name, rel := range c.Relations {
		if rel.Kind == BelongsTo && rel.FKColumn == column {
			return name, true
		}
	}
	return "", false
}

// FieldForInput resolves the definition behind a normalised input key.
// FK columns resolve to their relation field's definition.
func (c *Compiled) FieldForInput(key string) (*field.Definition, string, bool) {
	if def, ok := c.Field(key); ok {
		return def, key, true
	}
	if relName, ok := c.relationByFK(key); ok {
		def, _ := c.Field(relName)
		return def, relName, true
	}
	return nil, key, false
}

// ValidateInsert checks a normalised payload for a create: every required
// non-nullable field must be present (or carry a default), and every present
// value must satisfy its field's rules.
func (c *Compiled) ValidateInsert(data map[string]any) error {
	var errs []common.FieldError
	for _, name := range c.Collection.Fields.Names() {
		def, _ := c.Collection.Fields.Get(name)
		if !def.Input() {
			continue
		}
		key := c.StorageColumn(name)
		value, present := data[key]
		if !present {
			value, present = data[name]
		}
		if !present || value == nil {
			if def.Required && !def.Nullable && def.Default == nil && def.DefaultFunc == nil {
				errs = append(errs, common.FieldError{
					Field:   name,
					Rule:    "required",
					Message: common.Localize("error.field_required", common.DefaultMessageLocale, map[string]any{"field": name}),
				})
			}
			continue
		}
		if isNestedMutation(def, value) {
			continue
		}
		errs = append(errs, def.ValidateValue(name, value)...)
	}
	if len(errs) > 0 {
		return common.ValidationFailed(errs)
	}
	return nil
}

// ValidatePartial checks a normalised payload for an update: only the keys
// present are validated; required fields may be absent but not nulled.
func (c *Compiled) ValidatePartial(data map[string]any) error {
	var errs []common.FieldError
	for key, value := range data {
		def, name, known := c.FieldForInput(key)
		if !known {
			continue
		}
		if value == nil {
			if def.Required && !def.Nullable {
				errs = append(errs, common.FieldError{
					Field:   name,
					Rule:    "required",
					Message: common.Localize("error.field_required", common.DefaultMessageLocale, map[string]any{"field": name}),
				})
			}
			continue
		}
		if isNestedMutation(def, value) {
			continue
		}
		errs = append(errs, def.ValidateValue(name, value)...)
	}
	if len(errs) > 0 {
		return common.ValidationFailed(errs)
	}
	return nil
}

// isNestedMutation reports whether a relation value is a nested mutation
// object (connect / disconnect / create / update) rather than a scalar id.
func isNestedMutation(def *field.Definition, value any) bool {
	if def.Kind != field.Relation && def.Kind != field.Upload {
		return false
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return false
	}
	for _, op := range [...]string{"connect", "disconnect", "create", "update"} {
		if _, present := obj[op]; present {
			return true
		}
	}
	return false
}

// ApplyDefaults fills absent insert values from field defaults. DefaultFunc
// wins over Default when both are set.
func (c *Compiled) ApplyDefaults(data map[string]any) {
	for _, name := range c.Collection.Fields.Names() {
		def, _ := c.Collection.Fields.Get(name)
		key := c.StorageColumn(name)
		if _, present := data[key]; present {
			continue
		}
		if _, present := data[name]; present {
			continue
		}
		switch {
		case def.DefaultFunc != nil:
			data[key] = def.DefaultFunc()
		case def.Default != nil:
			data[key] = def.Default
		}
	}
}

// Metadata renders the introspection document served by the schema endpoint.
func (c *Compiled) Metadata() map[string]any {
	fields := make(map[string]field.Meta, c.Collection.Fields.Len())
	for _, name := range c.Collection.Fields.Names() {
		def, _ := c.Collection.Fields.Get(name)
		if !def.Output() {
			continue
		}
		fields[name] = def.Metadata()
	}
	meta := map[string]any{
		"name":       c.Collection.Name,
		"fields":     fields,
		"fieldOrder": c.Collection.Fields.Names(),
		"options": map[string]any{
			"timestamps": c.Collection.Options.Timestamps,
			"softDelete": c.Collection.Options.SoftDelete,
			"versioning": c.Collection.Options.Versioning,
			"i18n":       c.HasI18n(),
		},
	}
	if wf := c.Collection.Options.Workflow; wf != nil {
		meta["workflow"] = map[string]any{
			"stages":      wf.Stages,
			"transitions": wf.Transitions,
		}
	}
	return meta
}
