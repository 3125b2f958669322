package field

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/stratacms/strata/common"
)

// validate backs format checks for url and email fields.
var validate = validator.New()

func fieldErr(name, rule, key string, args map[string]any) common.FieldError {
	if args == nil {
		args = map[string]any{}
	}
	args["field"] = name
	return common.FieldError{
		Field:   name,
		Rule:    rule,
		Message: common.Localize(key, common.DefaultMessageLocale, args),
	}
}

func typeErr(name string) common.FieldError {
	return fieldErr(name, "type", "error.field_type", nil)
}

// ValidateValue checks a single value against the definition and appends any
// failures. A nil value is only rejected for required fields; presence checks
// for missing keys are the schema validator's job.
func (d *Definition) ValidateValue(name string, value any) []common.FieldError {
	if value == nil {
		if d.Required && !d.Nullable {
			return []common.FieldError{fieldErr(name, "required", "error.field_required", nil)}
		}
		return nil
	}

	switch d.Kind {
	case Text, Textarea, RichText:
		return d.validateString(name, value)
	case URL:
		return d.validateFormat(name, value, "url")
	case Email:
		return d.validateFormat(name, value, "email")
	case Number:
		return d.validateNumber(name, value)
	case Boolean:
		if _, ok := value.(bool); !ok {
			return []common.FieldError{typeErr(name)}
		}
	case Date:
		return validateTimeString(name, value, "2006-01-02")
	case DateTime:
		return validateTimeString(name, value, time.RFC3339)
	case Time:
		return validateTimeString(name, value, "15:04:05")
	case Select:
		return d.validateSelect(name, value)
	case JSON:
		// Any JSON value is acceptable.
	case Object:
		return d.validateObject(name, value)
	case Array:
		return d.validateArray(name, value)
	case Blocks:
		return d.validateBlocks(name, value)
	case Relation, Upload:
		return d.validateRelation(name, value)
	}
	return nil
}

func (d *Definition) validateString(name string, value any) []common.FieldError {
	if d.Kind == RichText {
		// Rich text is a structured document, not a scalar.
		if _, ok := value.(map[string]any); ok {
			return nil
		}
		if _, ok := value.([]any); ok {
			return nil
		}
		return []common.FieldError{typeErr(name)}
	}
	s, ok := value.(string)
	if !ok {
		return []common.FieldError{typeErr(name)}
	}
	var errs []common.FieldError
	if d.MinLen != nil && len([]rune(s)) < *d.MinLen {
		errs = append(errs, fieldErr(name, "minLength", "error.field_min", map[string]any{"min": *d.MinLen}))
	}
	if d.MaxLen != nil && len([]rune(s)) > *d.MaxLen {
		errs = append(errs, fieldErr(name, "maxLength", "error.field_max", map[string]any{"max": *d.MaxLen}))
	}
	return errs
}

func (d *Definition) validateFormat(name string, value any, format string) []common.FieldError {
	s, ok := value.(string)
	if !ok {
		return []common.FieldError{typeErr(name)}
	}
	if err := validate.Var(s, format); err != nil {
		return []common.FieldError{fieldErr(name, format, "error.field_format", map[string]any{"format": format})}
	}
	return nil
}

func (d *Definition) validateNumber(name string, value any) []common.FieldError {
	var n float64
	switch t := value.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	default:
		return []common.FieldError{typeErr(name)}
	}
	var errs []common.FieldError
	if d.Min != nil && n < *d.Min {
		errs = append(errs, fieldErr(name, "min", "error.field_min", map[string]any{"min": *d.Min}))
	}
	if d.Max != nil && n > *d.Max {
		errs = append(errs, fieldErr(name, "max", "error.field_max", map[string]any{"max": *d.Max}))
	}
	return errs
}

func validateTimeString(name string, value any, layout string) []common.FieldError {
	switch t := value.(type) {
	case time.Time:
		return nil
	case string:
		if _, err := time.Parse(layout, t); err != nil {
			return []common.FieldError{typeErr(name)}
		}
		return nil
	default:
		return []common.FieldError{typeErr(name)}
	}
}

func (d *Definition) validateSelect(name string, value any) []common.FieldError {
	allowed := make(map[string]bool, len(d.Options))
	for _, o := range d.Options {
		allowed[o] = true
	}
	optionErr := func() common.FieldError {
		return fieldErr(name, "option", "error.field_option", map[string]any{"options": d.Options})
	}
	if d.Multiple {
		list, ok := toSlice(value)
		if !ok {
			return []common.FieldError{typeErr(name)}
		}
		for _, v := range list {
			s, sok := v.(string)
			if !sok || !allowed[s] {
				return []common.FieldError{optionErr()}
			}
		}
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return []common.FieldError{typeErr(name)}
	}
	if !allowed[s] {
		return []common.FieldError{optionErr()}
	}
	return nil
}

func (d *Definition) validateObject(name string, value any) []common.FieldError {
	obj, ok := value.(map[string]any)
	if !ok {
		return []common.FieldError{typeErr(name)}
	}
	var errs []common.FieldError
	for _, child := range d.Fields.Names() {
		def, _ := d.Fields.Get(child)
		childValue, present := obj[child]
		if !present {
			if def.Required && !def.Nullable {
				errs = append(errs, fieldErr(name+"."+child, "required", "error.field_required", nil))
			}
			continue
		}
		errs = append(errs, def.ValidateValue(name+"."+child, childValue)...)
	}
	return errs
}

func (d *Definition) validateArray(name string, value any) []common.FieldError {
	list, ok := value.([]any)
	if !ok {
		return []common.FieldError{typeErr(name)}
	}
	var errs []common.FieldError
	if d.MinLen != nil && len(list) < *d.MinLen {
		errs = append(errs, fieldErr(name, "minLength", "error.field_min", map[string]any{"min": *d.MinLen}))
	}
	if d.MaxLen != nil && len(list) > *d.MaxLen {
		errs = append(errs, fieldErr(name, "maxLength", "error.field_max", map[string]any{"max": *d.MaxLen}))
	}
	for i, item := range list {
		errs = append(errs, d.Item.ValidateValue(fmt.Sprintf("%s.%d", name, i), item)...)
	}
	return errs
}

// validateBlocks accepts either the editor shape {_tree, _values: {blockId:
// block}} or a plain list of blocks; every block carries its type in _type.
func (d *Definition) validateBlocks(name string, value any) []common.FieldError {
	if obj, ok := value.(map[string]any); ok {
		values, vok := obj["_values"].(map[string]any)
		if !vok {
			return []common.FieldError{typeErr(name)}
		}
		var errs []common.FieldError
		for _, blockID := range sortedBlockIDs(values) {
			block, bok := values[blockID].(map[string]any)
			if !bok {
				errs = append(errs, typeErr(name+"."+blockID))
				continue
			}
			errs = append(errs, d.validateBlock(name+"."+blockID, block)...)
		}
		return errs
	}
	list, ok := value.([]any)
	if !ok {
		return []common.FieldError{typeErr(name)}
	}
	var errs []common.FieldError
	for i, item := range list {
		block, bok := item.(map[string]any)
		if !bok {
			errs = append(errs, typeErr(fmt.Sprintf("%s.%d", name, i)))
			continue
		}
		errs = append(errs, d.validateBlock(fmt.Sprintf("%s.%d", name, i), block)...)
	}
	return errs
}

func (d *Definition) validateBlock(path string, block map[string]any) []common.FieldError {
	blockType, _ := block["_type"].(string)
	fields, known := d.Blocks[blockType]
	if !known {
		return []common.FieldError{fieldErr(path+"._type", "option", "error.field_option",
			map[string]any{"options": blockTypeNames(d.Blocks)})}
	}
	var errs []common.FieldError
	for _, child := range fields.Names() {
		def, _ := fields.Get(child)
		childValue, present := block[child]
		if !present {
			if def.Required && !def.Nullable {
				errs = append(errs, fieldErr(path+"."+child, "required", "error.field_required", nil))
			}
			continue
		}
		errs = append(errs, def.ValidateValue(path+"."+child, childValue)...)
	}
	return errs
}

func sortedBlockIDs(values map[string]any) []string {
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Definition) validateRelation(name string, value any) []common.FieldError {
	if d.Relation != nil && d.Relation.HasMany {
		if _, ok := toSlice(value); ok {
			return nil
		}
		if _, ok := value.(map[string]any); ok {
			// Nested mutation object (connect / create / ...).
			return nil
		}
		return []common.FieldError{typeErr(name)}
	}
	switch value.(type) {
	case string, map[string]any:
		return nil
	}
	return []common.FieldError{typeErr(name)}
}

func blockTypeNames(blocks map[string]*Fields) []string {
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	return names
}
