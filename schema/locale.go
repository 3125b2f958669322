package schema

import (
	"github.com/stratacms/strata/field"
)

// I18nSentinel marks a localised leaf inside a stored structure. The stored
// value is `{"$i18n": true}`; the real value lives in the sidecar's
// _localized column under the same path.
const I18nSentinel = "$i18n"

// LocSchema is the structural template describing which leaves inside a
// compound field are localised. Exactly one of the four shapes is set.
type LocSchema struct {
	Leaf   bool
	Object map[string]*LocSchema
	Item   *LocSchema
	Blocks map[string]*LocSchema
}

// BuildLocSchema precomputes the localisation schema for a field definition.
// Returns nil when nothing under the definition is localised.
func BuildLocSchema(def *field.Definition) *LocSchema {
	if def.Localized {
		return &LocSchema{Leaf: true}
	}
	switch def.Kind {
	case field.Object:
		return buildObjectLoc(def.Fields)
	case field.Array:
		if def.Item == nil {
			return nil
		}
		item := BuildLocSchema(def.Item)
		if item == nil {
			return nil
		}
		return &LocSchema{Item: item}
	case field.Blocks:
		blocks := map[string]*LocSchema{}
		for blockType, fields := range def.Blocks {
			if s := buildObjectLoc(fields); s != nil {
				blocks[blockType] = s
			}
		}
		if len(blocks) == 0 {
			return nil
		}
		return &LocSchema{Blocks: blocks}
	}
	return nil
}

func buildObjectLoc(fields *field.Fields) *LocSchema {
	if fields == nil {
		return nil
	}
	children := map[string]*LocSchema{}
	for _, name := range fields.Names() {
		child, _ := fields.Get(name)
		if s := BuildLocSchema(child); s != nil {
			children[name] = s
		}
	}
	if len(children) == 0 {
		return nil
	}
	return &LocSchema{Object: children}
}

func sentinel() map[string]any { return map[string]any{I18nSentinel: true} }

// IsSentinel reports whether a stored value is the localised-leaf marker.
func IsSentinel(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	flag, ok := m[I18nSentinel].(bool)
	return ok && flag
}

// Split separates a payload into its locale-invariant structure and the
// per-locale values addressed by the schema. The returned i18n value is nil
// when the payload carries no localised leaves.
func (s *LocSchema) Split(v any) (structure any, i18n any) {
	if v == nil {
		return nil, nil
	}
	switch {
	case s.Leaf:
		return sentinel(), v

	case s.Object != nil:
		obj, ok := v.(map[string]any)
		if !ok {
			return v, nil
		}
		outStructure := make(map[string]any, len(obj))
		outI18n := map[string]any{}
		for key, value := range obj {
			child, localized := s.Object[key]
			if !localized {
				outStructure[key] = value
				continue
			}
			st, loc := child.Split(value)
			outStructure[key] = st
			if loc != nil {
				outI18n[key] = loc
			}
		}
		if len(outI18n) == 0 {
			return outStructure, nil
		}
		return outStructure, outI18n

	case s.Item != nil:
		list, ok := v.([]any)
		if !ok {
			return v, nil
		}
		outStructure := make([]any, len(list))
		outI18n := make([]any, len(list))
		any18n := false
		for i, item := range list {
			st, loc := s.Item.Split(item)
			outStructure[i] = st
			outI18n[i] = loc
			if loc != nil {
				any18n = true
			}
		}
		if !any18n {
			return outStructure, nil
		}
		return outStructure, outI18n

	case s.Blocks != nil:
		obj, ok := v.(map[string]any)
		if !ok {
			return v, nil
		}
		values, ok := obj["_values"].(map[string]any)
		if !ok {
			return v, nil
		}
		outStructure := map[string]any{}
		for key, value := range obj {
			if key != "_values" {
				outStructure[key] = value
			}
		}
		outValues := make(map[string]any, len(values))
		outI18n := map[string]any{}
		for blockID, raw := range values {
			block, bok := raw.(map[string]any)
			if !bok {
				outValues[blockID] = raw
				continue
			}
			blockType, _ := block["_type"].(string)
			blockSchema, known := s.Blocks[blockType]
			if !known {
				outValues[blockID] = block
				continue
			}
			st, loc := (&LocSchema{Object: blockSchema.Object}).Split(block)
			outValues[blockID] = st
			if loc != nil {
				outI18n[blockID] = loc
			}
		}
		outStructure["_values"] = outValues
		if len(outI18n) == 0 {
			return outStructure, nil
		}
		return outStructure, map[string]any{"_values": outI18n}
	}
	return v, nil
}

// Merge reconstitutes the client-facing shape from a stored structure and the
// per-locale values. current wins over fallback; a leaf missing in both
// merges to nil.
func (s *LocSchema) Merge(structure, current, fallback any) any {
	if structure == nil {
		return nil
	}
	switch {
	case s.Leaf:
		if current != nil {
			return current
		}
		return fallback

	case s.Object != nil:
		obj, ok := structure.(map[string]any)
		if !ok {
			return structure
		}
		currentObj, _ := current.(map[string]any)
		fallbackObj, _ := fallback.(map[string]any)
		out := make(map[string]any, len(obj))
		for key, value := range obj {
			child, localized := s.Object[key]
			if !localized {
				out[key] = value
				continue
			}
			out[key] = child.Merge(value, currentObj[key], fallbackObj[key])
		}
		return out

	case s.Item != nil:
		list, ok := structure.([]any)
		if !ok {
			return structure
		}
		currentList, _ := current.([]any)
		fallbackList, _ := fallback.([]any)
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = s.Item.Merge(item, index(currentList, i), index(fallbackList, i))
		}
		return out

	case s.Blocks != nil:
		obj, ok := structure.(map[string]any)
		if !ok {
			return structure
		}
		values, ok := obj["_values"].(map[string]any)
		if !ok {
			return structure
		}
		currentValues := blockValues(current)
		fallbackValues := blockValues(fallback)
		out := make(map[string]any, len(obj))
		for key, value := range obj {
			if key != "_values" {
				out[key] = value
			}
		}
		merged := make(map[string]any, len(values))
		for blockID, raw := range values {
			block, bok := raw.(map[string]any)
			if !bok {
				merged[blockID] = raw
				continue
			}
			blockType, _ := block["_type"].(string)
			blockSchema, known := s.Blocks[blockType]
			if !known {
				merged[blockID] = block
				continue
			}
			merged[blockID] = (&LocSchema{Object: blockSchema.Object}).
				Merge(block, currentValues[blockID], fallbackValues[blockID])
		}
		out["_values"] = merged
		return out
	}
	return structure
}

func index(list []any, i int) any {
	if i < len(list) {
		return list[i]
	}
	return nil
}

func blockValues(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	values, ok := obj["_values"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return values
}
