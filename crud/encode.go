package crud

import (
	"encoding/json"
)

// encodeValue prepares a column value for binding: JSONB columns bind as a
// JSON text literal so the driver never has to guess the target type.
func encodeValue(c *Collection, column string, v any) any {
	if v == nil {
		return nil
	}
	def, _, known := c.FieldForInput(column)
	if !known || def == nil {
		return v
	}
	if def.JSONBColumn() {
		return jsonValue(v)
	}
	return v
}

func jsonValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(raw)
}
