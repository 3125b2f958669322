package crud

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
)

// Record is the client-facing shape of a stored row.
type Record = map[string]any

// internal column aliases used by the read query to carry the sidecar's
// nested values alongside the main row.
const (
	aliasLocalizedCurrent  = "_localized_current"
	aliasLocalizedFallback = "_localized_fallback"
)

// decodeRecord converts a scanned row into the client-facing record:
// synthesised columns are renamed to their exposed spelling, nested
// localisation structures are merged, and hidden fields are dropped.
func (c *Collection) decodeRecord(row map[string]any) Record {
	if row == nil {
		return nil
	}
	currentLoc := jsonbMap(row[aliasLocalizedCurrent])
	fallbackLoc := jsonbMap(row[aliasLocalizedFallback])

	record := make(Record, len(row))
	for key, value := range row {
		switch key {
		case aliasLocalizedCurrent, aliasLocalizedFallback,
			schema.ColParentID, schema.ColLocale, schema.ColLocalized:
			continue
		case schema.ColCreatedAt:
			record[schema.KeyCreatedAt] = value
		case schema.ColUpdatedAt:
			record[schema.KeyUpdatedAt] = value
		case schema.ColDeletedAt:
			record[schema.KeyDeletedAt] = value
		default:
			record[key] = value
		}
	}

	for name, loc := range c.Loc {
		structure, present := record[name]
		if !present {
			continue
		}
		record[name] = loc.Merge(decodeJSONB(structure), currentLoc[name], fallbackLoc[name])
	}

	for _, name := range c.Collection.Fields.Names() {
		def, _ := c.Collection.Fields.Get(name)
		if !def.Output() {
			delete(record, name)
			delete(record, c.StorageColumn(name))
			continue
		}
		if def.JSONBColumn() {
			if _, handled := c.Loc[name]; !handled {
				if v, ok := record[name]; ok {
					record[name] = decodeJSONB(v)
				}
			}
		}
	}
	return record
}

// decodeJSONB normalises a scanned jsonb value to plain maps and slices.
// pgx returns decoded values already; []byte shows up when the column was
// selected through an expression.
func decodeJSONB(v any) any {
	if raw, ok := v.([]byte); ok {
		var out any
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return v
}

func jsonbMap(v any) map[string]any {
	if m, ok := decodeJSONB(v).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// selectColumns builds the projection for the read query. Localised columns
// resolve through the sidecar aliases.
func (c *Collection) selectColumns(fallback bool, tableAlias string) string {
	cols := make([]string, 0, len(c.Table.Columns)+len(c.LocalizedFields)+2)
	for _, col := range c.Table.Columns {
		cols = append(cols, fmt.Sprintf("%s.%s", tableAlias, field.QuoteIdent(col.Name)))
	}
	for _, name := range c.LocalizedFields {
		quoted := field.QuoteIdent(name)
		if fallback {
			cols = append(cols, fmt.Sprintf("COALESCE(i.%s, f.%s) AS %s", quoted, quoted, quoted))
		} else {
			cols = append(cols, fmt.Sprintf("i.%s AS %s", quoted, quoted))
		}
	}
	if c.HasI18n() {
		cols = append(cols, fmt.Sprintf("i.%s AS %s", field.QuoteIdent(schema.ColLocalized), aliasLocalizedCurrent))
		if fallback {
			cols = append(cols, fmt.Sprintf("f.%s AS %s", field.QuoteIdent(schema.ColLocalized), aliasLocalizedFallback))
		}
	}
	return strings.Join(cols, ", ")
}

// versionSelectColumns projects a versions-table row plus its sidecar.
func (c *Collection) versionSelectColumns(fallback bool) string {
	cols := make([]string, 0, len(c.VersionsTable.Columns)+len(c.LocalizedFields)+2)
	for _, col := range c.VersionsTable.Columns {
		cols = append(cols, fmt.Sprintf("t.%s", field.QuoteIdent(col.Name)))
	}
	for _, name := range c.LocalizedFields {
		quoted := field.QuoteIdent(name)
		if fallback {
			cols = append(cols, fmt.Sprintf("COALESCE(i.%s, f.%s) AS %s", quoted, quoted, quoted))
		} else {
			cols = append(cols, fmt.Sprintf("i.%s AS %s", quoted, quoted))
		}
	}
	if c.VersionsI18nTable != nil {
		cols = append(cols, fmt.Sprintf("i.%s AS %s", field.QuoteIdent(schema.ColLocalized), aliasLocalizedCurrent))
		if fallback {
			cols = append(cols, fmt.Sprintf("f.%s AS %s", field.QuoteIdent(schema.ColLocalized), aliasLocalizedFallback))
		}
	}
	return strings.Join(cols, ", ")
}
