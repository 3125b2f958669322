package common

import (
	"fmt"
	"strings"
)

// DefaultMessageLocale is the locale used when no translation exists for
// the requested one.
const DefaultMessageLocale = "en"

// messages holds the locale-aware message tables. Keys are stable; values
// may contain {{name}} placeholders substituted from the error's args.
var messages = map[string]map[string]string{
	"en": {
		"error.not_found":      "{{resource}} with id {{id}} was not found",
		"error.forbidden":      "not allowed to {{operation}} {{resource}}",
		"error.unauthorized":   "authentication required",
		"error.validation":     "the input is invalid",
		"error.conflict":       "a record with the same {{field}} already exists",
		"error.bad_reference":  "the referenced {{resource}} does not exist",
		"error.field_required": "{{field}} is required",
		"error.field_type":     "{{field}} has the wrong type",
		"error.field_min":      "{{field}} must be at least {{min}}",
		"error.field_max":      "{{field}} must be at most {{max}}",
		"error.field_option":   "{{field}} must be one of {{options}}",
		"error.field_format":   "{{field}} is not a valid {{format}}",

		"error.schema_collision":       "field {{field}} collides with a reserved column on {{collection}}",
		"error.invalid_field_config":   "invalid configuration for field {{field}}: {{reason}}",
		"error.illegal_transition":     "cannot transition from {{from}} to {{to}}",
		"error.scheduling_unavailable": "scheduled transitions require a configured queue",
		"error.not_restorable":         "{{collection}} does not use soft delete",
		"error.migration_conflict":     "migration {{id}} conflicts with the executed history",
	},
}

// RegisterMessages merges a message table for a locale, overriding existing
// keys. Embedders use this to localise or reword client-facing errors.
func RegisterMessages(locale string, table map[string]string) {
	existing, ok := messages[locale]
	if !ok {
		existing = make(map[string]string, len(table))
		messages[locale] = existing
	}
	for k, v := range table {
		existing[k] = v
	}
}

// Localize resolves a message key for a locale and substitutes {{name}}
// placeholders from args. Unknown keys return the key itself so that a
// missing translation is visible rather than silent.
func Localize(key, locale string, args map[string]any) string {
	table, ok := messages[locale]
	if !ok {
		table = messages[DefaultMessageLocale]
	}
	tmpl, ok := table[key]
	if !ok {
		if fallback, fok := messages[DefaultMessageLocale][key]; fok {
			tmpl = fallback
		} else {
			return key
		}
	}
	for name, value := range args {
		tmpl = strings.ReplaceAll(tmpl, "{{"+name+"}}", fmt.Sprintf("%v", value))
	}
	return tmpl
}

// LocalizeError re-renders an error's message for the requested locale.
// Errors without a message key keep their original message.
func LocalizeError(err *Error, locale string) string {
	if err.MessageKey == "" {
		return err.Message
	}
	return Localize(err.MessageKey, locale, err.Args)
}
