// Package schema turns declarative collection definitions into table specs,
// validators, relation descriptors, nested localisation schemas and
// introspection metadata.
package schema

import (
	"github.com/stratacms/strata/field"
)

// Workflow configures lifecycle stages for a versioned collection. The first
// stage is the initial one and lives in the main table; records reach other
// stages through transition version rows.
//
// Transitions maps a stage to the stages reachable from it. A nil map allows
// every transition; a present but empty entry allows none out of that stage.
type Workflow struct {
	Stages      []string
	Transitions map[string][]string
}

// InitialStage returns the first configured stage.
func (w *Workflow) InitialStage() string {
	if w == nil || len(w.Stages) == 0 {
		return ""
	}
	return w.Stages[0]
}

// HasStage reports whether stage is configured.
func (w *Workflow) HasStage(stage string) bool {
	for _, s := range w.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Allowed reports whether a transition from one stage to another is legal.
func (w *Workflow) Allowed(from, to string) bool {
	if !w.HasStage(to) {
		return false
	}
	if w.Transitions == nil {
		return true
	}
	targets, ok := w.Transitions[from]
	if !ok {
		return true
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// I18n configures the locale set for a collection. When unset, the app-level
// locales apply.
type I18n struct {
	Locales       []string
	DefaultLocale string
}

// Options toggle the synthesised behaviour of a collection.
type Options struct {
	Timestamps bool
	SoftDelete bool
	Versioning bool
	Workflow   *Workflow
	I18n       *I18n
}

// Index declares an additional index over main-table columns.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Searchable configures full-text indexing for a collection. The zero value
// indexes with auto-generated title and content.
type Searchable struct {
	Disabled   bool
	TitleField string
	Content    func(record map[string]any) string
	Metadata   func(record map[string]any) map[string]any
}

// Collection declares a record type. Behavioural configuration (access rules,
// hooks) attaches at the engine layer; the schema layer only needs structure.
type Collection struct {
	Name       string
	Fields     *field.Fields
	Options    Options
	Indexes    []Index
	Searchable *Searchable

	// Upload marks the collection as a file container: uploads through the
	// storage endpoint create records here.
	Upload bool
}

// Global declares a singleton document. It compiles exactly like a collection;
// the engine addresses its single row by the global's name.
type Global struct {
	Name       string
	Fields     *field.Fields
	Options    Options
	Searchable *Searchable
}

// AsCollection views the global as a collection for compilation.
func (g *Global) AsCollection() *Collection {
	return &Collection{
		Name:       g.Name,
		Fields:     g.Fields,
		Options:    g.Options,
		Searchable: g.Searchable,
	}
}
