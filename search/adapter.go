// Package search provides the auto-indexing pipeline and the access-aware
// search surface over a pluggable full-text adapter.
package search

import (
	"context"

	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

// Document is one indexed unit: a record in one locale.
type Document struct {
	Collection string         `json:"collection"`
	RecordID   string         `json:"recordId"`
	Locale     string         `json:"locale"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Hit is one search match before record population.
type Hit struct {
	Collection string   `json:"collection"`
	RecordID   string   `json:"recordId"`
	Locale     string   `json:"locale"`
	Title      string   `json:"title"`
	Score      float64  `json:"score"`
	Highlights []string `json:"highlights,omitempty"`
}

// Query modes, selecting how the query text is parsed.
const (
	ModePlain     = "plain"
	ModePhrase    = "phrase"
	ModeWebsearch = "websearch"
)

// Filter scopes one collection's hits to rows satisfying a predicate
// against the collection's own tables. The service folds the read rule's
// row predicate and the caller's filter in here, so the adapter counts and
// pages over visible rows only.
type Filter struct {
	Schema *schema.Compiled
	Where  query.Where
}

// Query is the adapter-level search input. Collections is never empty: the
// service resolves access before the adapter runs.
type Query struct {
	Text        string
	Collections []string
	Locale      string

	// DefaultLocale feeds the localized-field fallback when compiling
	// filter predicates.
	DefaultLocale string

	Limit      int
	Offset     int
	Highlights bool

	// Filters holds the per-collection row predicate; a hit only counts
	// when its collection's entry matches.
	Filters map[string]Filter

	// Mode is one of the Mode constants; empty means ModePlain.
	Mode string

	// Facets lists metadata keys to aggregate match counts for.
	Facets []string
}

// Page is the adapter-level search output.
type Page struct {
	Hits  []Hit
	Total int

	// Facets maps each requested metadata key to its value counts.
	Facets map[string]map[string]int
}

// Adapter is the index backend contract.
type Adapter interface {
	// Index upserts one document, keyed on (collection, recordId, locale).
	Index(ctx context.Context, doc Document) error

	// Delete removes a record's documents; empty locale removes all.
	Delete(ctx context.Context, collection, recordID, locale string) error

	// DeleteCollection clears a collection's index, for reindexing.
	DeleteCollection(ctx context.Context, collection string) error

	// Search returns ranked hits, the total match count and facet counts,
	// all computed over rows passing the query's filters.
	Search(ctx context.Context, q Query) (*Page, error)

	// Migrations returns idempotent DDL run after user migrations.
	Migrations() []string
}
