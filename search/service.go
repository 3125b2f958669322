package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/jobs"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

// IndexJob is the internal job that flushes the debounced change set.
const IndexJob = "index-records"

const (
	debounceWindow = 100 * time.Millisecond
	defaultLimit   = 10
	maxLimit       = 100
)

// Service drives the indexing pipeline and the access-aware search surface.
// CRUD changes arrive through the crud.Indexer seam after commit; with a job
// registry they are debounced and indexed by a worker, without one they are
// indexed synchronously.
type Service struct {
	Engine  *crud.Engine
	Adapter Adapter

	// Jobs is optional; nil selects the synchronous fallback.
	Jobs *jobs.Registry

	// lifetime scopes the debounced flush; Close cancels it so no index
	// write outlives the service's database pool.
	lifetime context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	pending map[string]map[string]struct{}
	timer   *time.Timer
}

func NewService(engine *crud.Engine, adapter Adapter) *Service {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Service{
		Engine:   engine,
		Adapter:  adapter,
		lifetime: lifetime,
		cancel:   cancel,
		pending:  map[string]map[string]struct{}{},
	}
}

// Close stops the debounce timer and drops the pending change set.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = map[string]map[string]struct{}{}
}

// RegisterJob wires the indexing job into a registry and switches the
// pipeline to debounced async indexing.
func (s *Service) RegisterJob(registry *jobs.Registry) error {
	if err := registry.Register(&jobs.Definition{
		Name:    IndexJob,
		Handler: s.handleIndexJob,
		Options: jobs.Options{RetryLimit: 2, RetryDelay: time.Second},
	}); err != nil {
		return err
	}
	s.Jobs = registry
	return nil
}

// RecordChanged implements crud.Indexer.
func (s *Service) RecordChanged(ctx context.Context, collection, recordID string) {
	if !s.indexable(collection) {
		return
	}
	if s.Jobs == nil {
		s.indexRecord(ctx, collection, recordID)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[collection] == nil {
		s.pending[collection] = map[string]struct{}{}
	}
	s.pending[collection][recordID] = struct{}{}
	if s.timer == nil {
		s.timer = time.AfterFunc(debounceWindow, s.flush)
	}
}

// RecordDeleted implements crud.Indexer: all locales drop immediately.
func (s *Service) RecordDeleted(ctx context.Context, collection, recordID string) {
	if !s.indexable(collection) {
		return
	}
	s.mu.Lock()
	if set, ok := s.pending[collection]; ok {
		delete(set, recordID)
	}
	s.mu.Unlock()
	if err := s.Adapter.Delete(ctx, collection, recordID, ""); err != nil {
		s.log(collection).WithError(err).Error("search delete failed")
	}
}

// flush publishes the accumulated change set as one indexing job.
func (s *Service) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string]map[string]struct{}{}
	s.timer = nil
	s.mu.Unlock()

	var records []any
	for collection, ids := range pending {
		for id := range ids {
			records = append(records, map[string]any{"collection": collection, "id": id})
		}
	}
	if len(records) == 0 {
		return
	}
	ctx := s.lifetime
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Jobs.Publish(ctx, IndexJob, map[string]any{"records": records}); err != nil {
		common.Logger.WithError(err).Warn("index job publish failed, indexing synchronously")
		for _, entry := range records {
			rec := entry.(map[string]any)
			s.indexRecord(ctx, rec["collection"].(string), rec["id"].(string))
		}
	}
}

func (s *Service) handleIndexJob(ctx context.Context, payload map[string]any) error {
	records, _ := payload["records"].([]any)
	for _, entry := range records {
		rec, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		collection, _ := rec["collection"].(string)
		id, _ := rec["id"].(string)
		if collection != "" && id != "" {
			s.indexRecord(ctx, collection, id)
		}
	}
	return nil
}

// indexRecord indexes every configured locale of one record. Indexing errors
// are logged per collection, never propagated into the mutation path.
func (s *Service) indexRecord(ctx context.Context, collection, recordID string) {
	svc, err := s.Engine.Collection(collection)
	if err != nil {
		return
	}
	col, _ := s.Engine.Compiled(collection)

	locales := s.Engine.Locales
	if len(locales) == 0 {
		locales = []string{""}
	}
	for _, locale := range locales {
		lctx := crud.WithLocale(ctx, locale, true)
		record, err := svc.Lookup(lctx, recordID)
		if err != nil {
			if common.KindOf(err) == common.KindNotFound {
				// Gone (or soft-deleted) between commit and flush.
				if derr := s.Adapter.Delete(ctx, collection, recordID, ""); derr != nil {
					s.log(collection).WithError(derr).Error("search delete failed")
				}
				return
			}
			s.log(collection).WithError(err).Error("search index read failed")
			return
		}
		doc := buildDocument(col.Collection, collection, recordID, locale, record)
		if err := s.Adapter.Index(ctx, doc); err != nil {
			s.log(collection).WithError(err).Error("search index write failed")
		}
	}
}

// buildDocument derives the indexed title, content and metadata per the
// collection's searchable config.
func buildDocument(col *schema.Collection, collection, recordID, locale string, record crud.Record) Document {
	doc := Document{Collection: collection, RecordID: recordID, Locale: locale, Title: recordID}

	cfg := col.Searchable
	if cfg != nil && cfg.TitleField != "" {
		if title, ok := record[cfg.TitleField].(string); ok && title != "" {
			doc.Title = title
		}
	}
	if cfg != nil && cfg.Content != nil {
		doc.Content = cfg.Content(record)
	} else {
		doc.Content = generatedContent(col, record)
	}
	if cfg != nil && cfg.Metadata != nil {
		doc.Metadata = cfg.Metadata(record)
	}
	return doc
}

// generatedContent renders "k: v" pairs of the record's primitive fields.
func generatedContent(col *schema.Collection, record crud.Record) string {
	var parts []string
	for _, name := range col.Fields.Names() {
		def, _ := col.Fields.Get(name)
		if def.Kind == field.Relation || def.Kind == field.Upload {
			continue
		}
		value, ok := record[name]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				parts = append(parts, name+": "+v)
			}
		case float64, int, int64, bool:
			parts = append(parts, fmt.Sprintf("%s: %v", name, v))
		}
	}
	return strings.Join(parts, ", ")
}

func (s *Service) indexable(collection string) bool {
	col, ok := s.Engine.Compiled(collection)
	if !ok {
		return false
	}
	return col.Collection.Searchable == nil || !col.Collection.Searchable.Disabled
}

func (s *Service) log(collection string) *logrus.Entry {
	return common.Logger.WithField("collection", collection)
}

// Request is the search endpoint input. Filters narrow the hits per
// collection with the same predicate language reads use; they apply on top
// of the read rule's row predicate, never instead of it.
type Request struct {
	Query       string                 `json:"query"`
	Collections []string               `json:"collections,omitempty"`
	Locale      string                 `json:"locale,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
	Filters     map[string]query.Where `json:"filters,omitempty"`
	Highlights  bool                   `json:"highlights,omitempty"`
	Facets      []string               `json:"facets,omitempty"`
	Mode        string                 `json:"mode,omitempty"`
}

// Result is the populated search output. Docs carry a `_search` object with
// score, highlights and the indexed title.
type Result struct {
	Docs   []crud.Record             `json:"docs"`
	Total  int                       `json:"total"`
	Facets map[string]map[string]int `json:"facets,omitempty"`
}

// Search resolves access per collection, queries the adapter, re-fetches the
// hits through CRUD so hooks and row-level predicates apply, merges hit
// metadata and re-sorts by descending score.
func (s *Service) Search(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, common.E(common.KindBadRequest, "search query is required")
	}
	switch req.Mode {
	case "", ModePlain, ModePhrase, ModeWebsearch:
	default:
		return nil, common.E(common.KindBadRequest, "unknown search mode %q", req.Mode)
	}
	collections := req.Collections
	if len(collections) == 0 {
		collections = s.Engine.Collections()
	}
	sort.Strings(collections)

	// Collections whose read rule denies outright are dropped before the
	// adapter runs; conditional reads become per-collection row predicates
	// so the adapter counts and pages over visible rows only.
	var allowed []string
	filters := map[string]Filter{}
	for _, name := range collections {
		col, ok := s.Engine.Compiled(name)
		if !ok || !s.indexable(name) {
			continue
		}
		decision, err := col.Access.Resolve(ctx, crud.OpRead)
		if err != nil {
			return nil, err
		}
		if decision.Allow {
			allowed = append(allowed, name)
			filters[name] = Filter{Schema: col.Compiled, Where: mergeWhere(decision.Where, req.Filters[name])}
		}
	}
	result := &Result{Docs: []crud.Record{}}
	if len(allowed) == 0 {
		return result, nil
	}

	locale := req.Locale
	if locale == "" {
		locale = s.Engine.DefaultLocale
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	page, err := s.Adapter.Search(ctx, Query{
		Text:          req.Query,
		Collections:   allowed,
		Locale:        locale,
		DefaultLocale: s.Engine.DefaultLocale,
		Limit:         limit,
		Offset:        req.Offset,
		Highlights:    req.Highlights,
		Filters:       filters,
		Mode:          req.Mode,
		Facets:        req.Facets,
	})
	if err != nil {
		return nil, err
	}
	hits := page.Hits
	result.Total = page.Total
	result.Facets = page.Facets

	// Group ids per collection, fetch through CRUD, then reassemble in
	// hit order.
	byCollection := map[string][]any{}
	for _, hit := range hits {
		byCollection[hit.Collection] = append(byCollection[hit.Collection], hit.RecordID)
	}
	records := map[string]crud.Record{}
	lctx := crud.WithLocale(ctx, locale, true)
	for _, name := range sortedMapKeys(byCollection) {
		svc, err := s.Engine.Collection(name)
		if err != nil {
			continue
		}
		found, err := svc.Find(lctx, &crud.FindOptions{
			Where: query.Where{"id": map[string]any{"in": byCollection[name]}},
			Limit: len(byCollection[name]),
		})
		if err != nil {
			s.log(name).WithError(err).Error("search population failed")
			continue
		}
		for _, record := range found.Docs {
			if id, ok := record["id"].(string); ok {
				records[name+"/"+id] = record
			}
		}
	}

	for _, hit := range hits {
		record, ok := records[hit.Collection+"/"+hit.RecordID]
		if !ok {
			// Deleted (or hidden by a hook) between search and fetch.
			continue
		}
		record["_search"] = map[string]any{
			"score":        hit.Score,
			"highlights":   hit.Highlights,
			"indexedTitle": hit.Title,
			"collection":   hit.Collection,
		}
		result.Docs = append(result.Docs, record)
	}
	sort.SliceStable(result.Docs, func(i, j int) bool {
		return searchScore(result.Docs[i]) > searchScore(result.Docs[j])
	})
	return result, nil
}

// Reindex rebuilds one collection's index. Admin only.
func (s *Service) Reindex(ctx context.Context, collection string) (int, error) {
	session := crud.SessionFrom(ctx)
	if !session.HasRole(crud.AdminRole) {
		return 0, common.Forbidden("reindex", collection)
	}
	svc, err := s.Engine.Collection(collection)
	if err != nil {
		return 0, err
	}
	if !s.indexable(collection) {
		return 0, common.E(common.KindBadRequest, "collection %q is not searchable", collection)
	}
	if err := s.Adapter.DeleteCollection(ctx, collection); err != nil {
		return 0, err
	}

	count := 0
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		page, err := svc.Find(ctx, &crud.FindOptions{
			Limit:   pageSize,
			Offset:  offset,
			OrderBy: []query.Order{{Field: "id"}},
		})
		if err != nil {
			return count, err
		}
		for _, record := range page.Docs {
			if id, ok := record["id"].(string); ok {
				s.indexRecord(ctx, collection, id)
				count++
			}
		}
		if offset+pageSize >= page.Total {
			return count, nil
		}
	}
}

// mergeWhere conjoins two predicates, tolerating empty sides.
func mergeWhere(a, b query.Where) query.Where {
	switch {
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	return query.Where{"AND": []query.Where{a, b}}
}

func searchScore(record crud.Record) float64 {
	meta, _ := record["_search"].(map[string]any)
	score, _ := meta["score"].(float64)
	return score
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
