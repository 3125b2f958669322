package crud

import (
	"context"
	"time"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/db"
	"github.com/stratacms/strata/schema"
)

// Collection couples a compiled schema with its behavioural configuration.
type Collection struct {
	*schema.Compiled
	Access Access
	Hooks  Hooks
}

// Indexer receives change notifications for search indexing. The engine
// calls it after commit; implementations debounce and index asynchronously.
type Indexer interface {
	RecordChanged(ctx context.Context, collection, recordID string)
	RecordDeleted(ctx context.Context, collection, recordID string)
}

// Scheduler defers workflow transitions to a queue. The engine fails with
// SchedulingUnavailable when a future transition is requested without one.
type Scheduler interface {
	ScheduleTransition(ctx context.Context, collection, recordID, stage string, at time.Time) error
}

// Engine owns the compiled collections, the database handle, and the seams
// to search and jobs. One engine serves one CMS instance; tests build a
// fresh engine each.
type Engine struct {
	DB *db.DB

	// Locales is the content locale set; the first entry is the default
	// unless DefaultLocale overrides it.
	Locales       []string
	DefaultLocale string

	// Indexer and Scheduler are optional.
	Indexer   Indexer
	Scheduler Scheduler

	collections map[string]*Collection
	globals     map[string]*Collection
	moduleHooks []*ModuleHooks
}

// NewEngine creates an empty engine over a database handle.
func NewEngine(database *db.DB, locales []string) *Engine {
	e := &Engine{
		DB:          database,
		Locales:     locales,
		collections: map[string]*Collection{},
		globals:     map[string]*Collection{},
	}
	if len(locales) > 0 {
		e.DefaultLocale = locales[0]
	}
	return e
}

// AddCollection compiles and registers a collection.
func (e *Engine) AddCollection(col *schema.Collection, access Access, hooks Hooks) (*Collection, error) {
	if _, exists := e.collections[col.Name]; exists {
		return nil, common.E(common.KindSchemaCollision, "collection %q is already registered", col.Name)
	}
	compiled, err := schema.Compile(col)
	if err != nil {
		return nil, err
	}
	c := &Collection{Compiled: compiled, Access: access, Hooks: hooks}
	e.collections[col.Name] = c
	return c, nil
}

// AddGlobal compiles and registers a singleton document.
func (e *Engine) AddGlobal(g *schema.Global, access Access, hooks Hooks) (*Collection, error) {
	if _, exists := e.globals[g.Name]; exists {
		return nil, common.E(common.KindSchemaCollision, "global %q is already registered", g.Name)
	}
	compiled, err := schema.Compile(g.AsCollection())
	if err != nil {
		return nil, err
	}
	c := &Collection{Compiled: compiled, Access: access, Hooks: hooks}
	e.globals[g.Name] = c
	return c, nil
}

// AddModuleHooks registers collections-wide hooks; they fire after each
// collection's own hooks, in registration order.
func (e *Engine) AddModuleHooks(hooks *ModuleHooks) {
	e.moduleHooks = append(e.moduleHooks, hooks)
}

// Collection returns the service for a registered collection.
func (e *Engine) Collection(name string) (*Service, error) {
	c, ok := e.collections[name]
	if !ok {
		return nil, common.NotFound("collection", name)
	}
	return &Service{engine: e, col: c, resourceType: "collection"}, nil
}

// Global returns the service for a registered global.
func (e *Engine) Global(name string) (*GlobalService, error) {
	c, ok := e.globals[name]
	if !ok {
		return nil, common.NotFound("global", name)
	}
	return &GlobalService{svc: &Service{engine: e, col: c, resourceType: "global"}}, nil
}

// Collections lists the registered collection names in map order; callers
// sort when they need determinism.
func (e *Engine) Collections() []string {
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

// Globals lists the registered global names.
func (e *Engine) Globals() []string {
	names := make([]string, 0, len(e.globals))
	for name := range e.globals {
		names = append(names, name)
	}
	return names
}

// Compiled exposes a registered collection's schema, for search and
// migrations.
func (e *Engine) Compiled(name string) (*Collection, bool) {
	if c, ok := e.collections[name]; ok {
		return c, true
	}
	c, ok := e.globals[name]
	return c, ok
}

// AllCompiled returns every registered collection and global.
func (e *Engine) AllCompiled() []*Collection {
	out := make([]*Collection, 0, len(e.collections)+len(e.globals))
	for _, c := range e.collections {
		out = append(out, c)
	}
	for _, c := range e.globals {
		out = append(out, c)
	}
	return out
}

// locale resolves the effective locale and fallback flag for a request.
func (e *Engine) locale(ctx context.Context) (current string, fallback bool) {
	current, fallback = LocaleFrom(ctx)
	if current == "" {
		current = e.DefaultLocale
	}
	return current, fallback
}

func (e *Engine) indexChanged(ctx context.Context, collection, recordID string) {
	if e.Indexer == nil {
		return
	}
	e.DB.OnAfterCommit(ctx, func(runCtx context.Context) error {
		e.Indexer.RecordChanged(runCtx, collection, recordID)
		return nil
	})
}

func (e *Engine) indexDeleted(ctx context.Context, collection, recordID string) {
	if e.Indexer == nil {
		return
	}
	e.DB.OnAfterCommit(ctx, func(runCtx context.Context) error {
		e.Indexer.RecordDeleted(runCtx, collection, recordID)
		return nil
	})
}
