package crud

import (
	"context"
)

// ChangeEvent is passed to before/afterChange hooks. Before hooks may mutate
// Data; the engine persists what they leave behind. Previous carries the
// stored record for updates and is nil on create.
type ChangeEvent struct {
	Collection string
	Operation  Operation
	Locale     string
	Data       map[string]any
	Previous   map[string]any
	// Record is the persisted result; only set for after hooks.
	Record map[string]any
}

// DeleteEvent is passed to before/afterDelete hooks.
type DeleteEvent struct {
	Collection string
	Record     map[string]any
	Soft       bool
}

// TransitionEvent is passed to before/afterTransition hooks. A before hook
// returning an error aborts the transition.
type TransitionEvent struct {
	Collection string
	RecordID   string
	FromStage  string
	ToStage    string
	Record     map[string]any
}

type (
	ChangeHook     func(ctx context.Context, e *ChangeEvent) error
	DeleteHook     func(ctx context.Context, e *DeleteEvent) error
	TransitionHook func(ctx context.Context, e *TransitionEvent) error
	// ValidateHook runs after schema validation with the normalised input.
	ValidateHook func(ctx context.Context, data map[string]any) error
)

// Hooks attach collection-level behaviour to CRUD operations. All slices run
// in registration order; any error aborts the transaction.
type Hooks struct {
	BeforeChange     []ChangeHook
	AfterChange      []ChangeHook
	BeforeDelete     []DeleteHook
	AfterDelete      []DeleteHook
	BeforeTransition []TransitionHook
	AfterTransition  []TransitionHook
	Validate         []ValidateHook
}

// ModuleHooks fire around every matching collection's operations, after the
// collection's own hooks. Include narrows the match to the listed
// collections; Exclude always wins over Include.
type ModuleHooks struct {
	Include []string
	Exclude []string

	BeforeChange []ChangeHook
	AfterChange  []ChangeHook
	BeforeDelete []DeleteHook
	AfterDelete  []DeleteHook
}

// Matches reports whether the module hooks apply to a collection.
func (m *ModuleHooks) Matches(collection string) bool {
	for _, name := range m.Exclude {
		if name == collection {
			return false
		}
	}
	if len(m.Include) == 0 {
		return true
	}
	for _, name := range m.Include {
		if name == collection {
			return true
		}
	}
	return false
}
