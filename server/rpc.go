package server

import (
	"context"
	"sync"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
)

// RPCFunc is one callable function. Input has already passed schema
// validation when the function runs.
type RPCFunc func(ctx context.Context, input map[string]any) (any, error)

// RPCDefinition declares a named function with an optional input schema.
type RPCDefinition struct {
	Name    string
	Schema  *field.Fields
	Handler RPCFunc
}

// RPCRegistry holds the typed functions exposed under /rpc.
type RPCRegistry struct {
	mu  sync.RWMutex
	fns map[string]*RPCDefinition
}

func NewRPCRegistry() *RPCRegistry {
	return &RPCRegistry{fns: map[string]*RPCDefinition{}}
}

func (r *RPCRegistry) Register(def *RPCDefinition) error {
	if def == nil || def.Name == "" {
		return common.E(common.KindBadRequest, "rpc function name is required")
	}
	if def.Handler == nil {
		return common.E(common.KindBadRequest, "rpc function %q has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[def.Name]; exists {
		return common.E(common.KindConflict, "rpc function %q is already registered", def.Name)
	}
	r.fns[def.Name] = def
	return nil
}

// Call validates the input against the function's schema and invokes it.
func (r *RPCRegistry) Call(ctx context.Context, name string, input map[string]any) (any, error) {
	r.mu.RLock()
	def, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, common.NotFound("rpc function", name)
	}
	if def.Schema != nil {
		var fieldErrors []common.FieldError
		for _, fname := range def.Schema.Names() {
			fdef, _ := def.Schema.Get(fname)
			fieldErrors = append(fieldErrors, fdef.ValidateValue(fname, input[fname])...)
		}
		for key := range input {
			if _, known := def.Schema.Get(key); !known {
				fieldErrors = append(fieldErrors, common.FieldError{
					Field:   key,
					Rule:    "unknown",
					Message: "unknown field",
				})
			}
		}
		if len(fieldErrors) > 0 {
			return nil, common.ValidationFailed(fieldErrors)
		}
	}
	return def.Handler(ctx, input)
}
