package crud

import (
	"context"

	"github.com/stratacms/strata/query"
)

// Decision is the outcome of an access rule: denied, unrestricted, or
// restricted to rows matching Where.
type Decision struct {
	Allow bool
	Where query.Where
}

// Rule evaluates access for one operation. A nil Rule allows everything.
// Rules returning a Where restrict reads by ANDing the predicate into the
// query; writes verify the mutated row matches the predicate.
type Rule func(ctx context.Context, op Operation) (Decision, error)

// Allow grants unrestricted access.
func Allow() Rule {
	return func(context.Context, Operation) (Decision, error) {
		return Decision{Allow: true}, nil
	}
}

// Deny refuses every request.
func Deny() Rule {
	return func(context.Context, Operation) (Decision, error) {
		return Decision{}, nil
	}
}

// Restrict allows access to rows matching the predicate.
func Restrict(where query.Where) Rule {
	return func(context.Context, Operation) (Decision, error) {
		return Decision{Allow: true, Where: where}, nil
	}
}

// RequireRole allows sessions carrying any of the given roles.
func RequireRole(roles ...string) Rule {
	return func(ctx context.Context, _ Operation) (Decision, error) {
		session := SessionFrom(ctx)
		for _, role := range roles {
			if session.HasRole(role) {
				return Decision{Allow: true}, nil
			}
		}
		return Decision{}, nil
	}
}

// Authenticated allows any non-anonymous session.
func Authenticated() Rule {
	return func(ctx context.Context, _ Operation) (Decision, error) {
		return Decision{Allow: SessionFrom(ctx) != nil}, nil
	}
}

// Owned restricts rows to those whose field equals the session's user id.
// Anonymous sessions are denied.
func Owned(fieldName string) Rule {
	return func(ctx context.Context, _ Operation) (Decision, error) {
		session := SessionFrom(ctx)
		if session == nil || session.UserID == "" {
			return Decision{}, nil
		}
		return Decision{Allow: true, Where: query.Where{fieldName: session.UserID}}, nil
	}
}

// Access bundles the per-operation rules of a collection. Nil rules allow.
// Transition falls back to Update when unset.
type Access struct {
	Create     Rule
	Read       Rule
	Update     Rule
	Delete     Rule
	Transition Rule
}

func (a Access) rule(op Operation) Rule {
	switch op {
	case OpCreate:
		return a.Create
	case OpRead:
		return a.Read
	case OpUpdate, OpRestore, OpRevert:
		return a.Update
	case OpDelete:
		return a.Delete
	case OpTransition:
		if a.Transition != nil {
			return a.Transition
		}
		return a.Update
	}
	return nil
}

// Resolve evaluates the rule for an operation. Missing rules allow
// unrestricted access.
func (a Access) Resolve(ctx context.Context, op Operation) (Decision, error) {
	rule := a.rule(op)
	if rule == nil {
		return Decision{Allow: true}, nil
	}
	return rule(ctx, op)
}
