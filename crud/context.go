// Package crud implements the data-plane engine: typed CRUD over compiled
// collections with validation, locale handling, relation population, nested
// mutations, soft delete, versioning, workflow transitions, access rules and
// hooks.
package crud

import (
	"context"
)

// Operation identifies the CRUD operation being performed. Access rules and
// hooks receive it so one rule can serve several operations.
type Operation string

const (
	OpCreate     Operation = "create"
	OpRead       Operation = "read"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpRestore    Operation = "restore"
	OpRevert     Operation = "revert"
	OpTransition Operation = "transition"
)

// Session identifies the caller. A nil session is an anonymous request.
type Session struct {
	UserID string
	Email  string
	Roles  []string
}

// HasRole reports whether the session carries a role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AdminRole guards the administrative surfaces (reindex, migrations over
// HTTP).
const AdminRole = "admin"

type sessionKey struct{}
type localeKey struct{}

type localeOpts struct {
	locale   string
	fallback bool
}

// WithSession attaches the caller's session to the context.
func WithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFrom returns the caller's session, nil for anonymous requests.
func SessionFrom(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionKey{}).(*Session)
	return session
}

// WithLocale selects the content locale for the request and whether missing
// localised values fall back to the default locale.
func WithLocale(ctx context.Context, locale string, fallback bool) context.Context {
	return context.WithValue(ctx, localeKey{}, localeOpts{locale: locale, fallback: fallback})
}

// LocaleFrom returns the requested locale ("" when unset) and the fallback
// flag.
func LocaleFrom(ctx context.Context) (string, bool) {
	opts, ok := ctx.Value(localeKey{}).(localeOpts)
	if !ok {
		return "", false
	}
	return opts.locale, opts.fallback
}
