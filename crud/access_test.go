package crud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/query"
)

func TestAccessDefaultsToAllow(t *testing.T) {
	decision, err := Access{}.Resolve(context.Background(), OpRead)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Nil(t, decision.Where)
}

func TestAccessDeny(t *testing.T) {
	access := Access{Read: Deny()}
	decision, err := access.Resolve(context.Background(), OpRead)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestAccessRestrict(t *testing.T) {
	access := Access{Read: Restrict(query.Where{"published": true})}
	decision, err := access.Resolve(context.Background(), OpRead)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, query.Where{"published": true}, decision.Where)
}

func TestAccessTransitionFallsBackToUpdate(t *testing.T) {
	access := Access{Update: Deny()}
	decision, err := access.Resolve(context.Background(), OpTransition)
	require.NoError(t, err)
	assert.False(t, decision.Allow)

	access.Transition = Allow()
	decision, err = access.Resolve(context.Background(), OpTransition)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestRequireRole(t *testing.T) {
	access := Access{Delete: RequireRole(AdminRole)}

	ctx := context.Background()
	decision, err := access.Resolve(ctx, OpDelete)
	require.NoError(t, err)
	assert.False(t, decision.Allow, "anonymous sessions carry no roles")

	ctx = WithSession(ctx, &Session{UserID: "u1", Roles: []string{"editor"}})
	decision, err = access.Resolve(ctx, OpDelete)
	require.NoError(t, err)
	assert.False(t, decision.Allow)

	ctx = WithSession(context.Background(), &Session{UserID: "u1", Roles: []string{AdminRole}})
	decision, err = access.Resolve(ctx, OpDelete)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestOwned(t *testing.T) {
	rule := Owned("authorId")

	decision, err := rule(context.Background(), OpUpdate)
	require.NoError(t, err)
	assert.False(t, decision.Allow)

	ctx := WithSession(context.Background(), &Session{UserID: "u1"})
	decision, err = rule(ctx, OpUpdate)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, query.Where{"authorId": "u1"}, decision.Where)
}

func TestAccessDeterminism(t *testing.T) {
	ctx := WithSession(context.Background(), &Session{UserID: "u1"})
	rule := Owned("authorId")
	first, err := rule(ctx, OpRead)
	require.NoError(t, err)
	second, err := rule(ctx, OpRead)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestModuleHooksMatching(t *testing.T) {
	all := &ModuleHooks{}
	assert.True(t, all.Matches("posts"))

	included := &ModuleHooks{Include: []string{"posts"}}
	assert.True(t, included.Matches("posts"))
	assert.False(t, included.Matches("users"))

	excluded := &ModuleHooks{Exclude: []string{"posts"}}
	assert.False(t, excluded.Matches("posts"))
	assert.True(t, excluded.Matches("users"))

	both := &ModuleHooks{Include: []string{"posts"}, Exclude: []string{"posts"}}
	assert.False(t, both.Matches("posts"), "exclude wins")
}

func TestSessionContext(t *testing.T) {
	assert.Nil(t, SessionFrom(context.Background()))

	session := &Session{UserID: "u1", Roles: []string{"editor"}}
	ctx := WithSession(context.Background(), session)
	assert.Equal(t, session, SessionFrom(ctx))
	assert.True(t, session.HasRole("editor"))
	assert.False(t, session.HasRole(AdminRole))

	var anonymous *Session
	assert.False(t, anonymous.HasRole("editor"))
}

func TestLocaleContext(t *testing.T) {
	locale, fallback := LocaleFrom(context.Background())
	assert.Equal(t, "", locale)
	assert.False(t, fallback)

	ctx := WithLocale(context.Background(), "sk", true)
	locale, fallback = LocaleFrom(ctx)
	assert.Equal(t, "sk", locale)
	assert.True(t, fallback)
}
