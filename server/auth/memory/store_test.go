package memory

import (
	"context"
	"testing"

	"github.com/cyp0633/caldora/server/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	s := New()
	require.NoError(t, s.AddUser("alice", "secret"))
	assert.Error(t, s.AddUser("alice", "other"))

	p, err := s.Authenticate(context.Background(), auth.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)

	_, err = s.Authenticate(context.Background(), auth.Credentials{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = s.Authenticate(context.Background(), auth.Credentials{Username: "bob", Password: "secret"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestValidateAccess(t *testing.T) {
	s := New()
	alice := &auth.Principal{ID: "alice"}
	ctx := context.Background()

	assert.NoError(t, s.ValidateAccess(ctx, alice, "/alice"))
	assert.NoError(t, s.ValidateAccess(ctx, alice, "/alice/work/e1.ics"))
	assert.ErrorIs(t, s.ValidateAccess(ctx, alice, "/bob/work"), auth.ErrForbidden)
	assert.ErrorIs(t, s.ValidateAccess(ctx, alice, "/"), auth.ErrForbidden)
	assert.ErrorIs(t, s.ValidateAccess(ctx, nil, "/alice"), auth.ErrUnauthorized)
}

func TestUsers(t *testing.T) {
	s := New()
	require.NoError(t, s.AddUser("bob", "b"))
	require.NoError(t, s.AddUser("alice", "a"))
	assert.Equal(t, []string{"alice", "bob"}, s.Users())
}

func TestPasswordsAreNotKeptInClear(t *testing.T) {
	s := New()
	require.NoError(t, s.AddUser("alice", "secret"))
	require.NoError(t, s.AddUser("bob", "secret"))

	a, b := s.accounts["alice"], s.accounts["bob"]
	assert.NotContains(t, string(a.digest), "secret")
	assert.NotEqual(t, a.salt, b.salt)
	assert.NotEqual(t, a.digest, b.digest, "equal passwords hash differently")
}

func TestSetPasswordAndRemoveUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AddUser("alice", "old"))
	require.NoError(t, s.Grant("alice", "/bob/shared", true))
	require.NoError(t, s.SetPassword("alice", "new"))

	_, err := s.Authenticate(ctx, auth.Credentials{Username: "alice", Password: "old"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, auth.Credentials{Username: "alice", Password: "new"})
	require.NoError(t, err)
	assert.NoError(t, s.ValidateAccess(ctx, &auth.Principal{ID: "alice"}, "/bob/shared"), "grants survive a password change")

	require.NoError(t, s.RemoveUser("alice"))
	_, err = s.Authenticate(ctx, auth.Credentials{Username: "alice", Password: "new"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Error(t, s.RemoveUser("alice"))
	assert.Error(t, s.SetPassword("alice", "x"))
	assert.Error(t, s.AddUser("", "x"))
}

func TestGrants(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AddUser("bob", "b"))
	bob := &auth.Principal{ID: "bob"}
	assert.Error(t, s.Grant("carol", "/alice", false))

	require.NoError(t, s.Grant("bob", "/alice/work/", true))
	assert.NoError(t, s.ValidateAccess(ctx, bob, "/alice/work"))
	assert.NoError(t, s.ValidateAccess(ctx, bob, "/alice/work/e1.ics"))
	assert.ErrorIs(t, s.ValidateAccess(ctx, bob, "/alice/home"), auth.ErrForbidden)
	assert.ErrorIs(t, s.ValidateAccess(ctx, bob, "/alice"), auth.ErrForbidden)
	assert.True(t, s.ReadOnly(bob, "/alice/work/e1.ics"))
	assert.False(t, s.ReadOnly(bob, "/bob/cal"))

	require.NoError(t, s.Grant("bob", "/alice", false))
	assert.False(t, s.ReadOnly(bob, "/alice/work/e1.ics"), "a writable grant wins over a narrower read-only one")

	s.Revoke("bob", "/alice")
	s.Revoke("bob", "/alice/work")
	assert.ErrorIs(t, s.ValidateAccess(ctx, bob, "/alice/work"), auth.ErrForbidden)
}
