package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mossy-p/callrelay/internal/directory"
	"github.com/mossy-p/callrelay/internal/models"
)

func newTestRegistry(t *testing.T) (*Registry, *directory.Directory) {
	t.Helper()
	identities, err := directory.Builtin(bcrypt.MinCost)
	require.NoError(t, err)
	dir, err := directory.New(identities)
	require.NoError(t, err)
	return New(dir), dir
}

func identity(t *testing.T, dir *directory.Directory, id string) models.Identity {
	t.Helper()
	ident, ok := dir.Get(id)
	require.True(t, ok, "identity %s", id)
	return ident
}

func TestRegisterFlipsOnline(t *testing.T) {
	reg, dir := newTestRegistry(t)

	sess, err := reg.Register("c1", identity(t, dir, "user1"))
	require.NoError(t, err)
	assert.Equal(t, "c1", sess.ConnectionID)
	assert.Equal(t, "user1", sess.IdentityID)
	assert.Equal(t, "John Doe", sess.DisplayName)
	assert.False(t, sess.ConnectedAt.IsZero())

	assert.True(t, identity(t, dir, "user1").Online)

	got, ok := reg.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, sess, got)

	got, ok = reg.FindByIdentity("user1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConnectionID)
}

func TestRegisterRejectsSecondLoginOnConnection(t *testing.T) {
	reg, dir := newTestRegistry(t)

	_, err := reg.Register("c1", identity(t, dir, "user1"))
	require.NoError(t, err)

	_, err = reg.Register("c1", identity(t, dir, "user2"))
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)

	got, _ := reg.Lookup("c1")
	assert.Equal(t, "user1", got.IdentityID)
	assert.False(t, identity(t, dir, "user2").Online)
}

func TestRegisterRejectsIdentityInUse(t *testing.T) {
	reg, dir := newTestRegistry(t)

	_, err := reg.Register("c1", identity(t, dir, "user1"))
	require.NoError(t, err)

	_, err = reg.Register("c2", identity(t, dir, "user1"))
	assert.ErrorIs(t, err, ErrIdentityInUse)

	_, ok := reg.Lookup("c2")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestRegisterUnknownIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Register("c1", models.Identity{ID: "ghost", Username: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.Zero(t, reg.Len())
}

func TestRemove(t *testing.T) {
	reg, dir := newTestRegistry(t)
	_, err := reg.Register("c1", identity(t, dir, "user1"))
	require.NoError(t, err)

	sess, ok := reg.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, "user1", sess.IdentityID)
	assert.False(t, identity(t, dir, "user1").Online)

	_, ok = reg.FindByIdentity("user1")
	assert.False(t, ok)

	_, ok = reg.Remove("c1")
	assert.False(t, ok, "second remove is a no-op")

	// identity can log in again after removal
	_, err = reg.Register("c2", identity(t, dir, "user1"))
	assert.NoError(t, err)
}

func TestSnapshotExcludesSelf(t *testing.T) {
	reg, dir := newTestRegistry(t)
	_, err := reg.Register("c2", identity(t, dir, "user2"))
	require.NoError(t, err)
	_, err = reg.Register("c1", identity(t, dir, "user1"))
	require.NoError(t, err)

	snap := reg.Snapshot("user1")
	require.Len(t, snap, 3)
	assert.Equal(t, models.PresenceEntry{ID: "user2", Name: "Jane Smith", Avatar: "👩‍💼", Online: true}, snap[0])
	assert.Equal(t, "user3", snap[1].ID)
	assert.False(t, snap[1].Online)
	for _, entry := range snap {
		assert.NotEqual(t, "user1", entry.ID)
	}
}

func TestSessions(t *testing.T) {
	reg, dir := newTestRegistry(t)
	assert.Empty(t, reg.Sessions())

	_, err := reg.Register("c1", identity(t, dir, "user1"))
	require.NoError(t, err)
	_, err = reg.Register("c2", identity(t, dir, "user2"))
	require.NoError(t, err)
	reg.Remove("c1")

	sessions := reg.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "c2", sessions[0].ConnectionID)
}

func TestConcurrentRegisterRemove(t *testing.T) {
	reg, dir := newTestRegistry(t)
	ids := []string{"user1", "user2", "user3", "user4"}
	idents := make([]models.Identity, len(ids))
	for i, id := range ids {
		idents[i] = identity(t, dir, id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			if _, err := reg.Register(connID, idents[i%len(idents)]); err == nil {
				reg.Remove(connID)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, reg.Len())
	for _, id := range ids {
		assert.False(t, identity(t, dir, id).Online, id)
	}
}
