package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mossy-p/callrelay/internal/models"
)

func newBuiltinDirectory(t *testing.T) *Directory {
	t.Helper()
	identities, err := Builtin(bcrypt.MinCost)
	require.NoError(t, err)
	dir, err := New(identities)
	require.NoError(t, err)
	return dir
}

func TestNewRejectsDuplicates(t *testing.T) {
	tcases := map[string][]models.Identity{
		"duplicate_id": {
			{ID: "u1", Username: "a"},
			{ID: "u1", Username: "b"},
		},
		"duplicate_username": {
			{ID: "u1", Username: "a"},
			{ID: "u2", Username: "a"},
		},
	}
	for name, identities := range tcases {
		t.Run(name, func(t *testing.T) {
			_, err := New(identities)
			assert.ErrorIs(t, err, ErrDuplicateIdentity)
		})
	}
}

func TestNewRejectsMissingFields(t *testing.T) {
	_, err := New([]models.Identity{{ID: "u1"}})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestNewClearsOnlineFlag(t *testing.T) {
	dir, err := New([]models.Identity{{ID: "u1", Username: "a", Online: true}})
	require.NoError(t, err)
	ident, ok := dir.Get("u1")
	require.True(t, ok)
	assert.False(t, ident.Online)
}

func TestSetOnline(t *testing.T) {
	dir := newBuiltinDirectory(t)

	require.True(t, dir.SetOnline("user2", true))
	ident, ok := dir.Get("user2")
	require.True(t, ok)
	assert.True(t, ident.Online)

	require.True(t, dir.SetOnline("user2", false))
	ident, _ = dir.Get("user2")
	assert.False(t, ident.Online)

	assert.False(t, dir.SetOnline("ghost", true))
}

func TestListKeepsOrder(t *testing.T) {
	dir := newBuiltinDirectory(t)
	var ids []string
	for _, ident := range dir.List() {
		ids = append(ids, ident.ID)
	}
	assert.Equal(t, []string{"user1", "user2", "user3", "user4"}, ids)
	assert.Equal(t, 4, dir.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	dir := newBuiltinDirectory(t)
	ident, _ := dir.Get("user1")
	ident.DisplayName = "changed"
	again, _ := dir.Get("user1")
	assert.Equal(t, "John Doe", again.DisplayName)
}

func TestByUsername(t *testing.T) {
	dir := newBuiltinDirectory(t)
	ident, ok := dir.ByUsername("jane")
	require.True(t, ok)
	assert.Equal(t, "user2", ident.ID)

	_, ok = dir.ByUsername("ghost")
	assert.False(t, ok)
}
