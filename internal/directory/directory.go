// Package directory holds the static set of identities allowed to log in,
// together with their live presence flag.
package directory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/callrelay/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("directory: invalid credentials")
	ErrDuplicateIdentity  = errors.New("directory: duplicate identity")
	ErrInvalidIdentity    = errors.New("directory: invalid identity")
)

// Directory is the in-memory identity list. Identities are fixed for the
// lifetime of the process; only the Online flag changes.
type Directory struct {
	mu         sync.RWMutex
	order      []string
	byID       map[string]*models.Identity
	byUsername map[string]string
}

// New builds a directory from identities, keeping their order for snapshots.
func New(identities []models.Identity) (*Directory, error) {
	d := &Directory{
		order:      make([]string, 0, len(identities)),
		byID:       make(map[string]*models.Identity, len(identities)),
		byUsername: make(map[string]string, len(identities)),
	}
	for _, ident := range identities {
		if ident.ID == "" || ident.Username == "" {
			return nil, fmt.Errorf("%w: id and username are required", ErrInvalidIdentity)
		}
		if _, ok := d.byID[ident.ID]; ok {
			return nil, fmt.Errorf("%w: id %q", ErrDuplicateIdentity, ident.ID)
		}
		if _, ok := d.byUsername[ident.Username]; ok {
			return nil, fmt.Errorf("%w: username %q", ErrDuplicateIdentity, ident.Username)
		}
		ident.Online = false
		copied := ident
		d.byID[ident.ID] = &copied
		d.byUsername[ident.Username] = ident.ID
		d.order = append(d.order, ident.ID)
	}
	return d, nil
}

// Get returns a copy of the identity with the given id.
func (d *Directory) Get(id string) (models.Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ident, ok := d.byID[id]
	if !ok {
		return models.Identity{}, false
	}
	return *ident, true
}

// ByUsername returns a copy of the identity registered under username.
func (d *Directory) ByUsername(username string) (models.Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byUsername[username]
	if !ok {
		return models.Identity{}, false
	}
	return *d.byID[id], true
}

// SetOnline flips the presence flag. It returns false for unknown ids.
func (d *Directory) SetOnline(id string, online bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ident, ok := d.byID[id]
	if !ok {
		return false
	}
	ident.Online = online
	return true
}

// List returns copies of all identities in directory order.
func (d *Directory) List() []models.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Identity, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.byID[id])
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}
