// Package registry maps live connections to the identities authenticated on them.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/callrelay/internal/directory"
	"github.com/mossy-p/callrelay/internal/models"
)

var (
	ErrAlreadyAuthenticated = errors.New("registry: connection already authenticated")
	ErrIdentityInUse        = errors.New("registry: identity already online on another connection")
	ErrUnknownIdentity      = errors.New("registry: identity not in directory")
)

// Registry is the source of truth for who is online and on which connection.
// Register and Remove flip the directory presence flag while holding the
// registry lock, so the two never disagree for a reader of either.
type Registry struct {
	mu         sync.RWMutex
	dir        *directory.Directory
	byConn     map[string]models.PeerSession
	byIdentity map[string]string
	now        func() time.Time
}

func New(dir *directory.Directory) *Registry {
	return &Registry{
		dir:        dir,
		byConn:     make(map[string]models.PeerSession),
		byIdentity: make(map[string]string),
		now:        time.Now,
	}
}

// Register creates the session for connID. The registry is left untouched on error.
func (r *Registry) Register(connID string, ident models.Identity) (models.PeerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connID]; ok {
		return models.PeerSession{}, ErrAlreadyAuthenticated
	}
	if _, ok := r.byIdentity[ident.ID]; ok {
		return models.PeerSession{}, ErrIdentityInUse
	}
	if !r.dir.SetOnline(ident.ID, true) {
		return models.PeerSession{}, ErrUnknownIdentity
	}

	sess := models.PeerSession{
		ConnectionID: connID,
		IdentityID:   ident.ID,
		DisplayName:  ident.DisplayName,
		Avatar:       ident.Avatar,
		ConnectedAt:  r.now(),
	}
	r.byConn[connID] = sess
	r.byIdentity[ident.ID] = connID
	return sess, nil
}

func (r *Registry) Lookup(connID string) (models.PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byConn[connID]
	return sess, ok
}

// FindByIdentity resolves an identity to its live session.
func (r *Registry) FindByIdentity(identityID string) (models.PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byIdentity[identityID]
	if !ok {
		return models.PeerSession{}, false
	}
	return r.byConn[connID], true
}

// Remove evicts the session for connID and marks its identity offline.
func (r *Registry) Remove(connID string) (models.PeerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byConn[connID]
	if !ok {
		return models.PeerSession{}, false
	}
	delete(r.byConn, connID)
	delete(r.byIdentity, sess.IdentityID)
	r.dir.SetOnline(sess.IdentityID, false)
	return sess, true
}

// Sessions returns every live session.
func (r *Registry) Sessions() []models.PeerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PeerSession, 0, len(r.byConn))
	for _, sess := range r.byConn {
		out = append(out, sess)
	}
	return out
}

// Snapshot lists every directory identity except excludingID, in directory order.
func (r *Registry) Snapshot(excludingID string) []models.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := r.dir.List()
	out := make([]models.PresenceEntry, 0, len(identities))
	for _, ident := range identities {
		if ident.ID == excludingID {
			continue
		}
		out = append(out, models.PresenceEntry{
			ID:     ident.ID,
			Name:   ident.DisplayName,
			Avatar: ident.Avatar,
			Online: ident.Online,
		})
	}
	return out
}

// Len returns the number of authenticated connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
