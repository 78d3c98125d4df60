package models

import "time"

// Identity is a known user in the directory
type Identity struct {
	ID           string `json:"id" yaml:"id"`
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"-" yaml:"password_hash"`
	DisplayName  string `json:"name" yaml:"name"`
	Avatar       string `json:"avatar" yaml:"avatar"`
	Online       bool   `json:"online" yaml:"-"`
}

// PeerSession binds an authenticated identity to a live connection.
// Presentation fields are copied from the identity at login time.
type PeerSession struct {
	ConnectionID string
	IdentityID   string
	DisplayName  string
	Avatar       string
	ConnectedAt  time.Time
}

// PresenceEntry is one row of the presence snapshot sent at login
type PresenceEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Online bool   `json:"online"`
}
