package directory

import (
	"fmt"

	"github.com/mossy-p/callrelay/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks login material and returns the matching identity.
type CredentialVerifier interface {
	VerifyCredential(username, credential string) (models.Identity, error)
}

// BcryptVerifier verifies passwords against the bcrypt hashes held by a Directory.
type BcryptVerifier struct {
	dir *Directory
	// compared against for unknown usernames so both paths cost one bcrypt round
	dummy []byte
}

func NewBcryptVerifier(dir *Directory) *BcryptVerifier {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("callrelay-unknown-user"), bcrypt.DefaultCost)
	return &BcryptVerifier{dir: dir, dummy: dummy}
}

// VerifyCredential returns ErrInvalidCredentials on any mismatch, never
// revealing whether the username exists.
func (v *BcryptVerifier) VerifyCredential(username, credential string) (models.Identity, error) {
	ident, ok := v.dir.ByUsername(username)
	hash := v.dummy
	if ok {
		hash = []byte(ident.PasswordHash)
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(credential))
	if !ok || err != nil {
		return models.Identity{}, ErrInvalidCredentials
	}
	return ident, nil
}

// HashPassword produces a bcrypt hash suitable for the users file.
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("directory: hash password: %w", err)
	}
	return string(hash), nil
}

var _ CredentialVerifier = (*BcryptVerifier)(nil)
