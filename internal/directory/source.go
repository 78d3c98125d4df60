package directory

import (
	"fmt"
	"os"

	"github.com/mossy-p/callrelay/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// DemoPassword is shared by the builtin identities. Development only.
const DemoPassword = "password123"

var builtinIdentities = []models.Identity{
	{ID: "user1", Username: "john", DisplayName: "John Doe", Avatar: "👨‍💼"},
	{ID: "user2", Username: "jane", DisplayName: "Jane Smith", Avatar: "👩‍💼"},
	{ID: "user3", Username: "bob", DisplayName: "Bob Wilson", Avatar: "👨‍🔧"},
	{ID: "user4", Username: "alice", DisplayName: "Alice Johnson", Avatar: "👩‍🔬"},
}

// Builtin returns the demo identities with DemoPassword hashed at cost.
func Builtin(cost int) ([]models.Identity, error) {
	out := make([]models.Identity, len(builtinIdentities))
	for i, ident := range builtinIdentities {
		hash, err := HashPassword(DemoPassword, cost)
		if err != nil {
			return nil, err
		}
		ident.PasswordHash = hash
		out[i] = ident
	}
	return out, nil
}

// UsersFile is the YAML layout of a users file.
//
//	users:
//	  - id: user1
//	    username: john
//	    password_hash: $2a$10$...
//	    name: John Doe
//	    avatar: "👨‍💼"
type UsersFile struct {
	Users []models.Identity `yaml:"users"`
}

// LoadYAML reads identities from a users file.
func LoadYAML(path string) ([]models.Identity, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("directory: read users file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a users file and checks every entry carries a bcrypt hash.
func ParseYAML(data []byte) ([]models.Identity, error) {
	var f UsersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("directory: parse users file: %w", err)
	}
	if len(f.Users) == 0 {
		return nil, fmt.Errorf("%w: users file has no entries", ErrInvalidIdentity)
	}
	for _, u := range f.Users {
		if err := validateIdentity(u); err != nil {
			return nil, err
		}
	}
	return f.Users, nil
}

// ExportYAML renders identities in the users file layout.
func ExportYAML(identities []models.Identity) ([]byte, error) {
	return yaml.Marshal(&UsersFile{Users: identities})
}

func validateIdentity(u models.Identity) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("%w: id and username are required", ErrInvalidIdentity)
	}
	if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
		return fmt.Errorf("%w: %s: password_hash is not a bcrypt hash", ErrInvalidIdentity, u.Username)
	}
	return nil
}
