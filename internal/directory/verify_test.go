package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestVerifyCredential(t *testing.T) {
	v := NewBcryptVerifier(newBuiltinDirectory(t))

	tcases := map[string]struct {
		username   string
		credential string
		wantID     string
		wantErr    error
	}{
		"match":          {username: "john", credential: DemoPassword, wantID: "user1"},
		"wrong_password": {username: "john", credential: "nope", wantErr: ErrInvalidCredentials},
		"unknown_user":   {username: "ghost", credential: DemoPassword, wantErr: ErrInvalidCredentials},
		"empty":          {wantErr: ErrInvalidCredentials},
		"case_sensitive": {username: "John", credential: DemoPassword, wantErr: ErrInvalidCredentials},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			ident, err := v.VerifyCredential(tc.username, tc.credential)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, ident.ID)
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}
