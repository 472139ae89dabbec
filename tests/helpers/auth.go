package helpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/require"
)

// TestJwtSecret is the secret tests should configure the API with when
// using SignToken.
const TestJwtSecret = "crate-test-secret-which-is-long-enough"

// SignToken returns a bearer token for a random subject, signed with
// TestJwtSecret and valid for an hour.
func SignToken(t *testing.T) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   random.String(12, random.Alphanumeric),
		"email": "test@crate.local",
		"role":  "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	signed, err := token.SignedString([]byte(TestJwtSecret))
	require.NoError(t, err)

	return signed
}
