// Package auth verifies the bearer tokens presented to the API. Tokens are
// issued by an external identity provider and signed with a shared HS256 secret.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cratefm/crate/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mitchellh/mapstructure"
)

const (
	identityContextKey = "identity"

	// Browsers cannot set headers on a websocket upgrade, so the socket
	// route also accepts the token as a query parameter.
	SocketTokenQueryParam = "access_token"
)

var (
	log = logger.Get("Auth")

	ErrMissingIdentity = errors.New("no identity found in request context")
)

type (
	// Identity is the caller described by a verified token.
	Identity struct {
		ID    string `mapstructure:"sub" json:"id"`
		Email string `mapstructure:"email" json:"email,omitempty"`
		Role  string `mapstructure:"role" json:"role,omitempty"`
	}

	Verifier struct {
		secret []byte
		parser *jwt.Parser
	}
)

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Middleware rejects requests which do not carry a valid bearer token. The
// identity of verified requests can be retrieved with IdentityFromContext.
func (verifier *Verifier) Middleware() echo.MiddlewareFunc {
	return verifier.middleware(false)
}

// SocketMiddleware behaves as Middleware, but falls back to the token in
// the SocketTokenQueryParam query parameter when no header is present.
func (verifier *Verifier) SocketMiddleware() echo.MiddlewareFunc {
	return verifier.middleware(true)
}

func (verifier *Verifier) middleware(allowQuery bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			if len(verifier.secret) == 0 {
				log.Emit(logger.ERROR, "Rejecting request to %s: no JWT secret is configured\n", ec.Path())
				return echo.NewHTTPError(http.StatusInternalServerError, "Server configuration error")
			}

			header := ec.Request().Header.Get(echo.HeaderAuthorization)
			token, found := strings.CutPrefix(header, "Bearer ")
			if header == "" && allowQuery {
				token = ec.QueryParam(SocketTokenQueryParam)
				found = true
			}
			if !found || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing or invalid authorization header")
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				log.Emit(logger.DEBUG, "Token verification failed: %v\n", err)
				if errors.Is(err, jwt.ErrTokenExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, "Token has expired")
				}

				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			ec.Set(identityContextKey, identity)
			return next(ec)
		}
	}
}

// Verify parses and validates the token provided, returning the identity held
// in its claims.
func (verifier *Verifier) Verify(token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, err := verifier.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return verifier.secret, nil
	}); err != nil {
		return nil, err
	}

	var identity Identity
	if err := mapstructure.Decode(map[string]interface{}(claims), &identity); err != nil {
		return nil, fmt.Errorf("failed to decode identity from claims: %w", err)
	}
	if identity.ID == "" {
		return nil, fmt.Errorf("%w: subject claim is missing", jwt.ErrTokenInvalidClaims)
	}

	return &identity, nil
}

func IdentityFromContext(ec echo.Context) (*Identity, error) {
	identity, ok := ec.Get(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, ErrMissingIdentity
	}

	return identity, nil
}
