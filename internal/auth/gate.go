// gate.go - Bearer-token guard for protected routes.
//
// Every failure collapses to one Unauthorized error so callers cannot tell
// a bad signature from an expired or malformed token.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dcss-portal/internal/apperr"
	"dcss-portal/internal/token"
)

const principalContextKey = "auth_principal"

var ErrUnauthorized = apperr.New(apperr.Unauthorized, "unauthorized")

// TokenVerifier checks a raw token and returns its claims.
type TokenVerifier interface {
	Verify(tok string) (token.Claims, error)
}

// Principal is the authenticated caller. UserID scopes data access.
type Principal struct {
	UserID    string
	Email     string
	Name      string
	ExpiresAt time.Time
}

// Gate authenticates Authorization headers.
type Gate struct {
	tokens TokenVerifier
}

func NewGate(tokens TokenVerifier) *Gate {
	return &Gate{tokens: tokens}
}

// Authenticate parses "Bearer <token>" and verifies the token.
func (g *Gate) Authenticate(header string) (Principal, error) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return Principal{}, ErrUnauthorized
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Principal{}, ErrUnauthorized
	}

	claims, err := g.tokens.Verify(tok)
	if err != nil || claims.Subject == "" {
		return Principal{}, ErrUnauthorized
	}

	return Principal{
		UserID:    claims.Subject,
		Email:     claims.Get("email"),
		Name:      claims.Get("name"),
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// Principal in the gin context.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := g.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperr.Message(err)})
			return
		}
		c.Set(principalContextKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the Principal stored by Middleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
