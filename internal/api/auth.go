package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/victornm/baseera/internal/errors"
)

const identityKey = "baseera.identity"

// Authenticator verifies HS256 bearer tokens; the subject is the identity.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// SignToken issues a token for subject. Used by tooling and tests.
func (a *Authenticator) SignToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return t.SignedString(a.secret)
}

func (a *Authenticator) parse(tok string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// WithIdentity attaches the identity of a valid bearer token. Requests
// without a token pass through as guests; a bad token is rejected.
func (a *Authenticator) WithIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			c.Next()
			return
		}

		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("malformed authorization header")))
			return
		}

		sub, err := a.parse(strings.TrimSpace(tok))
		if err != nil {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid token"), errors.WithCause(err)))
			return
		}

		c.Set(identityKey, sub)
		c.Next()
	}
}

// RequireIdentity rejects guests.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity(c) == "" {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("sign in required")))
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) string {
	return c.GetString(identityKey)
}
