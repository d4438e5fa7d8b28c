package push

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no valid session token
var ErrUnauthenticated = errors.New("authentication required")

// Claims are the session token claims. The identity is Email when present,
// otherwise the subject.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 session tokens carried in a cookie or a
// bearer Authorization header
type Authenticator struct {
	secret     []byte
	cookieName string
}

// NewAuthenticator creates an authenticator for tokens signed with secret
func NewAuthenticator(secret, cookieName string) *Authenticator {
	return &Authenticator{secret: []byte(secret), cookieName: cookieName}
}

// Identity returns the normalised session identity of r
func (a *Authenticator) Identity(r *http.Request) (string, error) {
	token := a.tokenFromRequest(r)
	if token == "" {
		return "", ErrUnauthenticated
	}
	return a.ParseToken(token)
}

// ParseToken validates token and returns its identity
func (a *Authenticator) ParseToken(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return "", ErrUnauthenticated
	}

	identity := claims.Email
	if identity == "" {
		identity = claims.Subject
	}
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: token has no identity", ErrUnauthenticated)
	}
	return identity, nil
}

// IssueToken signs a session token for email valid for ttl
func (a *Authenticator) IssueToken(email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) tokenFromRequest(r *http.Request) string {
	if a.cookieName != "" {
		if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// NormalizeIdentity lower-cases and trims an email identity
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
