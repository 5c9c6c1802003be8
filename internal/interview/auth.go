package interview

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/loqalabs/loqa-interview/internal/config"
)

// ErrUnauthenticated means the request carried no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator extracts the caller's user id from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// NewAuthenticator selects header or JWT verification from cfg.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "", "header":
		header := cfg.UserHeader
		if header == "" {
			header = "X-User-ID"
		}
		return HeaderAuthenticator{Header: header}, nil
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, errors.New("jwt secret is empty")
		}
		return &JWTAuthenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.JWTIssuer}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// HeaderAuthenticator trusts a header set by a fronting proxy. Development only.
type HeaderAuthenticator struct {
	Header string
}

func (h HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	user := strings.TrimSpace(r.Header.Get(h.Header))
	if user == "" {
		return "", ErrUnauthenticated
	}
	return user, nil
}

// JWTAuthenticator verifies HS256 bearer tokens and reads the subject.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("access_token")
}

// IssueToken signs a development token for userID.
func IssueToken(secret, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
