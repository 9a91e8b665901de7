// Package auth identifies callers of the booking API. Service callers present
// the shared X-API-Key; doctor and admin portals present an HS256 bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	apiKeyHeader = "X-API-Key"
	bearerPrefix = "bearer "
)

const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RoleService = "service"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid or expired credentials")
)

// Claims is the portal token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	DoctorID string `json:"doctor_id,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	Subject  string
	Role     string
	DoctorID *uuid.UUID
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

type Verifier struct {
	secret []byte
	apiKey string
	parser *jwt.Parser
}

func NewVerifier(jwtSecret, apiKey string) *Verifier {
	return &Verifier{
		secret: []byte(jwtSecret),
		apiKey: apiKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate resolves the caller from request headers. The API key wins
// when both are present.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		if v.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(v.apiKey)) != 1 {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{Subject: "service", Role: RoleService}, nil
	}

	h := r.Header.Get("Authorization")
	if h == "" {
		return Principal{}, ErrMissingCredentials
	}
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return Principal{}, ErrInvalidCredentials
	}
	return v.VerifyToken(strings.TrimSpace(h[len(bearerPrefix):]))
}

func (v *Verifier) VerifyToken(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, ErrInvalidCredentials
	}

	var claims Claims
	token, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	p := Principal{Subject: claims.Subject, Role: claims.Role}
	switch claims.Role {
	case RoleAdmin:
	case RoleDoctor:
		id, err := uuid.Parse(claims.DoctorID)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: doctor token without a valid doctor_id", ErrInvalidCredentials)
		}
		p.DoctorID = &id
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidCredentials, claims.Role)
	}
	return p, nil
}

// Sign issues a portal token. Used by dev tooling and tests; production
// tokens come from the portals' identity provider.
func Sign(secret string, subject, role string, doctorID *uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	if doctorID != nil {
		claims.DoctorID = doctorID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
