// Package auth authenticates bridge administrators.
//
// Two credentials are accepted: a bcrypt-checked admin password exchanged
// for a locally signed HS256 token, and tokens issued by an external
// identity provider verified against its JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentarena/arena/bridge/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAdminDisabled      = errors.New("admin login is not configured")
)

const issuer = "arena-bridge"

// Claims are the claims of a locally issued admin token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is an authenticated admin.
type Identity struct {
	Subject string `json:"subject"`
	Method  string `json:"method"` // "password" or "jwks"
}

// Service issues and validates admin tokens.
type Service struct {
	secret       []byte
	expiry       time.Duration
	passwordHash []byte
	jwks         *JWKSProvider
}

// NewService builds a Service from config. When a JWKS URL is configured
// the key set is fetched immediately.
func NewService(cfg config.AuthConfig) (*Service, error) {
	s := &Service{
		secret:       []byte(cfg.JWTSecret),
		expiry:       cfg.JWTExpiry.Duration,
		passwordHash: []byte(cfg.AdminPasswordHash),
	}
	if s.expiry == 0 {
		s.expiry = 12 * time.Hour
	}
	if cfg.JWKSURL != "" {
		p, err := NewJWKSProvider(cfg.JWKSURL, cfg.JWKSIssuer)
		if err != nil {
			return nil, err
		}
		s.jwks = p
	}
	return s, nil
}

// Enabled reports whether any admin credential can succeed.
func (s *Service) Enabled() bool {
	return len(s.passwordHash) > 0 || s.jwks != nil
}

// HashPassword returns a bcrypt hash suitable for auth.admin_password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks the admin password and returns a signed token.
func (s *Service) Login(password string) (string, error) {
	if len(s.passwordHash) == 0 {
		return "", ErrAdminDisabled
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken("admin", 0)
}

// IssueToken signs an admin token for subject. A zero ttl uses the
// configured expiry.
func (s *Service) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("auth.jwt_secret is not set")
	}
	if ttl <= 0 {
		ttl = s.expiry
	}
	now := time.Now()
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken accepts a locally issued token or, when configured, one
// verified against the external JWKS.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if len(s.secret) > 0 {
		if id, err := s.validateLocal(tokenStr); err == nil {
			return id, nil
		}
	}
	if s.jwks != nil {
		return s.jwks.ValidateToken(ctx, tokenStr)
	}
	return nil, ErrUnauthorized
}

func (s *Service) validateLocal(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != "admin" {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Method: "password"}, nil
}
