// Package auth issues and checks the bearer tokens moderators use to reach
// the posts API.
//
// The token embeds the login password and every request re-verifies it
// against the stored digest. Callers should treat it as a short lived
// session credential only.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/metrics"
	"github.com/cyderes/media-ingestion-service/internal/models"
	"github.com/cyderes/media-ingestion-service/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInactiveUser       = errors.New("inactive user")
)

// TokenType is the OAuth2 token type returned to clients
const TokenType = "bearer"

// Claims is the claim set carried by an access token. Subject is the user's
// email.
type Claims struct {
	Password string `json:"password"`
	jwt.RegisteredClaims
}

// Token is an issued access token
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// UserStore is the subset of storage the auth service reads
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Hasher hashes and verifies passwords
type Hasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// BcryptHasher implements Hasher with bcrypt
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (h BcryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Service authenticates users and mints tokens
type Service struct {
	users  UserStore
	hasher Hasher
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates an auth service signing tokens with cfg.JWTSecret
func NewService(cfg config.AuthConfig, users UserStore, hasher Hasher) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but was empty")
	}
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Service{
		users:  users,
		hasher: hasher,
		secret: []byte(cfg.JWTSecret),
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}, nil
}

// Login checks username and password and mints an access token
func (s *Service) Login(ctx context.Context, username, password string) (*Token, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		metrics.AuthFailures.WithLabelValues("unknown_user").Inc()
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Verify(user.HashedPassword, password) {
		metrics.AuthFailures.WithLabelValues("bad_password").Inc()
		return nil, ErrInvalidCredentials
	}

	signed, err := s.sign(user.Email, password)
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: signed, TokenType: TokenType}, nil
}

func (s *Service) sign(email, password string) (string, error) {
	now := s.now()
	claims := &Claims{
		Password: password,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Authenticate resolves an active user by email and password
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.verify(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if user.Disabled {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// verify checks existence and password but not the disabled flag
func (s *Service) verify(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Verify(user.HashedPassword, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Decode verifies the signature and expiry of a token and returns its claims
func (s *Service) Decode(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CurrentUser is the per-request gate. It returns ErrUnauthorized for any
// token or credential problem and ErrInactiveUser for a disabled account.
func (s *Service) CurrentUser(ctx context.Context, tokenString string) (*models.User, error) {
	claims, err := s.Decode(tokenString)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		metrics.AuthFailures.WithLabelValues("missing_subject").Inc()
		return nil, ErrUnauthorized
	}

	user, err := s.verify(ctx, claims.Subject, claims.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			metrics.AuthFailures.WithLabelValues("stale_credentials").Inc()
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, err
	}
	if user.Disabled {
		metrics.AuthFailures.WithLabelValues("inactive_user").Inc()
		return nil, ErrInactiveUser
	}
	return user, nil
}
