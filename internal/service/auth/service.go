package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/repository"
	"github.com/lilking2007/pi-platform/pkg/config"
	"github.com/lilking2007/pi-platform/pkg/crypto"
	jwtpkg "github.com/lilking2007/pi-platform/pkg/jwt"
)

// ErrInvalidCredentials is returned for a bad username/password pair without
// revealing which half was wrong.
var ErrInvalidCredentials = errors.New("incorrect username or password")

// Service handles account registration and bearer-token issuance.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.AdminConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.AdminConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Token is the payload returned by the token endpoint.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Signup registers a new user with the default role.
func (s Service) Signup(ctx context.Context, username, email, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, domain.ErrInvalidInput
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.TrimSpace(email),
		PasswordHash: hash,
		Role:         domain.RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Login authenticates a username/password pair and issues a bearer token.
func (s Service) Login(ctx context.Context, username, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	access, err := jwtpkg.GenerateToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, Token{AccessToken: access, TokenType: "bearer"}, nil
}

// User loads an account by its identifier.
func (s Service) User(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetUserByID(ctx, id)
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return user, nil
}
