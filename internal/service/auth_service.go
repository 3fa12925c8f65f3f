package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles credential checks and the login/refresh/logout surface.
type AuthService struct {
	users  *repository.UserRepository
	tokens *TokenService
	cost   int
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, users *repository.UserRepository, tokens *TokenService) *AuthService {
	return &AuthService{users: users, tokens: tokens, cost: cfg.BcryptCost}
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	return string(hash), err
}

// Login checks credentials and issues a token pair.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.LoginResponse, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindUnauthenticated, "INVALID_CREDENTIALS", "email or password incorrect")
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperror.New(apperror.KindUnauthenticated, "INVALID_CREDENTIALS", "email or password incorrect")
	}

	pair, err := s.tokens.IssuePair(ctx, user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	return &model.LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         *user,
	}, nil
}

// Refresh rotates a refresh capability into a fresh pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	return s.tokens.Rotate(ctx, refreshToken)
}

// Logout revokes the presented access capability.
func (s *AuthService) Logout(ctx context.Context, claims *Claims) error {
	return s.tokens.RevokeClaims(ctx, claims)
}
