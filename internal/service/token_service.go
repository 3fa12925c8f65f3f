package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// TokenType distinguishes the two capability kinds. ACCESS admits API and
// realtime traffic; REFRESH is accepted only by the rotation endpoint.
type TokenType string

const (
	TokenTypeAccess  TokenType = "ACCESS"
	TokenTypeRefresh TokenType = "REFRESH"
)

// Claims extends JWT registered claims with the platform role and token type.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType  `json:"token_type"`
	Role      model.Role `json:"role"`
}

// UserID parses the subject claim.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// TokenStore is the revocation set and refresh index backing rotation.
type TokenStore interface {
	RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error
	IsJTIRevoked(ctx context.Context, jti string) (bool, error)
	SetCurrentRefresh(ctx context.Context, userID uuid.UUID, jti string, ttl time.Duration) error
}

// TokenService issues and validates signed capabilities.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      TokenStore
	now        func() time.Time
}

// NewTokenService creates a TokenService from configuration.
func NewTokenService(cfg *config.Config, store TokenStore) *TokenService {
	return &TokenService{
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		store:      store,
		now:        time.Now,
	}
}

// IssuePair signs a fresh ACCESS+REFRESH pair and indexes the refresh jti.
func (s *TokenService) IssuePair(ctx context.Context, userID uuid.UUID, role model.Role) (*model.TokenPair, error) {
	access, _, err := s.sign(userID, role, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshJTI, err := s.sign(userID, role, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetCurrentRefresh(ctx, userID, refreshJTI, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("index refresh token: %w", err)
	}
	return &model.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// ValidateAccess admits a capability to API or realtime traffic. A REFRESH
// capability is rejected here regardless of validity.
func (s *TokenService) ValidateAccess(ctx context.Context, tokenStr string) (*Claims, error) {
	return s.validate(ctx, tokenStr, TokenTypeAccess)
}

// Rotate validates a refresh capability, revokes it for the remainder of its
// life and issues a fresh pair. The presented token is unusable afterwards.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	claims, err := s.validate(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnauthenticated, "TOKEN_INVALID", "malformed subject", err)
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if err := s.store.RevokeJTI(ctx, claims.ID, remaining); err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}

	return s.IssuePair(ctx, userID, claims.Role)
}

// RevokeClaims blacklists a capability until its natural expiry. Used by logout.
func (s *TokenService) RevokeClaims(ctx context.Context, claims *Claims) error {
	return s.store.RevokeJTI(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (s *TokenService) sign(userID uuid.UUID, role model.Role, tokenType TokenType, ttl time.Duration) (string, string, error) {
	now := s.now()
	jti := uuid.New().String()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: tokenType,
		Role:      role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return signed, jti, nil
}

func (s *TokenService) validate(ctx context.Context, tokenStr string, want TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperror.Wrap(apperror.KindUnauthenticated, "TOKEN_EXPIRED", "capability expired", err)
		}
		return nil, apperror.Wrap(apperror.KindUnauthenticated, "TOKEN_INVALID", "capability rejected", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperror.New(apperror.KindUnauthenticated, "TOKEN_INVALID", "invalid token claims")
	}
	if claims.TokenType != want {
		return nil, apperror.New(apperror.KindUnauthenticated, "TOKEN_WRONG_TYPE",
			fmt.Sprintf("expected %s capability", want))
	}

	revoked, err := s.store.IsJTIRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransient, "REVOCATION_CHECK_FAILED", "revocation set unavailable", err)
	}
	if revoked {
		return nil, apperror.New(apperror.KindUnauthenticated, "TOKEN_REVOKED", "capability revoked")
	}

	return claims, nil
}
