package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
)

type memoryTokenStore struct {
	mu      sync.Mutex
	revoked map[string]bool
	refresh map[uuid.UUID]string
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{
		revoked: make(map[string]bool),
		refresh: make(map[uuid.UUID]string),
	}
}

func (m *memoryTokenStore) RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		m.revoked[jti] = true
	}
	return nil
}

func (m *memoryTokenStore) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memoryTokenStore) SetCurrentRefresh(ctx context.Context, userID uuid.UUID, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[userID] = jti
	return nil
}

func newTestTokenService() (*TokenService, *memoryTokenStore) {
	cfg := config.Load()
	store := newMemoryTokenStore()
	return NewTokenService(cfg, store), store
}

func TestIssueAndValidateAccess(t *testing.T) {
	svc, _ := newTestTokenService()
	userID := uuid.New()

	pair, err := svc.IssuePair(context.Background(), userID, model.RoleStudent)
	require.NoError(t, err)

	claims, err := svc.ValidateAccess(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
	assert.Equal(t, model.RoleStudent, claims.Role)

	parsed, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, userID, parsed)
}

func TestRefreshTokenRejectedOnAccessPaths(t *testing.T) {
	svc, _ := newTestTokenService()

	pair, err := svc.IssuePair(context.Background(), uuid.New(), model.RoleProctor)
	require.NoError(t, err)

	_, err = svc.ValidateAccess(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, apperror.KindUnauthenticated, apperror.KindOf(err))
}

func TestRotationRevokesOldRefresh(t *testing.T) {
	svc, _ := newTestTokenService()
	userID := uuid.New()

	first, err := svc.IssuePair(context.Background(), userID, model.RoleStudent)
	require.NoError(t, err)

	second, err := svc.Rotate(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The new access capability is admitted.
	_, err = svc.ValidateAccess(context.Background(), second.AccessToken)
	require.NoError(t, err)

	// Replaying the consumed refresh capability fails everywhere.
	_, err = svc.Rotate(context.Background(), first.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, "TOKEN_REVOKED", apperror.CodeOf(err))
}

func TestExpiredTokenRejected(t *testing.T) {
	svc, _ := newTestTokenService()

	issued := time.Now().Add(-3 * time.Hour)
	svc.now = func() time.Time { return issued }
	pair, err := svc.IssuePair(context.Background(), uuid.New(), model.RoleStudent)
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateAccess(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, "TOKEN_EXPIRED", apperror.CodeOf(err))
}

func TestLogoutRevokesAccess(t *testing.T) {
	svc, _ := newTestTokenService()

	pair, err := svc.IssuePair(context.Background(), uuid.New(), model.RoleAdmin)
	require.NoError(t, err)

	claims, err := svc.ValidateAccess(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeClaims(context.Background(), claims))

	_, err = svc.ValidateAccess(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, "TOKEN_REVOKED", apperror.CodeOf(err))
}
