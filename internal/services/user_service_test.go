package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/services"
)

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewUserService(src)

	name, bio := " Ann ", ""
	src.On("Write", ctx, models.KindUser, "U1", map[string]any{"uid": "U1", "displayName": "Ann", "bio": ""}).Return(nil).Once()
	src.On("Get", ctx, models.KindUser, "U1").Return(map[string]any{"displayName": "Ann"}, nil)

	p, err := svc.UpdateProfile(ctx, "U1", services.ProfileUpdate{DisplayName: &name, Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "U1", p.UID)
	assert.Equal(t, "Ann", p.DisplayName)

	blank := " "
	_, err = svc.UpdateProfile(ctx, "U1", services.ProfileUpdate{DisplayName: &blank})
	assert.ErrorIs(t, err, services.ErrInvalidInput)
	src.AssertExpectations(t)
}

func TestSetOnline(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewUserService(src)
	src.On("Write", ctx, models.KindUser, "U1", map[string]any{
		"uid": "U1", "isOnline": false, "lastSeen": imtypes.ServerTimestamp,
	}).Return(nil).Once()

	require.NoError(t, svc.SetOnline(ctx, "U1", false))
	src.AssertExpectations(t)
}

type MockBlacklist struct {
	mock.Mock
}

func (m *MockBlacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	return m.Called(ctx, jti, expiresAt).Error(0)
}

func (m *MockBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	args := m.Called(ctx, jti)
	return args.Bool(0), args.Error(1)
}

func TestIssueTokenAndLogout(t *testing.T) {
	ctx := context.Background()
	cfg := config.AuthConfig{JWTSecretKey: "secret", JWTExpiry: time.Hour, Issuer: "im-sync"}
	src := new(MockSource)
	bl := new(MockBlacklist)
	svc := services.NewAuthService(src, bl, cfg)

	src.On("Write", ctx, models.KindUser, "U1", map[string]any{"uid": "U1", "displayName": "Ann"}).Return(nil).Once()
	token, err := svc.IssueToken(ctx, auth.Identity{UID: "U1", DisplayName: "Ann"})
	require.NoError(t, err)

	bl.On("IsBlacklisted", ctx, mock.Anything).Return(false, nil)
	claims, err := auth.ValidateToken(ctx, token, cfg, bl)
	require.NoError(t, err)
	assert.Equal(t, "Ann", claims.DisplayName)

	bl.On("Add", ctx, claims.ID, claims.ExpiresAt.Time).Return(nil).Once()
	require.NoError(t, svc.Logout(ctx, claims))

	noRevoke := services.NewAuthService(src, nil, cfg)
	assert.ErrorIs(t, noRevoke.Logout(ctx, claims), services.ErrRevocationUnavailable)

	_, err = svc.IssueToken(ctx, auth.Identity{})
	assert.Error(t, err)
	src.AssertExpectations(t)
	bl.AssertExpectations(t)
}
