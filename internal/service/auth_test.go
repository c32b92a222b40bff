package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/event"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func TestAuthService_Login_Success(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	now := f.clock.Now()

	res, err := f.svc.Login(context.Background(), LoginInput{
		Identifier: "  Rep@Acme.Test ",
		Secret:     testPassword,
	})
	require.NoError(t, err)

	assert.Equal(t, "rep@acme.test", res.User.Identifier)
	assert.Equal(t, domain.RoleSalesRep, res.User.Role)
	assert.Equal(t, now.Add(15*time.Minute).UnixMilli(), res.Pair.AccessTokenExpiry)
	assert.Equal(t, now.Add(7*24*time.Hour).UnixMilli(), res.Pair.RefreshTokenExpiry)

	access, err := f.jwt.ParseAccessToken(res.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute).Unix(), access.Expiry().Unix())

	refresh, err := f.jwt.VerifyRefreshToken(res.Pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, now.Add(7*24*time.Hour).Unix(), refresh.Expiry().Unix())

	assert.Equal(t, 1, f.sessions.Len())
}

func TestAuthService_Login_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		secret     string
		setup      func(f *authFixture)
		wantErr    error
	}{
		{
			name:       "wrong secret",
			identifier: "rep@acme.test",
			secret:     "wrong password",
			wantErr:    apperrors.ErrInvalidCredential,
		},
		{
			name:       "unknown account",
			identifier: "ghost@acme.test",
			secret:     testPassword,
			wantErr:    apperrors.ErrAccountNotFound,
		},
		{
			name:       "soft-deleted account",
			identifier: "rep@acme.test",
			secret:     testPassword,
			setup:      func(f *authFixture) { f.users.SoftDelete("rep@acme.test") },
			wantErr:    apperrors.ErrAccountNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t, AuthOptions{})
			if tt.setup != nil {
				tt.setup(f)
			}

			res, err := f.svc.Login(context.Background(), LoginInput{Identifier: tt.identifier, Secret: tt.secret})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, 401, apperrors.HTTPStatus(err))
			assert.Zero(t, f.sessions.Len())
		})
	}
}

func TestAuthService_Login_SingleSession(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{SingleSession: true})
	ctx := context.Background()

	first := f.login(t, "rep@acme.test").Pair
	f.login(t, "manager@acme.test")
	second := f.login(t, "rep@acme.test").Pair

	assert.Equal(t, 2, f.sessions.Len())

	_, err := f.tokens.Rotate(ctx, first.RefreshToken, domain.SessionMeta{})
	assert.True(t, errors.Is(err, apperrors.ErrTokenNotFound))

	_, err = f.tokens.Rotate(ctx, second.RefreshToken, domain.SessionMeta{})
	assert.NoError(t, err)
}

func TestAuthService_Login_MultipleSessionsByDefault(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})

	f.login(t, "rep@acme.test")
	f.login(t, "rep@acme.test")

	assert.Equal(t, 2, f.sessions.Len())
}

// ---------------------------------------------------------------------------
// Refresh / AutoRefresh
// ---------------------------------------------------------------------------

func TestAuthService_Refresh(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	pair := f.login(t, "rep@acme.test").Pair
	f.clock.Advance(time.Hour)

	rot, err := f.svc.Refresh(context.Background(), pair.RefreshToken, domain.SessionMeta{})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(testAccessTTL).UnixMilli(), rot.Pair.AccessTokenExpiry)

	_, err = f.svc.Refresh(context.Background(), pair.RefreshToken, domain.SessionMeta{})
	assert.True(t, errors.Is(err, apperrors.ErrTokenNotFound))
}

func TestAuthService_AutoRefresh_NotDue(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	pair := f.login(t, "rep@acme.test").Pair

	res, err := f.svc.AutoRefresh(context.Background(), pair.AccessToken, pair.RefreshToken, domain.SessionMeta{})
	require.NoError(t, err)
	assert.False(t, res.ShouldRefresh)
	assert.Nil(t, res.Rotation)
	assert.Equal(t, pair.AccessTokenExpiry, res.AccessTokenExpiry)

	rec, err := f.sessions.Get(context.Background(), pair.JTI)
	require.NoError(t, err)
	assert.NotNil(t, rec.LastUsedAt)

	// The refresh token was not consumed.
	_, err = f.tokens.Rotate(context.Background(), pair.RefreshToken, domain.SessionMeta{})
	assert.NoError(t, err)
}

func TestAuthService_AutoRefresh_Due(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	pair := f.login(t, "rep@acme.test").Pair
	f.clock.Advance(testAccessTTL - DefaultNearExpiryThreshold)

	res, err := f.svc.AutoRefresh(context.Background(), pair.AccessToken, pair.RefreshToken, domain.SessionMeta{})
	require.NoError(t, err)
	assert.True(t, res.ShouldRefresh)
	require.NotNil(t, res.Rotation)
	assert.Equal(t, res.Rotation.Pair.AccessTokenExpiry, res.AccessTokenExpiry)
	assert.Greater(t, res.AccessTokenExpiry, pair.AccessTokenExpiry)
	assert.Equal(t, pair.JTI, res.Rotation.PreviousJTI)
}

func TestAuthService_AutoRefresh_GarbageAccessTokenRotates(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	pair := f.login(t, "rep@acme.test").Pair

	res, err := f.svc.AutoRefresh(context.Background(), "garbage", pair.RefreshToken, domain.SessionMeta{})
	require.NoError(t, err)
	assert.True(t, res.ShouldRefresh)
}

func TestAuthService_AutoRefresh_DueWithRevokedRefresh(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	pair := f.login(t, "rep@acme.test").Pair
	require.NoError(t, f.tokens.Invalidate(context.Background(), pair.JTI))

	_, err := f.svc.AutoRefresh(context.Background(), "", pair.RefreshToken, domain.SessionMeta{})
	assert.True(t, errors.Is(err, apperrors.ErrTokenNotFound))
}

// ---------------------------------------------------------------------------
// Logout
// ---------------------------------------------------------------------------

func TestAuthService_Logout_Single(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	ctx := context.Background()
	a := f.login(t, "rep@acme.test").Pair
	b := f.login(t, "rep@acme.test").Pair

	require.NoError(t, f.svc.Logout(ctx, a.RefreshToken, false))
	assert.Equal(t, 1, f.sessions.Len())

	_, err := f.tokens.Rotate(ctx, a.RefreshToken, domain.SessionMeta{})
	assert.True(t, errors.Is(err, apperrors.ErrTokenNotFound))
	_, err = f.tokens.Rotate(ctx, b.RefreshToken, domain.SessionMeta{})
	assert.NoError(t, err)

	// Logging out twice is harmless.
	assert.NoError(t, f.svc.Logout(ctx, a.RefreshToken, false))
}

func TestAuthService_Logout_AllDevices(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	a := f.login(t, "rep@acme.test").Pair
	f.login(t, "rep@acme.test")
	f.login(t, "manager@acme.test")

	require.NoError(t, f.svc.Logout(context.Background(), a.RefreshToken, true))
	assert.Equal(t, 1, f.sessions.Len())
}

func TestAuthService_Logout_IgnoresBadTokens(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	f.login(t, "rep@acme.test")

	for _, tok := range []string{"", "garbage"} {
		assert.NoError(t, f.svc.Logout(context.Background(), tok, false))
	}
	assert.Equal(t, 1, f.sessions.Len())
}

func TestAuthService_Logout_AllDevicesNeedsLiveToken(t *testing.T) {
	ctx := context.Background()

	t.Run("rotated and expired", func(t *testing.T) {
		f := newAuthFixture(t, AuthOptions{})
		old := f.login(t, "rep@acme.test").Pair
		_, err := f.tokens.Rotate(ctx, old.RefreshToken, domain.SessionMeta{})
		require.NoError(t, err)

		f.clock.Advance(8 * 24 * time.Hour)
		fresh := f.login(t, "rep@acme.test").Pair

		require.NoError(t, f.svc.Logout(ctx, old.RefreshToken, true))
		_, err = f.tokens.Rotate(ctx, fresh.RefreshToken, domain.SessionMeta{})
		assert.NoError(t, err)
		assert.Empty(t, f.events.ofType(event.TypeSessionsRevoked))
	})

	t.Run("revoked", func(t *testing.T) {
		f := newAuthFixture(t, AuthOptions{})
		a := f.login(t, "rep@acme.test").Pair
		f.login(t, "rep@acme.test")

		require.NoError(t, f.svc.Logout(ctx, a.RefreshToken, false))
		require.NoError(t, f.svc.Logout(ctx, a.RefreshToken, true))
		assert.Equal(t, 1, f.sessions.Len())
	})

	t.Run("expired but not yet swept", func(t *testing.T) {
		f := newAuthFixture(t, AuthOptions{})
		a := f.login(t, "rep@acme.test").Pair
		f.clock.Advance(testRefreshTTL)
		f.login(t, "rep@acme.test")

		require.NoError(t, f.svc.Logout(ctx, a.RefreshToken, true))
		assert.Equal(t, 2, f.sessions.Len())
	})
}

func TestAuthService_Logout_EventsCarryTenant(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	ctx := context.Background()
	a := f.login(t, "rep@acme.test").Pair
	b := f.login(t, "rep@acme.test").Pair

	require.NoError(t, f.svc.Logout(ctx, a.RefreshToken, false))
	require.NoError(t, f.svc.Logout(ctx, b.RefreshToken, true))

	revoked := f.events.ofType(event.TypeSessionRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, "acme", revoked[0].TenantID)

	all := f.events.ofType(event.TypeSessionsRevoked)
	require.Len(t, all, 1)
	assert.Equal(t, "acme", all[0].TenantID)
}

// ---------------------------------------------------------------------------
// Me / Sessions / ChangePassword
// ---------------------------------------------------------------------------

func TestAuthService_Me(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	ctx := context.Background()
	id := domain.Identity{UserID: "rep@acme.test", TenantID: "acme"}

	u, err := f.svc.Me(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "manager@acme.test", u.ReportingTo)

	f.users.SoftDelete("rep@acme.test")
	_, err = f.svc.Me(ctx, id)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestAuthService_RevokeSession(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	ctx := context.Background()
	rep := f.login(t, "rep@acme.test").Pair
	mgr := f.login(t, "manager@acme.test").Pair
	id := domain.Identity{UserID: "rep@acme.test", TenantID: "acme"}

	err := f.svc.RevokeSession(ctx, id, mgr.JTI)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, f.svc.RevokeSession(ctx, id, rep.JTI))
	sessions, err := f.svc.Sessions(ctx, id, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAuthService_ChangePassword(t *testing.T) {
	f := newAuthFixture(t, AuthOptions{})
	ctx := context.Background()
	old := f.login(t, "rep@acme.test").Pair
	f.login(t, "rep@acme.test")
	id := domain.Identity{UserID: "rep@acme.test", TenantID: "acme"}

	res, err := f.svc.ChangePassword(ctx, id, ChangePasswordInput{
		CurrentSecret: testPassword,
		NewSecret:     "a brand new secret",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sessions.Len())

	_, err = f.tokens.Rotate(ctx, old.RefreshToken, domain.SessionMeta{})
	assert.True(t, errors.Is(err, apperrors.ErrTokenNotFound))
	_, err = f.tokens.Rotate(ctx, res.Pair.RefreshToken, domain.SessionMeta{})
	assert.NoError(t, err)

	_, err = f.svc.Login(ctx, LoginInput{Identifier: "rep@acme.test", Secret: testPassword})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidCredential))
	_, err = f.svc.Login(ctx, LoginInput{Identifier: "rep@acme.test", Secret: "a brand new secret"})
	assert.NoError(t, err)
}

func TestAuthService_ChangePassword_Rejections(t *testing.T) {
	id := domain.Identity{UserID: "rep@acme.test", TenantID: "acme"}

	tests := []struct {
		name    string
		input   ChangePasswordInput
		wantErr error
	}{
		{"same password", ChangePasswordInput{CurrentSecret: testPassword, NewSecret: testPassword}, apperrors.ErrInvalidInput},
		{"wrong current", ChangePasswordInput{CurrentSecret: "not it at all", NewSecret: "another secret"}, apperrors.ErrUnauthorized},
		{"too short", ChangePasswordInput{CurrentSecret: testPassword, NewSecret: "short"}, apperrors.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t, AuthOptions{})
			f.login(t, "rep@acme.test")

			_, err := f.svc.ChangePassword(context.Background(), id, tt.input)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, 1, f.sessions.Len())
		})
	}
}
