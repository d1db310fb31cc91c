package federation_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
	"go.pilab.hu/oauthlink/internal/federation"
)

func connected(provider, externalID, refresh string, expiresIn time.Duration) *domain.ConnectedAccount {
	acc := &domain.ConnectedAccount{
		WorkspaceID:         "ws-1",
		UserID:              "u-1",
		ProviderID:          provider,
		ExternalAccountID:   externalID,
		ExternalAccountName: externalID + " name",
		AccessToken:         "old-access",
		RefreshToken:        refresh,
		Scopes:              []string{"openid"},
		IsConnected:         true,
	}
	if expiresIn != 0 {
		acc.ExpiresAt = ptr(time.Now().Add(expiresIn).UTC())
	}
	return acc
}

func TestRefresh_Lookahead(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusOK, `{"access_token":"new-access","expires_in":3600}`)
	})
	f := newFixture(t, ts.URL)

	far := f.store.seed(t, connected("google", "far", "r-far", 30*24*time.Hour))
	out, err := f.refresher.Refresh(context.Background(), far)
	require.NoError(t, err)
	assert.Equal(t, federation.RefreshStatusCurrent, out.Status)
	assert.Zero(t, ts.hits.Load())

	near := f.store.seed(t, connected("google", "near", "r-near", 2*time.Hour))
	out, err = f.refresher.Refresh(context.Background(), near)
	require.NoError(t, err)
	assert.Equal(t, federation.RefreshStatusRefreshed, out.Status)
	assert.EqualValues(t, 1, ts.hits.Load())
	assert.Equal(t, "new-access", out.Account.AccessToken)
	assert.Equal(t, "r-near", out.Account.RefreshToken, "kept when the provider does not rotate")
	assert.WithinDuration(t, time.Now().Add(time.Hour), *out.Account.ExpiresAt, 5*time.Second)

	form := *ts.lastForm.Load()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "r-near", form.Get("refresh_token"))

	stored, err := f.store.Get(context.Background(), near.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
}

func TestRefresh_ShortLookahead(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusOK, `{"access_token":"new-access","expires_in":3600}`)
	})
	f := newFixture(t, ts.URL)
	refresher := federation.NewRefresher(f.registry, f.store, f.tokens, federation.WithLookahead(time.Hour))

	acc := f.store.seed(t, connected("google", "a", "r", 2*time.Hour))
	out, err := refresher.Refresh(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, federation.RefreshStatusCurrent, out.Status)
	assert.Zero(t, ts.hits.Load())
}

func TestRefresh_RotatedRefreshToken(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusOK, `{"access_token":"a2","refresh_token":"r2","expires_in":7200,"scope":"tweet.read users.read"}`)
	})
	f := newFixture(t, ts.URL)

	acc := f.store.seed(t, connected("twitter", "42", "r1", time.Minute))
	out, err := f.refresher.Refresh(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "r2", out.Account.RefreshToken)
	assert.Equal(t, []string{"tweet.read", "users.read"}, out.Account.Scopes)

	auth := ts.lastAuth.Load()
	require.NotNil(t, auth)
	assert.Equal(t, "x-id", auth[0])
}

func TestRefresh_InvalidGrantDisconnects(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	})
	f := newFixture(t, ts.URL)

	acc := f.store.seed(t, connected("google", "g", "revoked", time.Hour))
	out, err := f.refresher.Refresh(context.Background(), acc)
	require.Error(t, err)
	assert.ErrorIs(t, err, serrors.ErrRefreshPermanentFailure)
	assert.True(t, serrors.NeedsReconnect(err))
	require.NotNil(t, out)
	assert.Equal(t, federation.RefreshStatusDisconnected, out.Status)
	assert.EqualValues(t, 1, ts.hits.Load(), "permanent failures are not retried")

	stored, err := f.store.Get(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsConnected)
	assert.Equal(t, "old-access", stored.AccessToken)

	// a disconnected account is never attempted again
	out, err = f.refresher.Refresh(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, federation.RefreshStatusDisconnected, out.Status)
	assert.EqualValues(t, 1, ts.hits.Load())
}

func TestRefresh_GraphSessionExpiredDisconnects(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusBadRequest, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`)
	})
	f := newFixture(t, ts.URL)

	acc := f.store.seed(t, connected("facebook", "fb", "r", time.Hour))
	_, err := f.refresher.Refresh(context.Background(), acc)
	assert.ErrorIs(t, err, serrors.ErrRefreshPermanentFailure)
	assert.Equal(t, 1, f.store.disconns)
}

func TestRefresh_ServerErrorRetriedThenTransient(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`)
	})
	f := newFixture(t, ts.URL)

	acc := f.store.seed(t, connected("google", "g", "r", time.Hour))
	_, err := f.refresher.Refresh(context.Background(), acc)
	assert.ErrorIs(t, err, serrors.ErrTransient)
	assert.True(t, serrors.Retryable(err))
	assert.EqualValues(t, 3, ts.hits.Load())

	stored, err := f.store.Get(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsConnected)
	assert.Equal(t, "old-access", stored.AccessToken)
	assert.Zero(t, f.store.disconns)
}

func TestRefresh_RecoversAfterTransientFailure(t *testing.T) {
	ts := newTokenServer(t, func(n int32, w http.ResponseWriter, _ url.Values) {
		if n == 1 {
			jsonReply(w, http.StatusTooManyRequests, `{}`)
			return
		}
		jsonReply(w, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	})
	f := newFixture(t, ts.URL)

	acc := f.store.seed(t, connected("google", "g", "r", time.Hour))
	out, err := f.refresher.Refresh(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, federation.RefreshStatusRefreshed, out.Status)
	assert.EqualValues(t, 2, ts.hits.Load())
}

func TestRefresh_OtherClientErrorIsNotPermanent(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusBadRequest, `{"error":"invalid_request"}`)
	})
	f := newFixture(t, ts.URL)

	acc := f.store.seed(t, connected("google", "g", "r", time.Hour))
	_, err := f.refresher.Refresh(context.Background(), acc)
	assert.ErrorIs(t, err, serrors.ErrTokenExchangeFailed)
	assert.EqualValues(t, 1, ts.hits.Load())
	assert.Zero(t, f.store.disconns)
}

func TestRefresh_NotRefreshable(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusOK, `{"access_token":"x"}`)
	})
	f := newFixture(t, ts.URL)

	noRefresh := f.store.seed(t, connected("google", "a", "", time.Minute))
	noExpiry := f.store.seed(t, connected("google", "b", "r", 0))
	for _, acc := range []*domain.ConnectedAccount{noRefresh, noExpiry} {
		out, err := f.refresher.Refresh(context.Background(), acc)
		require.NoError(t, err)
		assert.Equal(t, federation.RefreshStatusNotRefreshable, out.Status)
	}
	assert.Zero(t, ts.hits.Load())
}

func TestValidAccessToken(t *testing.T) {
	ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
		jsonReply(w, http.StatusOK, `{"access_token":"fresh","expires_in":3600}`)
	})
	f := newFixture(t, ts.URL)
	ctx := context.Background()

	current := f.store.seed(t, connected("google", "a", "r", 2*time.Hour))
	tok, err := f.refresher.ValidAccessToken(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok)
	assert.Zero(t, ts.hits.Load())

	expiring := f.store.seed(t, connected("google", "b", "r", time.Minute))
	tok, err = f.refresher.ValidAccessToken(ctx, expiring)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)

	expired := f.store.seed(t, connected("google", "c", "", -time.Minute))
	_, err = f.refresher.ValidAccessToken(ctx, expired)
	assert.ErrorIs(t, err, serrors.ErrNotRefreshable)

	gone := connected("google", "d", "r", time.Hour)
	gone.IsConnected = false
	_, err = f.refresher.ValidAccessToken(ctx, gone)
	assert.ErrorIs(t, err, serrors.ErrRefreshPermanentFailure)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Upsert(ctx context.Context, a *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	args := m.Called(ctx, a)
	acc, _ := args.Get(0).(*domain.ConnectedAccount)
	return acc, args.Error(1)
}

func (m *mockStore) Find(ctx context.Context, workspaceID, providerID string) ([]*domain.ConnectedAccount, error) {
	args := m.Called(ctx, workspaceID, providerID)
	accs, _ := args.Get(0).([]*domain.ConnectedAccount)
	return accs, args.Error(1)
}

func (m *mockStore) FindByUser(ctx context.Context, userID string) ([]*domain.ConnectedAccount, error) {
	args := m.Called(ctx, userID)
	accs, _ := args.Get(0).([]*domain.ConnectedAccount)
	return accs, args.Error(1)
}

func (m *mockStore) Get(ctx context.Context, id string) (*domain.ConnectedAccount, error) {
	args := m.Called(ctx, id)
	acc, _ := args.Get(0).(*domain.ConnectedAccount)
	return acc, args.Error(1)
}

func (m *mockStore) MarkDisconnected(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func TestRefresh_StoreFailures(t *testing.T) {
	t.Run("mark disconnected fails", func(t *testing.T) {
		ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
			jsonReply(w, http.StatusUnauthorized, `{"error":"invalid_token"}`)
		})
		f := newFixture(t, ts.URL)
		store := &mockStore{}
		store.On("MarkDisconnected", mock.Anything, "acc-1").Return(errors.New("db down")).Once()

		acc := connected("google", "g", "r", time.Hour)
		acc.ID = "acc-1"
		_, err := federation.NewRefresher(f.registry, store, f.tokens).Refresh(context.Background(), acc)
		assert.ErrorIs(t, err, serrors.ErrStore)
		store.AssertExpectations(t)
	})

	t.Run("upsert fails", func(t *testing.T) {
		ts := newTokenServer(t, func(_ int32, w http.ResponseWriter, _ url.Values) {
			jsonReply(w, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
		})
		f := newFixture(t, ts.URL)
		store := &mockStore{}
		store.On("Upsert", mock.Anything, mock.MatchedBy(func(a *domain.ConnectedAccount) bool {
			return a.AccessToken == "a2" && a.RefreshToken == "r"
		})).Return(nil, errors.New("db down")).Once()

		acc := connected("google", "g", "r", time.Hour)
		acc.ID = "acc-1"
		_, err := federation.NewRefresher(f.registry, store, f.tokens).Refresh(context.Background(), acc)
		assert.ErrorIs(t, err, serrors.ErrStore)
		store.AssertExpectations(t)
	})
}
