package mongodb_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/internal/crypto"
	"go.pilab.hu/oauthlink/mongodb"
	"go.pilab.hu/oauthlink/mongodb/testutil"
)

func newRepo(t *testing.T) *mongodb.ConnectedAccountRepository {
	t.Helper()
	db := testutil.SetupTestMongoDB(t, "test_oauthlink_accounts")

	key, err := crypto.DeriveKey([]byte(strings.Repeat("k", 32)), "test")
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(key)
	require.NoError(t, err)

	repo, err := mongodb.NewConnectedAccountRepository(context.Background(), db, sealer)
	require.NoError(t, err)
	return repo
}

func sampleAccount(external string) *domain.ConnectedAccount {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	return &domain.ConnectedAccount{
		WorkspaceID:         "ws-1",
		UserID:              "u-1",
		ProviderID:          "google",
		ExternalAccountID:   external,
		ExternalAccountName: external + "@example.com",
		AccessToken:         "access-" + external,
		RefreshToken:        "refresh-" + external,
		Scopes:              []string{"openid", "email"},
		ExpiresAt:           &exp,
		IsConnected:         true,
	}
}

func TestConnectedAccountRepository_UpsertAndFind(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created, err := repo.Upsert(ctx, sampleAccount("a"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "access-a", created.AccessToken)
	assert.Equal(t, "refresh-a", created.RefreshToken)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = repo.Upsert(ctx, sampleAccount("b"))
	require.NoError(t, err)

	all, err := repo.Find(ctx, "ws-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ExternalAccountID)

	none, err := repo.Find(ctx, "ws-1", "twitter")
	require.NoError(t, err)
	assert.Empty(t, none)

	byUser, err := repo.FindByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-a", got.AccessToken)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestConnectedAccountRepository_UpsertIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	first, err := repo.Upsert(ctx, sampleAccount("a"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	same, err := repo.Upsert(ctx, sampleAccount("a"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)
	assert.True(t, first.UpdatedAt.Equal(same.UpdatedAt), "no-op upsert must not bump updated_at")

	changed := sampleAccount("a")
	changed.AccessToken = "rotated"
	updated, err := repo.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, "rotated", updated.AccessToken)
	assert.True(t, updated.UpdatedAt.After(first.UpdatedAt))
	assert.True(t, first.CreatedAt.Equal(updated.CreatedAt))
}

func TestConnectedAccountRepository_TokensSealedAtRest(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "test_oauthlink_sealed")
	key, err := crypto.DeriveKey([]byte(strings.Repeat("k", 32)), "test")
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(key)
	require.NoError(t, err)
	repo, err := mongodb.NewConnectedAccountRepository(context.Background(), db, sealer)
	require.NoError(t, err)

	acc, err := repo.Upsert(context.Background(), sampleAccount("a"))
	require.NoError(t, err)

	var raw bson.M
	err = db.Collection(mongodb.ConnectedAccountsCollection).FindOne(context.Background(), bson.M{"_id": acc.ID}).Decode(&raw)
	require.NoError(t, err)
	assert.NotEqual(t, "access-a", raw["access_token"])
	assert.True(t, strings.HasPrefix(raw["access_token"].(string), "enc:v1:"))
}

func TestConnectedAccountRepository_MarkDisconnected(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	acc, err := repo.Upsert(ctx, sampleAccount("a"))
	require.NoError(t, err)
	require.NoError(t, repo.MarkDisconnected(ctx, acc.ID))

	got, err := repo.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, got.IsConnected)
	assert.Equal(t, "access-a", got.AccessToken)

	assert.ErrorIs(t, repo.MarkDisconnected(ctx, "missing"), domain.ErrAccountNotFound)
}
