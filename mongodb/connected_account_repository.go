package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/internal/crypto"
)

// ConnectedAccountRepository implements domain.ConnectedAccountRepository.
// Tokens are sealed at rest when a sealer is configured.
type ConnectedAccountRepository struct {
	collection *mongo.Collection
	sealer     *crypto.Sealer
}

var _ domain.ConnectedAccountRepository = (*ConnectedAccountRepository)(nil)

// NewConnectedAccountRepository creates the repository and ensures its indexes.
// sealer may be nil.
func NewConnectedAccountRepository(ctx context.Context, db *mongo.Database, sealer *crypto.Sealer) (*ConnectedAccountRepository, error) {
	repo := &ConnectedAccountRepository{
		collection: db.Collection(ConnectedAccountsCollection),
		sealer:     sealer,
	}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *ConnectedAccountRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "workspace_id", Value: 1},
				{Key: "provider_id", Value: 1},
				{Key: "external_account_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return fmt.Errorf("failed to create indexes for %s collection: %w", ConnectedAccountsCollection, err)
	}
	log.Info().Msgf("Indexes for %s collection ensured.", ConnectedAccountsCollection)
	return nil
}

func naturalKey(a *domain.ConnectedAccount) bson.D {
	return bson.D{
		{Key: "workspace_id", Value: a.WorkspaceID},
		{Key: "provider_id", Value: a.ProviderID},
		{Key: "external_account_id", Value: a.ExternalAccountID},
	}
}

// Upsert inserts or updates the account by its natural key. Writes that
// change nothing leave UpdatedAt untouched.
func (r *ConnectedAccountRepository) Upsert(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	filter := naturalKey(account)

	existing, err := r.findOne(ctx, filter)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
	case err != nil:
		return nil, err
	case existing.SameState(account):
		return existing, nil
	}

	accessToken, err := r.sealer.SealString(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	refreshToken, err := r.sealer.SealString(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}

	now := time.Now().UTC()
	set := bson.M{
		"user_id":               account.UserID,
		"external_account_name": account.ExternalAccountName,
		"parent_account_id":     account.ParentAccountID,
		"access_token":          accessToken,
		"refresh_token":         refreshToken,
		"scopes":                account.Scopes,
		"expires_at":            account.ExpiresAt,
		"is_connected":          account.IsConnected,
		"updated_at":            now,
	}
	id := account.ID
	if id == "" {
		id = NewObjectID()
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"_id": id, "created_at": now},
	}

	_, err = r.collection.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// a concurrent upsert inserted the row first, update it instead
		_, err = r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	}
	if err != nil {
		log.Error().Err(err).Str("provider_id", account.ProviderID).
			Str("external_account_id", account.ExternalAccountID).Msg("Error upserting connected account")
		return nil, err
	}

	return r.findOne(ctx, filter)
}

func (r *ConnectedAccountRepository) Find(ctx context.Context, workspaceID, providerID string) ([]*domain.ConnectedAccount, error) {
	filter := bson.M{"workspace_id": workspaceID}
	if providerID != "" {
		filter["provider_id"] = providerID
	}
	return r.findMany(ctx, filter)
}

func (r *ConnectedAccountRepository) FindByUser(ctx context.Context, userID string) ([]*domain.ConnectedAccount, error) {
	return r.findMany(ctx, bson.M{"user_id": userID})
}

func (r *ConnectedAccountRepository) Get(ctx context.Context, id string) (*domain.ConnectedAccount, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// MarkDisconnected flips is_connected and keeps the tokens for diagnostics.
func (r *ConnectedAccountRepository) MarkDisconnected(ctx context.Context, id string) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_connected": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *ConnectedAccountRepository) findOne(ctx context.Context, filter any) (*domain.ConnectedAccount, error) {
	var account domain.ConnectedAccount
	if err := r.collection.FindOne(ctx, filter).Decode(&account); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	if err := r.open(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *ConnectedAccountRepository) findMany(ctx context.Context, filter any) ([]*domain.ConnectedAccount, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "provider_id", Value: 1},
		{Key: "external_account_id", Value: 1},
	})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	accounts := []*domain.ConnectedAccount{}
	for cursor.Next(ctx) {
		var account domain.ConnectedAccount
		if err := cursor.Decode(&account); err != nil {
			return nil, err
		}
		if err := r.open(&account); err != nil {
			return nil, err
		}
		accounts = append(accounts, &account)
	}
	return accounts, cursor.Err()
}

func (r *ConnectedAccountRepository) open(account *domain.ConnectedAccount) error {
	var err error
	if account.AccessToken, err = r.sealer.OpenString(account.AccessToken); err != nil {
		return fmt.Errorf("failed to open access token of %s: %w", account.ID, err)
	}
	if account.RefreshToken, err = r.sealer.OpenString(account.RefreshToken); err != nil {
		return fmt.Errorf("failed to open refresh token of %s: %w", account.ID, err)
	}
	if account.ExpiresAt != nil {
		t := account.ExpiresAt.UTC()
		account.ExpiresAt = &t
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return nil
}
