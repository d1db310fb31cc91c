package domain

import (
	"context"
	"errors"
	"time"
)

// ErrAccountNotFound is returned by repositories when no connected account matches.
var ErrAccountNotFound = errors.New("connected account not found")

// ConnectedAccountRepository persists connected accounts. Implementations enforce
// uniqueness on (workspace, provider, external account) and upsert atomically.
type ConnectedAccountRepository interface {
	// Upsert inserts or updates the account identified by its natural key and
	// returns the stored row. Writing identical state does not touch UpdatedAt.
	Upsert(ctx context.Context, account *ConnectedAccount) (*ConnectedAccount, error)

	// Find lists accounts of a workspace. An empty providerID lists all providers.
	Find(ctx context.Context, workspaceID, providerID string) ([]*ConnectedAccount, error)

	// FindByUser lists accounts connected by a user across workspaces.
	FindByUser(ctx context.Context, userID string) ([]*ConnectedAccount, error)

	// Get returns one account by id or ErrAccountNotFound.
	Get(ctx context.Context, id string) (*ConnectedAccount, error)

	// MarkDisconnected flips IsConnected to false.
	MarkDisconnected(ctx context.Context, id string) error
}

// NonceStore remembers consumed state nonces for the lifetime of a state value.
type NonceStore interface {
	// Consume records nonce and reports whether it was seen for the first time.
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}
