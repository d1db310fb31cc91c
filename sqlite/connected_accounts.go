package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/internal/crypto"
)

const accountColumns = `id, workspace_id, user_id, provider_id, external_account_id,
	external_account_name, parent_account_id, access_token, refresh_token, scopes,
	expires_at, is_connected, created_at, updated_at`

// ConnectedAccountRepository implements domain.ConnectedAccountRepository on SQLite.
type ConnectedAccountRepository struct {
	store  *Store
	sealer *crypto.Sealer
}

var _ domain.ConnectedAccountRepository = (*ConnectedAccountRepository)(nil)

// NewConnectedAccountRepository returns a repository on store. sealer may be nil.
func NewConnectedAccountRepository(store *Store, sealer *crypto.Sealer) *ConnectedAccountRepository {
	return &ConnectedAccountRepository{store: store, sealer: sealer}
}

func (r *ConnectedAccountRepository) Upsert(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	tx, err := r.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := r.scanOne(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts
		WHERE workspace_id = ? AND provider_id = ? AND external_account_id = ?`,
		account.WorkspaceID, account.ProviderID, account.ExternalAccountID))
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
	case err != nil:
		return nil, err
	case existing.SameState(account):
		return existing, nil
	}

	accessToken, err := r.sealer.SealString(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	refreshToken, err := r.sealer.SealString(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}
	scopes, err := encodeScopes(account.Scopes)
	if err != nil {
		return nil, err
	}
	var expiresAt sql.NullInt64
	if account.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: toMillis(*account.ExpiresAt), Valid: true}
	}

	id := account.ID
	if existing != nil {
		id = existing.ID
	} else if id == "" {
		id = uuid.NewString()
	}
	now := toMillis(time.Now())

	_, err = tx.ExecContext(ctx, `
INSERT INTO connected_accounts (`+accountColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id, provider_id, external_account_id) DO UPDATE SET
	user_id = excluded.user_id,
	external_account_name = excluded.external_account_name,
	parent_account_id = excluded.parent_account_id,
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	scopes = excluded.scopes,
	expires_at = excluded.expires_at,
	is_connected = excluded.is_connected,
	updated_at = excluded.updated_at
`,
		id,
		account.WorkspaceID,
		account.UserID,
		account.ProviderID,
		account.ExternalAccountID,
		account.ExternalAccountName,
		account.ParentAccountID,
		accessToken,
		refreshToken,
		scopes,
		expiresAt,
		account.IsConnected,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert connected account: %w", err)
	}

	stored, err := r.scanOne(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *ConnectedAccountRepository) Find(ctx context.Context, workspaceID, providerID string) ([]*domain.ConnectedAccount, error) {
	if providerID == "" {
		return r.query(ctx, `SELECT `+accountColumns+` FROM connected_accounts
			WHERE workspace_id = ? ORDER BY provider_id, external_account_id`, workspaceID)
	}
	return r.query(ctx, `SELECT `+accountColumns+` FROM connected_accounts
		WHERE workspace_id = ? AND provider_id = ? ORDER BY external_account_id`, workspaceID, providerID)
}

func (r *ConnectedAccountRepository) FindByUser(ctx context.Context, userID string) ([]*domain.ConnectedAccount, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM connected_accounts
		WHERE user_id = ? ORDER BY provider_id, external_account_id`, userID)
}

func (r *ConnectedAccountRepository) Get(ctx context.Context, id string) (*domain.ConnectedAccount, error) {
	return r.scanOne(r.store.sqlDB.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE id = ?`, id))
}

func (r *ConnectedAccountRepository) MarkDisconnected(ctx context.Context, id string) error {
	res, err := r.store.sqlDB.ExecContext(ctx,
		`UPDATE connected_accounts SET is_connected = 0, updated_at = ? WHERE id = ?`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *ConnectedAccountRepository) query(ctx context.Context, q string, args ...any) ([]*domain.ConnectedAccount, error) {
	rows, err := r.store.sqlDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []*domain.ConnectedAccount{}
	for rows.Next() {
		acc, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ConnectedAccountRepository) scanOne(row *sql.Row) (*domain.ConnectedAccount, error) {
	acc, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	return acc, err
}

func (r *ConnectedAccountRepository) scan(row rowScanner) (*domain.ConnectedAccount, error) {
	var (
		acc       domain.ConnectedAccount
		scopesRaw string
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&acc.ID,
		&acc.WorkspaceID,
		&acc.UserID,
		&acc.ProviderID,
		&acc.ExternalAccountID,
		&acc.ExternalAccountName,
		&acc.ParentAccountID,
		&acc.AccessToken,
		&acc.RefreshToken,
		&scopesRaw,
		&expiresAt,
		&acc.IsConnected,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	scopes, err := decodeScopes(scopesRaw)
	if err != nil {
		return nil, err
	}
	acc.Scopes = scopes
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		acc.ExpiresAt = &t
	}
	acc.CreatedAt = fromMillis(createdAt)
	acc.UpdatedAt = fromMillis(updatedAt)

	if acc.AccessToken, err = r.sealer.OpenString(acc.AccessToken); err != nil {
		return nil, fmt.Errorf("open access token of %s: %w", acc.ID, err)
	}
	if acc.RefreshToken, err = r.sealer.OpenString(acc.RefreshToken); err != nil {
		return nil, fmt.Errorf("open refresh token of %s: %w", acc.ID, err)
	}
	return &acc, nil
}
