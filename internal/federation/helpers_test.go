package federation_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/internal/federation"
)

const testBaseURL = "https://app.example.com"

var testSecret = []byte(strings.Repeat("s", 32))

// memStore is an in-memory ConnectedAccountRepository keyed like the real stores.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]*domain.ConnectedAccount
	upserts  int
	disconns int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*domain.ConnectedAccount)}
}

func naturalKey(a *domain.ConnectedAccount) string {
	return a.WorkspaceID + "|" + a.ProviderID + "|" + a.ExternalAccountID
}

func (m *memStore) Upsert(_ context.Context, a *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	now := time.Now().UTC()
	key := naturalKey(a)
	if existing, ok := m.rows[key]; ok {
		if existing.SameState(a) {
			cp := *existing
			return &cp, nil
		}
		next := *a
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
		next.UpdatedAt = now
		m.rows[key] = &next
		cp := next
		return &cp, nil
	}
	next := *a
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	next.CreatedAt, next.UpdatedAt = now, now
	m.rows[key] = &next
	cp := next
	return &cp, nil
}

func (m *memStore) Find(_ context.Context, workspaceID, providerID string) ([]*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ConnectedAccount
	for _, a := range m.rows {
		if a.WorkspaceID == workspaceID && (providerID == "" || a.ProviderID == providerID) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *memStore) FindByUser(_ context.Context, userID string) ([]*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ConnectedAccount
	for _, a := range m.rows {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *memStore) Get(_ context.Context, id string) (*domain.ConnectedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (m *memStore) MarkDisconnected(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.ID == id {
			a.IsConnected = false
			m.disconns++
			return nil
		}
	}
	return domain.ErrAccountNotFound
}

func (m *memStore) seed(t *testing.T, a *domain.ConnectedAccount) *domain.ConnectedAccount {
	t.Helper()
	stored, err := m.Upsert(context.Background(), a)
	require.NoError(t, err)
	return stored
}

func sortAccounts(as []*domain.ConnectedAccount) {
	for i := 1; i < len(as); i++ {
		for j := i; j > 0 && as[j].ExternalAccountID < as[j-1].ExternalAccountID; j-- {
			as[j], as[j-1] = as[j-1], as[j]
		}
	}
}

// memNonces is a NonceStore without expiry.
type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (n *memNonces) Consume(_ context.Context, nonce string, _ time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.seen == nil {
		n.seen = make(map[string]bool)
	}
	if n.seen[nonce] {
		return false, nil
	}
	n.seen[nonce] = true
	return true, nil
}

// testDescriptors returns one descriptor per dialect, all pointing at tokenURL.
func testDescriptors(tokenURL string) []domain.ProviderDescriptor {
	return []domain.ProviderDescriptor{
		{
			ID:                "google",
			AuthorizeEndpoint: "https://accounts.example.com/o/oauth2/v2/auth",
			TokenEndpoint:     tokenURL,
			ClientID:          "google-id",
			ClientSecret:      "google-secret",
			AuthStyle:         domain.AuthStyleScopeList,
			ScopeDelimiter:    " ",
			DefaultScopes:     []string{"openid", "email"},
			ClientAuth:        domain.ClientAuthBody,
			ExtraAuthParams:   map[string]string{"access_type": "offline", "prompt": "consent"},
			Capabilities: map[string][]string{
				"google-calendar": {"https://www.googleapis.com/auth/calendar"},
			},
		},
		{
			ID:                   "twitter",
			AuthorizeEndpoint:    "https://x.example.com/i/oauth2/authorize",
			TokenEndpoint:        tokenURL,
			ClientID:             "x-id",
			ClientSecret:         "x-secret",
			AuthStyle:            domain.AuthStyleScopeList,
			ScopeDelimiter:       " ",
			DefaultScopes:        []string{"tweet.read", "users.read", "offline.access"},
			RequiresPKCE:         true,
			ClientAuth:           domain.ClientAuthHeaderBody,
			AllowedRedirectPaths: []string{"/dev/oauth/{provider}/callback"},
		},
		{
			ID:                        "facebook",
			AuthorizeEndpoint:         "https://www.facebook.example.com/v23.0/dialog/oauth",
			TokenEndpoint:             tokenURL,
			ClientID:                  "fb-id",
			ClientSecret:              "fb-secret",
			AuthStyle:                 domain.AuthStyleConfigurationID,
			ConfigurationID:           "cfg-current",
			AlternateConfigurationIDs: []string{"cfg-old"},
			ClientAuth:                domain.ClientAuthBody,
			AppSecretProof:            true,
			DefaultTokenLifetime:      60 * 24 * time.Hour,
		},
		{
			ID:                "tiktok",
			AuthorizeEndpoint: "https://www.tiktok.example.com/v2/auth/authorize/",
			TokenEndpoint:     tokenURL,
			ClientID:          "tt-key",
			ClientSecret:      "tt-secret",
			ClientIDParam:     "client_key",
			AuthStyle:         domain.AuthStyleScopeList,
			ScopeDelimiter:    ",",
			DefaultScopes:     []string{"user.info.basic", "video.list"},
			RequiresPKCE:      true,
			ClientAuth:        domain.ClientAuthBody,
		},
	}
}

type fixture struct {
	registry  *federation.Registry
	codec     *federation.StateCodec
	tokens    *federation.TokenClient
	store     *memStore
	service   *federation.Service
	refresher *federation.Refresher
}

func newFixture(t *testing.T, tokenURL string, opts ...federation.ServiceOption) *fixture {
	t.Helper()
	reg, err := federation.NewRegistry(testDescriptors(tokenURL)...)
	require.NoError(t, err)
	codec, err := federation.NewStateCodec(testSecret, 0)
	require.NoError(t, err)
	tokens := federation.NewTokenClient(reg, federation.NewHTTPClient(2*time.Second),
		federation.WithRetryPolicy(3, time.Millisecond))
	store := newMemStore()
	svc := federation.NewService(reg, codec, tokens, store, testBaseURL+"/", opts...)
	return &fixture{
		registry:  reg,
		codec:     codec,
		tokens:    tokens,
		store:     store,
		service:   svc,
		refresher: federation.NewRefresher(reg, store, tokens),
	}
}

func ptr[T any](v T) *T { return &v }
