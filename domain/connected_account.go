package domain

import (
	"slices"
	"time"
)

// ConnectedAccount is one external provider identity linked to a workspace.
// It is unique on (WorkspaceID, ProviderID, ExternalAccountID).
type ConnectedAccount struct {
	ID                  string     `bson:"_id,omitempty" json:"id"`
	WorkspaceID         string     `bson:"workspace_id" json:"workspace_id"`
	UserID              string     `bson:"user_id" json:"user_id"`
	ProviderID          string     `bson:"provider_id" json:"provider_id"`
	ExternalAccountID   string     `bson:"external_account_id" json:"external_account_id"`
	ExternalAccountName string     `bson:"external_account_name,omitempty" json:"external_account_name,omitempty"`
	ParentAccountID     string     `bson:"parent_account_id,omitempty" json:"parent_account_id,omitempty"`
	AccessToken         string     `bson:"access_token" json:"-"`
	RefreshToken        string     `bson:"refresh_token,omitempty" json:"-"`
	Scopes              []string   `bson:"scopes,omitempty" json:"scopes,omitempty"`
	ExpiresAt           *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	IsConnected         bool       `bson:"is_connected" json:"is_connected"`
	CreatedAt           time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `bson:"updated_at" json:"updated_at"`
}

// Refreshable reports whether the account carries what a refresh grant needs.
func (a *ConnectedAccount) Refreshable() bool {
	return a.RefreshToken != "" && a.ExpiresAt != nil
}

// ExpiresWithin reports whether the access token expires within d of now.
// Tokens without an expiry never do.
func (a *ConnectedAccount) ExpiresWithin(now time.Time, d time.Duration) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return a.ExpiresAt.Sub(now) <= d
}

// SameState reports whether b carries the same mutable state as a, ignoring
// identifiers and timestamps. Stores use it to skip no-op writes.
func (a *ConnectedAccount) SameState(b *ConnectedAccount) bool {
	if a.UserID != b.UserID ||
		a.ExternalAccountName != b.ExternalAccountName ||
		a.ParentAccountID != b.ParentAccountID ||
		a.AccessToken != b.AccessToken ||
		a.RefreshToken != b.RefreshToken ||
		a.IsConnected != b.IsConnected ||
		!slices.Equal(a.Scopes, b.Scopes) {
		return false
	}
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt == nil || b.ExpiresAt == nil:
		return false
	default:
		return a.ExpiresAt.Truncate(time.Second).Equal(b.ExpiresAt.Truncate(time.Second))
	}
}

// ExternalAccount is what a provider "who am I" call reports for a freshly issued token.
// A single user token may yield several accounts (e.g. Facebook Pages), each with its own token.
type ExternalAccount struct {
	ID       string
	Name     string
	ParentID string
	// AccessToken overrides the exchanged token when the account has its own (page tokens).
	AccessToken string
}

// TokenResult is the canonical result of a code exchange or refresh grant.
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    *int64 `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// ExpiresAt computes the absolute expiry of the token. When the provider did not
// report expires_in, fallback is used; a zero fallback yields no expiry.
func (t *TokenResult) ExpiresAt(now time.Time, fallback time.Duration) *time.Time {
	var exp time.Time
	switch {
	case t.ExpiresIn != nil && *t.ExpiresIn > 0:
		exp = now.Add(time.Duration(*t.ExpiresIn) * time.Second)
	case fallback > 0:
		exp = now.Add(fallback)
	default:
		return nil
	}
	exp = exp.UTC()
	return &exp
}
