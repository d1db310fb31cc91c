package federation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.pilab.hu/oauthlink/domain"
)

// ResolveRequest is what an AccountResolver gets to identify the accounts behind a token.
type ResolveRequest struct {
	Descriptor domain.ProviderDescriptor
	Token      *domain.TokenResult
	// AppSecretProof is set for providers with AppSecretProof enabled.
	AppSecretProof string
}

// AccountResolver performs the provider "who am I" call for a freshly issued
// token and reports every account that token can act for.
type AccountResolver interface {
	ResolveAccounts(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error)
}

// AccountResolverFunc adapts a function to AccountResolver.
type AccountResolverFunc func(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error)

func (f AccountResolverFunc) ResolveAccounts(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	return f(ctx, client, req)
}

// DefaultResolvers returns the built-in resolvers keyed by provider id.
func DefaultResolvers() map[string]AccountResolver {
	return map[string]AccountResolver{
		"google":    AccountResolverFunc(resolveGoogle),
		"facebook":  AccountResolverFunc(resolveFacebook),
		"instagram": AccountResolverFunc(resolveInstagram),
		"threads":   AccountResolverFunc(resolveThreads),
		"tiktok":    AccountResolverFunc(resolveTikTok),
		"twitter":   AccountResolverFunc(resolveTwitter),
		"linkedin":  AccountResolverFunc(resolveLinkedIn),
		"fortnox":   AccountResolverFunc(resolveFortnox),
	}
}

// AppSecretProof is the Graph API appsecret_proof: hex(HMAC-SHA256(secret, token)).
func AppSecretProof(appSecret, accessToken string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(accessToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// getJSON issues an authenticated GET and decodes a JSON body into out.
// bearer is sent as Authorization header when non-empty.
func getJSON(ctx context.Context, client *http.Client, provider, endpoint string, query url.Values, bearer string, out any) error {
	u := endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to get account info: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: failed to read account info: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d, body: %s", ErrFetchAccountFailed, provider, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: failed to unmarshal account info: %w", provider, err)
	}
	return nil
}
