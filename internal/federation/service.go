package federation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
	"go.pilab.hu/oauthlink/internal/audit"
	"go.pilab.hu/oauthlink/internal/metrics"
)

var (
	ErrMissingWorkspace  = errors.New("workspace id is required to connect an account")
	ErrUnknownCapability = errors.New("unknown capability for provider")
)

// Service builds authorization URLs and handles provider callbacks. It holds
// no per-request state: everything the callback needs travels in the state.
type Service struct {
	registry  *Registry
	codec     *StateCodec
	tokens    *TokenClient
	store     domain.ConnectedAccountRepository
	nonces    domain.NonceStore
	resolvers map[string]AccountResolver
	baseURL   string
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNonceStore enables single-use enforcement of state values.
func WithNonceStore(ns domain.NonceStore) ServiceOption {
	return func(s *Service) { s.nonces = ns }
}

// WithServiceClock overrides time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a federation Service. publicBaseURL is the externally
// reachable origin that redirect URIs are computed from.
func NewService(
	registry *Registry,
	codec *StateCodec,
	tokens *TokenClient,
	store domain.ConnectedAccountRepository,
	publicBaseURL string,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		registry:  registry,
		codec:     codec,
		tokens:    tokens,
		store:     store,
		resolvers: DefaultResolvers(),
		baseURL:   strings.TrimSuffix(publicBaseURL, "/"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterResolver installs or replaces the account resolver for a provider.
func (s *Service) RegisterResolver(providerID string, r AccountResolver) {
	s.resolvers[providerID] = r
}

// Registry returns the provider registry the service was built with.
func (s *Service) Registry() *Registry { return s.registry }

// RedirectURL computes the redirect URI for a provider. Builder and exchanger
// both call it so the two values always match byte for byte.
func (s *Service) RedirectURL(desc domain.ProviderDescriptor, redirectPath string) string {
	p := redirectPath
	if p == "" {
		p = desc.CallbackPath()
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return s.baseURL + p
}

// AuthorizeRequest describes a user initiated "connect" action.
type AuthorizeRequest struct {
	ProviderID      string
	Scopes          []string
	Capabilities    []string
	ConfigurationID string
	CallerState     string
	RedirectPath    string
	WorkspaceID     string
	UserID          string
}

// AuthorizeResult is the provider URL plus the state it carries.
type AuthorizeResult struct {
	URL         string
	State       string
	RedirectURI string
	Request     domain.AuthRequestState
}

// AuthorizationURL builds the provider authorize URL. It performs no I/O.
func (s *Service) AuthorizationURL(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	_, span := tracer.Start(ctx, "federation.Service.AuthorizationURL")
	defer span.End()
	span.SetAttributes(attribute.String("provider", req.ProviderID))

	desc, err := s.registry.Describe(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" {
		return nil, ErrMissingWorkspace
	}
	if !desc.RedirectPathAllowed(req.RedirectPath) {
		return nil, fmt.Errorf("%w: %s: %q", ErrRedirectPathNotAllowed, desc.ID, req.RedirectPath)
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state nonce: %w", err)
	}
	st := domain.AuthRequestState{
		CSRFNonce:    nonce,
		CallerState:  req.CallerState,
		ProviderID:   desc.ID,
		RedirectPath: req.RedirectPath,
		WorkspaceID:  req.WorkspaceID,
		UserID:       req.UserID,
		IssuedAt:     s.now().UTC().Truncate(time.Second),
	}

	q := url.Values{}
	for k, v := range desc.ExtraAuthParams {
		q.Set(k, v)
	}

	switch desc.AuthStyle {
	case domain.AuthStyleConfigurationID:
		configID := desc.ConfigurationID
		if req.ConfigurationID != "" {
			if !desc.ConfigurationIDAllowed(req.ConfigurationID) {
				return nil, fmt.Errorf("%w: %s", ErrConfigurationIDNotAllowed, desc.ID)
			}
			configID = req.ConfigurationID
		}
		q.Set("config_id", configID)
	default:
		scopes, err := requestedScopes(&desc, req.Scopes, req.Capabilities)
		if err != nil {
			return nil, err
		}
		if len(scopes) > 0 {
			q.Set("scope", strings.Join(scopes, desc.Delimiter()))
		}
		st.Scopes = scopes
	}

	if desc.RequiresPKCE {
		pair := NewPKCEPair()
		st.CodeVerifier = pair.Verifier
		q.Set("code_challenge", pair.Challenge)
		q.Set("code_challenge_method", codeChallengeMethodS256)
	}

	encoded, err := s.codec.Encode(st)
	if err != nil {
		return nil, err
	}

	redirectURI := s.RedirectURL(desc, req.RedirectPath)
	q.Set(desc.ClientIDParamName(), desc.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("state", encoded)

	u, err := url.Parse(desc.AuthorizeEndpoint)
	if err != nil {
		return nil, serrors.Wrap(serrors.KindMisconfigured, desc.ID, err)
	}
	for k, vs := range u.Query() {
		if _, set := q[k]; !set {
			q[k] = vs
		}
	}
	u.RawQuery = q.Encode()

	return &AuthorizeResult{
		URL:         u.String(),
		State:       encoded,
		RedirectURI: redirectURI,
		Request:     st,
	}, nil
}

// requestedScopes merges default scopes, explicit scopes and the scopes of the
// requested capabilities, keeping first-seen order.
func requestedScopes(desc *domain.ProviderDescriptor, scopes, capabilities []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range desc.DefaultScopes {
		add(s)
	}
	for _, s := range scopes {
		add(s)
	}
	for _, c := range capabilities {
		capScopes, ok := desc.Capabilities[c]
		if !ok {
			return nil, fmt.Errorf("%w: %s: %q", ErrUnknownCapability, desc.ID, c)
		}
		for _, s := range capScopes {
			add(s)
		}
	}
	return out, nil
}

// CallbackRequest carries the query parameters of a provider callback.
type CallbackRequest struct {
	ProviderID       string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult describes the accounts connected by a callback.
type CallbackResult struct {
	ProviderID   string
	WorkspaceID  string
	UserID       string
	CallerState  string
	Accounts     []*domain.ConnectedAccount
	Capabilities []string
}

// HandleCallback validates the state, exchanges the code and upserts every
// account the issued token can act for.
func (s *Service) HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "federation.Service.HandleCallback")
	defer span.End()
	span.SetAttributes(attribute.String("provider", req.ProviderID))

	res, err := s.handleCallback(ctx, req)
	if err != nil {
		span.RecordError(err)
		result := string(serrors.KindOf(err))
		if result == "" {
			result = "error"
		}
		metrics.TokenExchangesTotal.WithLabelValues(req.ProviderID, result).Inc()
		audit.Log(ctx, audit.Event{Action: audit.ActionConnect, Provider: req.ProviderID, Error: result})
		return nil, err
	}
	metrics.TokenExchangesTotal.WithLabelValues(req.ProviderID, metrics.ResultSuccess).Inc()
	for _, acc := range res.Accounts {
		audit.Log(ctx, audit.Event{
			Action:      audit.ActionConnect,
			Provider:    acc.ProviderID,
			WorkspaceID: acc.WorkspaceID,
			UserID:      acc.UserID,
			AccountID:   acc.ID,
			Details:     acc.ExternalAccountID,
			Success:     true,
		})
	}
	return res, nil
}

func (s *Service) handleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	desc, err := s.registry.Describe(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if req.Error != "" {
		log.Info().Str("provider", desc.ID).Str("error", req.Error).Msg("Provider denied authorization")
		return nil, &serrors.Error{Kind: serrors.KindProviderDenied, Provider: desc.ID, Code: req.Error, Description: req.ErrorDescription}
	}

	st, err := s.codec.Decode(req.State)
	if err == nil && st.ProviderID != desc.ID {
		err = serrors.New(serrors.KindInvalidState, desc.ID, "state issued for another provider")
	}
	if err == nil && s.nonces != nil {
		first, nerr := s.nonces.Consume(ctx, st.CSRFNonce, s.codec.TTL())
		switch {
		case nerr != nil:
			return nil, serrors.Wrapf(serrors.KindTransient, desc.ID, nerr, "nonce store unavailable")
		case !first:
			err = serrors.New(serrors.KindInvalidState, desc.ID, "state already used")
		}
	}
	if err != nil {
		metrics.InvalidStateTotal.Inc()
		log.Warn().Str("provider", desc.ID).Msg("Rejected callback with invalid state")
		return nil, serrors.New(serrors.KindInvalidState, desc.ID, "state rejected")
	}

	if req.Code == "" {
		return nil, &serrors.Error{Kind: serrors.KindProviderDenied, Provider: desc.ID, Code: "missing_code"}
	}

	redirectURI := s.RedirectURL(desc, st.RedirectPath)
	tok, err := s.tokens.Exchange(ctx, desc.ID, req.Code, redirectURI, st.CodeVerifier, st.Scopes)
	if err != nil {
		var e *serrors.Error
		if errors.As(err, &e) {
			log.Error().Str("provider", desc.ID).Int("status", e.Status).Str("code", e.Code).
				Str("body", e.Body).Msg("Token exchange failed")
		}
		return nil, err
	}

	externals, err := s.resolveAccounts(ctx, desc, tok)
	if err != nil {
		return nil, err
	}

	granted := splitScopes(tok.Scope)
	if len(granted) == 0 {
		granted = st.Scopes
	}
	now := s.now().UTC()
	expiresAt := tok.ExpiresAt(now, desc.DefaultTokenLifetime)

	result := &CallbackResult{
		ProviderID:   desc.ID,
		WorkspaceID:  st.WorkspaceID,
		UserID:       st.UserID,
		CallerState:  st.CallerState,
		Capabilities: desc.CapabilitiesForScopes(granted),
	}
	for _, ext := range externals {
		acc := &domain.ConnectedAccount{
			WorkspaceID:         st.WorkspaceID,
			UserID:              st.UserID,
			ProviderID:          desc.ID,
			ExternalAccountID:   ext.ID,
			ExternalAccountName: ext.Name,
			ParentAccountID:     ext.ParentID,
			AccessToken:         tok.AccessToken,
			RefreshToken:        tok.RefreshToken,
			Scopes:              granted,
			ExpiresAt:           expiresAt,
			IsConnected:         true,
		}
		if ext.AccessToken != "" {
			// derived tokens (pages) cannot be renewed with the user's refresh token
			acc.AccessToken = ext.AccessToken
			acc.RefreshToken = ""
		}
		stored, err := s.store.Upsert(ctx, acc)
		if err != nil {
			return nil, serrors.Wrapf(serrors.KindStore, desc.ID, err, "failed to store connected account")
		}
		result.Accounts = append(result.Accounts, stored)
	}

	log.Info().Str("provider", desc.ID).Str("workspace_id", st.WorkspaceID).
		Int("accounts", len(result.Accounts)).Bool("refresh_token", tok.RefreshToken != "").
		Msg("Connected provider accounts")
	return result, nil
}

func (s *Service) resolveAccounts(ctx context.Context, desc domain.ProviderDescriptor, tok *domain.TokenResult) ([]domain.ExternalAccount, error) {
	resolver, ok := s.resolvers[desc.ID]
	if !ok {
		return nil, serrors.New(serrors.KindMisconfigured, desc.ID, "no account resolver registered")
	}
	rr := ResolveRequest{Descriptor: desc, Token: tok}
	if desc.AppSecretProof {
		creds, err := s.registry.credentials(desc.ID)
		if err != nil {
			return nil, err
		}
		rr.AppSecretProof = AppSecretProof(creds.ClientSecret, tok.AccessToken)
	}

	accounts, err := resolver.ResolveAccounts(ctx, s.tokens.HTTPClient(), rr)
	if err != nil {
		log.Error().Err(err).Str("provider", desc.ID).Msg("Failed to resolve provider accounts")
		var netErr net.Error
		switch {
		case errors.Is(err, ErrNoAccounts):
			return nil, &serrors.Error{Kind: serrors.KindProviderDenied, Provider: desc.ID, Code: "no_accounts", Err: err}
		case errors.As(err, &netErr):
			return nil, serrors.Wrapf(serrors.KindTransient, desc.ID, err, "account lookup failed")
		default:
			return nil, serrors.Wrapf(serrors.KindTokenExchangeFailed, desc.ID, err, "account lookup failed")
		}
	}
	if len(accounts) == 0 {
		return nil, &serrors.Error{Kind: serrors.KindProviderDenied, Provider: desc.ID, Code: "no_accounts"}
	}
	return accounts, nil
}

func splitScopes(scope string) []string {
	return strings.FieldsFunc(scope, func(r rune) bool { return r == ' ' || r == ',' })
}
