package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
)

const (
	// DefaultHTTPTimeout bounds every outbound provider call.
	DefaultHTTPTimeout = 12 * time.Second

	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	maxResponseBody       = 1 << 20
)

// NewHTTPClient returns the client used for all provider calls, instrumented
// with OpenTelemetry and bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// TokenClient performs authorization_code and refresh_token grants against
// provider token endpoints.
type TokenClient struct {
	registry       *Registry
	httpClient     *http.Client
	maxAttempts    uint
	initialBackoff time.Duration
}

// TokenClientOption configures a TokenClient.
type TokenClientOption func(*TokenClient)

// WithRetryPolicy sets the attempt budget and the first backoff interval.
func WithRetryPolicy(maxAttempts uint, initialBackoff time.Duration) TokenClientOption {
	return func(c *TokenClient) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initialBackoff > 0 {
			c.initialBackoff = initialBackoff
		}
	}
}

func NewTokenClient(registry *Registry, httpClient *http.Client, opts ...TokenClientOption) *TokenClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPTimeout)
	}
	c := &TokenClient{
		registry:       registry,
		httpClient:     httpClient,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the instrumented client, shared with account resolvers.
func (c *TokenClient) HTTPClient() *http.Client { return c.httpClient }

// Exchange redeems an authorization code. Only transport failures are retried;
// once the provider answered, the answer is final.
func (c *TokenClient) Exchange(ctx context.Context, providerID, code, redirectURI, verifier string, scopes []string) (*domain.TokenResult, error) {
	ctx, span := tracer.Start(ctx, "federation.TokenClient.Exchange")
	defer span.End()
	span.SetAttributes(attribute.String("provider", providerID))

	desc, err := c.registry.credentials(providerID)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	if desc.SendScopeOnExchange && len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, desc.Delimiter()))
	}
	tok, err := c.post(ctx, &desc, form, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return tok, nil
}

// Refresh performs a refresh_token grant. Transport errors and 5xx/429
// answers are retried; invalid_grant-class answers are permanent.
func (c *TokenClient) Refresh(ctx context.Context, providerID, refreshToken string) (*domain.TokenResult, error) {
	ctx, span := tracer.Start(ctx, "federation.TokenClient.Refresh")
	defer span.End()
	span.SetAttributes(attribute.String("provider", providerID))

	desc, err := c.registry.credentials(providerID)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	tok, err := c.post(ctx, &desc, form, true)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return tok, nil
}

func (c *TokenClient) post(ctx context.Context, desc *domain.ProviderDescriptor, form url.Values, refresh bool) (*domain.TokenResult, error) {
	switch desc.ClientAuth {
	case domain.ClientAuthBody, domain.ClientAuthHeaderBody:
		form.Set(desc.ClientIDParamName(), desc.ClientID)
		form.Set("client_secret", desc.ClientSecret)
	}
	encoded := form.Encode()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff

	op := func() (*domain.TokenResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.TokenEndpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, backoff.Permanent(serrors.Wrap(serrors.KindMisconfigured, desc.ID, err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		if desc.ClientAuth == domain.ClientAuthHeader || desc.ClientAuth == domain.ClientAuthHeaderBody {
			req.SetBasicAuth(url.QueryEscape(desc.ClientID), url.QueryEscape(desc.ClientSecret))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			terr := serrors.Wrapf(serrors.KindTransient, desc.ID, err, "token endpoint unreachable")
			if ctx.Err() != nil {
				return nil, backoff.Permanent(terr)
			}
			return nil, terr
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, serrors.Wrapf(serrors.KindTransient, desc.ID, err, "failed to read token response")
		}
		return parseTokenResponse(desc.ID, resp, body, refresh)
	}

	tok, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxAttempts))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if serrors.KindOf(err) == "" {
			// context cancellation surfaces unclassified from Retry
			err = serrors.Wrap(serrors.KindTransient, desc.ID, err)
		}
		return nil, err
	}
	return tok, nil
}

// providerError is the union of OAuth2 (RFC 6749 §5.2) and Graph API error bodies.
type providerError struct {
	Code        string
	Description string
	GraphCode   int
}

func (p *providerError) UnmarshalJSON(b []byte) error {
	var raw struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
		Message          string          `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Description = raw.ErrorDescription
	if len(raw.Error) == 0 {
		return nil
	}
	var code string
	if err := json.Unmarshal(raw.Error, &code); err == nil {
		p.Code = code
		return nil
	}
	var graph struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(raw.Error, &graph); err == nil {
		p.Code = graph.Type
		p.GraphCode = graph.Code
		if p.Description == "" {
			p.Description = graph.Message
		}
	}
	return nil
}

// permanent reports an invalid_grant-class rejection: the grant itself is dead.
func (p *providerError) permanent() bool {
	switch p.Code {
	case serrors.InvalidGrant, serrors.InvalidToken, serrors.UnauthorizedClient:
		return true
	}
	// Graph API: 190 invalid/expired token, 102 session expired
	return p.GraphCode == 190 || p.GraphCode == 102
}

type tokenJSON struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
	Scope        string          `json:"scope"`
	TokenType    string          `json:"token_type"`
	// TikTok nests tokens under data on some API versions.
	Data *tokenJSON `json:"data"`
}

func parseTokenResponse(providerID string, resp *http.Response, body []byte, refresh bool) (*domain.TokenResult, error) {
	status := resp.StatusCode
	if status < 200 || status > 299 {
		var pe providerError
		_ = json.Unmarshal(body, &pe)
		e := &serrors.Error{
			Provider:    providerID,
			Code:        pe.Code,
			Description: pe.Description,
			Status:      status,
			Body:        string(body),
		}
		switch {
		case !refresh:
			e.Kind = serrors.KindTokenExchangeFailed
			return nil, backoff.Permanent(e)
		case pe.permanent():
			e.Kind = serrors.KindRefreshPermanentFailure
			return nil, backoff.Permanent(e)
		case status >= 500 || status == http.StatusTooManyRequests:
			e.Kind = serrors.KindTransient
			return nil, e
		default:
			e.Kind = serrors.KindTokenExchangeFailed
			return nil, backoff.Permanent(e)
		}
	}

	tok, err := decodeTokenBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, backoff.Permanent(&serrors.Error{
			Kind: serrors.KindTokenExchangeFailed, Provider: providerID, Status: status,
			Description: "unparseable token response", Body: string(body), Err: err,
		})
	}
	if tok.AccessToken == "" {
		var pe providerError
		_ = json.Unmarshal(body, &pe)
		kind := serrors.KindTokenExchangeFailed
		if refresh && pe.permanent() {
			kind = serrors.KindRefreshPermanentFailure
		}
		return nil, backoff.Permanent(&serrors.Error{
			Kind: kind, Provider: providerID, Code: pe.Code, Status: status,
			Description: "token response without access_token", Body: string(body),
		})
	}
	return tok, nil
}

func decodeTokenBody(contentType string, body []byte) (*domain.TokenResult, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/x-www-form-urlencoded" || mt == "text/plain" {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		tok := &domain.TokenResult{
			AccessToken:  vals.Get("access_token"),
			RefreshToken: vals.Get("refresh_token"),
			Scope:        vals.Get("scope"),
			TokenType:    vals.Get("token_type"),
		}
		tok.ExpiresIn = parseExpiresIn([]byte(vals.Get("expires_in")))
		return tok, nil
	}

	var raw tokenJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw.AccessToken == "" && raw.Data != nil {
		raw = *raw.Data
	}
	return &domain.TokenResult{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresIn:    parseExpiresIn(raw.ExpiresIn),
		Scope:        raw.Scope,
		TokenType:    raw.TokenType,
	}, nil
}

// parseExpiresIn accepts numbers and numeric strings; anything else means unknown.
func parseExpiresIn(raw []byte) *int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
