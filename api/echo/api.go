//nolint:varnamelen
package echo

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
	"go.pilab.hu/oauthlink/internal/federation"
	"go.pilab.hu/oauthlink/middleware"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// IntegrationsAPI exposes the connect/callback flow and token maintenance over HTTP.
type IntegrationsAPI struct {
	service   *federation.Service
	refresher *federation.Refresher
	sweeper   *federation.Sweeper
	store     domain.ConnectedAccountRepository
	auth      *middleware.SessionAuth
	returnURL string
	checks    map[string]HealthCheck
}

// NewIntegrationsAPI wires the handlers. appReturnURL is where the browser is
// sent after the provider callback.
func NewIntegrationsAPI(
	service *federation.Service,
	refresher *federation.Refresher,
	sweeper *federation.Sweeper,
	store domain.ConnectedAccountRepository,
	auth *middleware.SessionAuth,
	appReturnURL string,
	checks map[string]HealthCheck,
) *IntegrationsAPI {
	return &IntegrationsAPI{
		service:   service,
		refresher: refresher,
		sweeper:   sweeper,
		store:     store,
		auth:      auth,
		returnURL: appReturnURL,
		checks:    checks,
	}
}

// RegisterRoutes registers the integration routes.
func (a *IntegrationsAPI) RegisterRoutes(e *echo.Echo) {
	session := a.auth.Middleware()

	e.GET("/api/oauth/:provider/connect", a.ConnectHandler, session)
	e.GET("/api/oauth/:provider/callback", a.CallbackHandler)

	g := e.Group("/api/integrations", session)
	g.GET("/providers", a.ProvidersHandler)
	g.POST("/refresh", a.RefreshHandler)
	g.GET("/status", a.StatusHandler)
	g.GET("/:provider/token", a.TokenHandler)

	e.GET("/healthz", a.HealthHandler)
}

// ConnectHandler redirects the browser to the provider authorize URL.
func (a *IntegrationsAPI) ConnectHandler(c echo.Context) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, serrors.NewUnauthorized("missing session"))
	}
	provider := c.Param("provider")

	res, err := a.service.AuthorizationURL(c.Request().Context(), federation.AuthorizeRequest{
		ProviderID:      provider,
		Scopes:          splitList(c.QueryParam("scopes")),
		Capabilities:    splitList(c.QueryParam("capabilities")),
		ConfigurationID: c.QueryParam("config_id"),
		CallerState:     c.QueryParam("state"),
		RedirectPath:    c.QueryParam("redirect_path"),
		WorkspaceID:     p.WorkspaceID,
		UserID:          p.UserID,
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Str("workspace_id", p.WorkspaceID).Msg("Failed to build authorization URL")
		oe, _ := toAPIError(err)
		return c.Redirect(http.StatusFound, a.returnWith(url.Values{
			"error":             {oe.Code},
			"error_description": {oe.Description},
		}))
	}
	return c.Redirect(http.StatusFound, res.URL)
}

// CallbackHandler completes the authorization code flow. The workspace and
// user come from the authenticated state, not from a session.
func (a *IntegrationsAPI) CallbackHandler(c echo.Context) error {
	provider := c.Param("provider")
	res, err := a.service.HandleCallback(c.Request().Context(), federation.CallbackRequest{
		ProviderID:       provider,
		Code:             c.QueryParam("code"),
		State:            c.QueryParam("state"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
	})
	if err != nil {
		oe := serrors.ToOAuth2Error(err)
		return c.Redirect(http.StatusFound, a.returnWith(url.Values{
			"error":             {oe.Code},
			"error_description": {oe.Description},
			"provider":          {provider},
		}))
	}

	q := url.Values{
		"success":  {res.ProviderID + "_connected"},
		"accounts": {strconv.Itoa(len(res.Accounts))},
	}
	if res.CallerState != "" {
		q.Set("state", res.CallerState)
	}
	if len(res.Capabilities) > 0 {
		q.Set("capabilities", strings.Join(res.Capabilities, ","))
	}
	return c.Redirect(http.StatusFound, a.returnWith(q))
}

// ProvidersHandler lists the configured providers without secrets.
func (a *IntegrationsAPI) ProvidersHandler(c echo.Context) error {
	reg := a.service.Registry()
	out := make([]domain.ProviderDescriptor, 0, len(reg.Providers()))
	for _, id := range reg.Providers() {
		d, err := reg.Describe(id)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return c.JSON(http.StatusOK, out)
}

// RefreshHandler runs a validation sweep over the caller's workspace.
// ?user=<id> narrows the sweep to one user's accounts.
func (a *IntegrationsAPI) RefreshHandler(c echo.Context) error {
	p, _ := middleware.PrincipalFrom(c)
	report, err := a.sweeper.Validate(c.Request().Context(), federation.SweepScope{
		WorkspaceID: p.WorkspaceID,
		UserID:      c.QueryParam("user"),
	})
	if err != nil {
		return a.jsonError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// StatusHandler reports account health without contacting providers.
func (a *IntegrationsAPI) StatusHandler(c echo.Context) error {
	p, _ := middleware.PrincipalFrom(c)
	report, err := a.sweeper.Status(c.Request().Context(), federation.SweepScope{
		WorkspaceID: p.WorkspaceID,
		UserID:      c.QueryParam("user"),
	})
	if err != nil {
		return a.jsonError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// TokenResponse is returned by TokenHandler.
type TokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AccountID   string     `json:"account_id"`
	Provider    string     `json:"provider"`
}

// TokenHandler returns an access token that stays valid for at least a few
// minutes, refreshing it first when needed.
func (a *IntegrationsAPI) TokenHandler(c echo.Context) error {
	p, _ := middleware.PrincipalFrom(c)
	ctx := c.Request().Context()
	provider := c.Param("provider")

	account, err := a.lookupAccount(ctx, p.WorkspaceID, provider, c.QueryParam("account_id"))
	if err != nil {
		return a.jsonError(c, err)
	}

	token, err := a.refresher.ValidAccessToken(ctx, account)
	if err != nil {
		return a.jsonError(c, err)
	}

	// re-read for the expiry written by a refresh
	if fresh, gerr := a.store.Get(ctx, account.ID); gerr == nil {
		account = fresh
	}
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		ExpiresAt:   account.ExpiresAt,
		AccountID:   account.ID,
		Provider:    account.ProviderID,
	})
}

var (
	errAccountNotInWorkspace = errors.New("account not found")
	errAmbiguousAccount      = errors.New("several accounts are connected, account_id is required")
)

// lookupAccount resolves the account by id, or picks the only connected
// account of provider in the workspace when no id is given.
func (a *IntegrationsAPI) lookupAccount(ctx context.Context, workspaceID, provider, accountID string) (*domain.ConnectedAccount, error) {
	if accountID != "" {
		acc, err := a.store.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if acc.WorkspaceID != workspaceID || acc.ProviderID != provider {
			return nil, errAccountNotInWorkspace
		}
		return acc, nil
	}

	accounts, err := a.store.Find(ctx, workspaceID, provider)
	if err != nil {
		return nil, err
	}
	var connected []*domain.ConnectedAccount
	for _, acc := range accounts {
		if acc.IsConnected {
			connected = append(connected, acc)
		}
	}
	switch len(connected) {
	case 0:
		return nil, errAccountNotInWorkspace
	case 1:
		return connected[0], nil
	default:
		return nil, errAmbiguousAccount
	}
}

// HealthHandler runs the configured dependency checks.
func (a *IntegrationsAPI) HealthHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	out := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			log.Error().Err(err).Str("check", name).Msg("Health check failed")
			out[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	return c.JSON(status, map[string]any{"status": http.StatusText(status), "checks": out})
}

func (a *IntegrationsAPI) jsonError(c echo.Context, err error) error {
	oe, status := toAPIError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return c.JSON(status, oe)
}

// toAPIError maps errors to the wire shape and an HTTP status. Messages of
// caller errors are passed through; everything else is reduced to its kind.
func toAPIError(err error) (*serrors.OAuth2Error, int) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, errAccountNotInWorkspace):
		return &serrors.OAuth2Error{Code: "not_found", Description: "account not found"}, http.StatusNotFound
	case errors.Is(err, federation.ErrMissingWorkspace),
		errors.Is(err, federation.ErrUnknownCapability),
		errors.Is(err, federation.ErrRedirectPathNotAllowed),
		errors.Is(err, federation.ErrConfigurationIDNotAllowed),
		errors.Is(err, federation.ErrEmptyScope),
		errors.Is(err, errAmbiguousAccount):
		return serrors.NewInvalidRequest(err.Error()), http.StatusBadRequest
	}

	oe := serrors.ToOAuth2Error(err)
	switch serrors.KindOf(err) {
	case serrors.KindUnknownProvider:
		return oe, http.StatusNotFound
	case serrors.KindNotRefreshable, serrors.KindRefreshPermanentFailure:
		return oe, http.StatusConflict
	case serrors.KindTransient:
		return oe, http.StatusServiceUnavailable
	case serrors.KindTokenExchangeFailed, serrors.KindProviderDenied:
		return oe, http.StatusBadGateway
	case serrors.KindInvalidState:
		return oe, http.StatusBadRequest
	}
	return oe, http.StatusInternalServerError
}

func (a *IntegrationsAPI) returnWith(q url.Values) string {
	u, err := url.Parse(a.returnURL)
	if err != nil {
		return a.returnURL
	}
	merged := u.Query()
	for k, vs := range q {
		merged[k] = vs
	}
	u.RawQuery = merged.Encode()
	return u.String()
}

// splitList accepts comma or space separated values.
func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}
