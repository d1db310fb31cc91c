package federation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
	"go.pilab.hu/oauthlink/internal/audit"
	"go.pilab.hu/oauthlink/internal/metrics"
	oauthlog "go.pilab.hu/oauthlink/log"
)

const (
	// DefaultLookahead refreshes tokens with less than a day of validity left.
	DefaultLookahead = 24 * time.Hour
	// validTokenMargin is the minimum remaining lifetime ValidAccessToken hands out.
	validTokenMargin = 5 * time.Minute
)

// RefreshStatus is the outcome of a refresh decision for one account.
type RefreshStatus string

const (
	RefreshStatusRefreshed      RefreshStatus = "refreshed"
	RefreshStatusCurrent        RefreshStatus = "current"
	RefreshStatusNotRefreshable RefreshStatus = "not_refreshable"
	RefreshStatusDisconnected   RefreshStatus = "disconnected"
)

// RefreshOutcome reports what Refresh did. Account is the latest known state.
type RefreshOutcome struct {
	Account *domain.ConnectedAccount
	Status  RefreshStatus
}

// Refresher renews access tokens that are close to expiry.
type Refresher struct {
	registry  *Registry
	store     domain.ConnectedAccountRepository
	tokens    *TokenClient
	lookahead time.Duration
	now       func() time.Time
	inflight  singleflight.Group
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithLookahead sets how close to expiry a token must be to get refreshed.
func WithLookahead(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.lookahead = d
		}
	}
}

// WithRefresherClock overrides time.Now.
func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

func NewRefresher(registry *Registry, store domain.ConnectedAccountRepository, tokens *TokenClient, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		registry:  registry,
		store:     store,
		tokens:    tokens,
		lookahead: DefaultLookahead,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookahead returns the configured refresh window.
func (r *Refresher) Lookahead() time.Duration { return r.lookahead }

// Classify decides what Refresh would do for account without calling the provider.
func (r *Refresher) Classify(account *domain.ConnectedAccount) RefreshStatus {
	switch {
	case !account.IsConnected:
		return RefreshStatusDisconnected
	case !account.Refreshable():
		return RefreshStatusNotRefreshable
	case !account.ExpiresWithin(r.now(), r.lookahead):
		return RefreshStatusCurrent
	default:
		return RefreshStatusRefreshed
	}
}

// Refresh renews account when its token expires within the lookahead window.
// Disconnected accounts are never attempted; a permanent provider rejection
// marks the account disconnected and returns RefreshPermanentFailure.
func (r *Refresher) Refresh(ctx context.Context, account *domain.ConnectedAccount) (*RefreshOutcome, error) {
	status := r.Classify(account)
	if status != RefreshStatusRefreshed {
		metrics.TokenRefreshesTotal.WithLabelValues(account.ProviderID, metrics.ResultSkipped).Inc()
		return &RefreshOutcome{Account: account, Status: status}, nil
	}
	return r.refreshShared(ctx, account)
}

// ValidAccessToken returns a token usable for at least a few minutes,
// refreshing it first when needed.
func (r *Refresher) ValidAccessToken(ctx context.Context, account *domain.ConnectedAccount) (string, error) {
	if !account.IsConnected {
		return "", serrors.New(serrors.KindRefreshPermanentFailure, account.ProviderID, "account is disconnected")
	}
	if !account.ExpiresWithin(r.now(), validTokenMargin) {
		return account.AccessToken, nil
	}
	if !account.Refreshable() {
		if account.ExpiresAt.After(r.now()) {
			return account.AccessToken, nil
		}
		return "", serrors.New(serrors.KindNotRefreshable, account.ProviderID, "token expired and cannot be refreshed")
	}
	out, err := r.refreshShared(ctx, account)
	if err != nil {
		return "", err
	}
	return out.Account.AccessToken, nil
}

// refreshShared collapses concurrent refreshes of the same account in this
// process into one provider call.
func (r *Refresher) refreshShared(ctx context.Context, account *domain.ConnectedAccount) (*RefreshOutcome, error) {
	key := account.ID
	if key == "" {
		key = account.WorkspaceID + "/" + account.ProviderID + "/" + account.ExternalAccountID
	}
	v, err, _ := r.inflight.Do(key, func() (any, error) {
		return r.refresh(ctx, account)
	})
	out, _ := v.(*RefreshOutcome)
	return out, err
}

func (r *Refresher) refresh(ctx context.Context, account *domain.ConnectedAccount) (*RefreshOutcome, error) {
	ctx, span := tracer.Start(ctx, "federation.Refresher.Refresh")
	defer span.End()
	span.SetAttributes(attribute.String("provider", account.ProviderID), attribute.String("account_id", account.ID))

	desc, err := r.registry.Describe(account.ProviderID)
	if err != nil {
		return nil, err
	}

	tok, err := r.tokens.Refresh(ctx, desc.ID, account.RefreshToken)
	if err != nil {
		span.RecordError(err)
		metrics.TokenRefreshesTotal.WithLabelValues(desc.ID, string(serrors.KindOf(err))).Inc()
		if !serrors.NeedsReconnect(err) {
			log.Warn().Err(err).Str("provider", desc.ID).Str("account_id", account.ID).Msg("Token refresh failed")
			return nil, err
		}
		if merr := r.store.MarkDisconnected(ctx, account.ID); merr != nil {
			log.Error().Err(merr).Str("account_id", account.ID).Msg("Failed to mark account disconnected")
			return nil, serrors.Wrapf(serrors.KindStore, desc.ID, merr, "failed to mark account disconnected")
		}
		metrics.AccountsDisconnectedTotal.WithLabelValues(desc.ID).Inc()
		audit.Log(ctx, audit.Event{
			Action:      audit.ActionDisconnect,
			Provider:    desc.ID,
			WorkspaceID: account.WorkspaceID,
			UserID:      account.UserID,
			AccountID:   account.ID,
			Details:     "refresh token rejected",
			Success:     true,
			Error:       string(serrors.KindOf(err)),
		})
		log.Warn().Str("provider", desc.ID).Str("account_id", account.ID).Msg("Refresh token rejected, account needs reconnection")

		disconnected := *account
		disconnected.IsConnected = false
		return &RefreshOutcome{Account: &disconnected, Status: RefreshStatusDisconnected}, err
	}

	updated := *account
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if granted := splitScopes(tok.Scope); len(granted) > 0 {
		updated.Scopes = granted
	}
	updated.ExpiresAt = tok.ExpiresAt(r.now().UTC(), desc.DefaultTokenLifetime)

	stored, err := r.store.Upsert(ctx, &updated)
	if err != nil {
		return nil, serrors.Wrapf(serrors.KindStore, desc.ID, err, "failed to store refreshed token")
	}
	metrics.TokenRefreshesTotal.WithLabelValues(desc.ID, metrics.ResultSuccess).Inc()
	log.Debug().Str("provider", desc.ID).Str("account_id", account.ID).
		Str("token_fp", oauthlog.Fingerprint(stored.AccessToken)).
		Bool("rotated", updated.RefreshToken != account.RefreshToken).
		Msg("Refreshed access token")
	return &RefreshOutcome{Account: stored, Status: RefreshStatusRefreshed}, nil
}
