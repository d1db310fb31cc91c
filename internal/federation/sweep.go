package federation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
	"go.pilab.hu/oauthlink/internal/metrics"
)

// DefaultSweepConcurrency bounds parallel provider calls during a sweep.
const DefaultSweepConcurrency = 4

var ErrEmptyScope = errors.New("sweep scope needs a workspace or user id")

// Account health values reported in ServiceStatus.Status.
const (
	HealthRefreshed      = "refreshed"
	HealthCurrent        = "current"
	HealthExpiring       = "expiring"
	HealthNotRefreshable = "not_refreshable"
)

// SweepScope selects the accounts of a sweep. When both are set the
// workspace accounts are filtered to the user.
type SweepScope struct {
	WorkspaceID string
	UserID      string
}

// ServiceStatus is a healthy account in a sweep report.
type ServiceStatus struct {
	ProviderID   string     `json:"provider" yaml:"provider"`
	AccountID    string     `json:"account_id" yaml:"account_id"`
	ExternalID   string     `json:"external_account_id" yaml:"external_account_id"`
	AccountName  string     `json:"account_name,omitempty" yaml:"account_name,omitempty"`
	Status       string     `json:"status" yaml:"status"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// SweepError is a failed account in a sweep report.
type SweepError struct {
	ProviderID     string `json:"provider" yaml:"provider"`
	AccountID      string `json:"account_id" yaml:"account_id"`
	AccountName    string `json:"account_name,omitempty" yaml:"account_name,omitempty"`
	Code           string `json:"code" yaml:"code"`
	Message        string `json:"message" yaml:"message"`
	NeedsReconnect bool   `json:"needs_reconnect" yaml:"needs_reconnect"`
	Retryable      bool   `json:"retryable" yaml:"retryable"`
}

// Report aggregates a sweep. One failing account never hides the others.
type Report struct {
	Services  []ServiceStatus `json:"services" yaml:"services"`
	Errors    []SweepError    `json:"errors" yaml:"errors"`
	CheckedAt time.Time       `json:"checked_at" yaml:"checked_at"`
}

// Sweeper validates every connected account of a workspace or user.
type Sweeper struct {
	registry    *Registry
	store       domain.ConnectedAccountRepository
	refresher   *Refresher
	concurrency int
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithConcurrency bounds how many accounts are refreshed in parallel.
func WithConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewSweeper(registry *Registry, store domain.ConnectedAccountRepository, refresher *Refresher, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		registry:    registry,
		store:       store,
		refresher:   refresher,
		concurrency: DefaultSweepConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate refreshes every account in scope that is due and reports the result.
func (s *Sweeper) Validate(ctx context.Context, scope SweepScope) (*Report, error) {
	ctx, span := tracer.Start(ctx, "federation.Sweeper.Validate")
	defer span.End()
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("validate").Observe(time.Since(start).Seconds()) }()
	metrics.SweepsTotal.WithLabelValues("validate").Inc()

	accounts, err := s.accounts(ctx, scope)
	if err != nil {
		return nil, err
	}

	type result struct {
		service *ServiceStatus
		err     *SweepError
	}
	results := make([]result, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, acc := range accounts {
		g.Go(func() error {
			out, err := s.refresher.Refresh(gctx, acc)
			switch {
			case err != nil:
				results[i].err = sweepError(acc, err)
			case out.Status == RefreshStatusDisconnected:
				results[i].err = disconnectedError(acc)
			default:
				results[i].service = s.serviceStatus(out.Account, string(out.Status))
			}
			// per-account failures are reported, never propagated
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Services: []ServiceStatus{}, Errors: []SweepError{}, CheckedAt: time.Now().UTC()}
	for _, r := range results {
		if r.err != nil {
			report.Errors = append(report.Errors, *r.err)
		} else if r.service != nil {
			report.Services = append(report.Services, *r.service)
		}
	}
	log.Info().Str("workspace_id", scope.WorkspaceID).Str("user_id", scope.UserID).
		Int("services", len(report.Services)).Int("errors", len(report.Errors)).
		Msg("Validation sweep finished")
	return report, nil
}

// Status reports account health without calling providers or writing to the store.
func (s *Sweeper) Status(ctx context.Context, scope SweepScope) (*Report, error) {
	ctx, span := tracer.Start(ctx, "federation.Sweeper.Status")
	defer span.End()
	metrics.SweepsTotal.WithLabelValues("status").Inc()

	accounts, err := s.accounts(ctx, scope)
	if err != nil {
		return nil, err
	}
	now := s.refresher.now()
	report := &Report{Services: []ServiceStatus{}, Errors: []SweepError{}, CheckedAt: now.UTC()}
	for _, acc := range accounts {
		switch s.refresher.Classify(acc) {
		case RefreshStatusDisconnected:
			report.Errors = append(report.Errors, *disconnectedError(acc))
		case RefreshStatusNotRefreshable:
			if acc.ExpiresAt != nil && !acc.ExpiresAt.After(now) {
				report.Errors = append(report.Errors, SweepError{
					ProviderID:     acc.ProviderID,
					AccountID:      acc.ID,
					AccountName:    acc.ExternalAccountName,
					Code:           "token_expired",
					Message:        "the token expired and cannot be refreshed, please reconnect",
					NeedsReconnect: true,
				})
				continue
			}
			report.Services = append(report.Services, *s.serviceStatus(acc, HealthNotRefreshable))
		case RefreshStatusRefreshed:
			report.Services = append(report.Services, *s.serviceStatus(acc, HealthExpiring))
		default:
			report.Services = append(report.Services, *s.serviceStatus(acc, HealthCurrent))
		}
	}
	return report, nil
}

func (s *Sweeper) accounts(ctx context.Context, scope SweepScope) ([]*domain.ConnectedAccount, error) {
	var (
		accounts []*domain.ConnectedAccount
		err      error
	)
	switch {
	case scope.WorkspaceID != "":
		accounts, err = s.store.Find(ctx, scope.WorkspaceID, "")
	case scope.UserID != "":
		accounts, err = s.store.FindByUser(ctx, scope.UserID)
	default:
		return nil, ErrEmptyScope
	}
	if err != nil {
		return nil, serrors.Wrapf(serrors.KindStore, "", err, "failed to list connected accounts")
	}
	if scope.WorkspaceID != "" && scope.UserID != "" {
		filtered := accounts[:0]
		for _, a := range accounts {
			if a.UserID == scope.UserID {
				filtered = append(filtered, a)
			}
		}
		accounts = filtered
	}
	return accounts, nil
}

func (s *Sweeper) serviceStatus(acc *domain.ConnectedAccount, status string) *ServiceStatus {
	st := &ServiceStatus{
		ProviderID:  acc.ProviderID,
		AccountID:   acc.ID,
		ExternalID:  acc.ExternalAccountID,
		AccountName: acc.ExternalAccountName,
		Status:      status,
		ExpiresAt:   acc.ExpiresAt,
	}
	if desc, err := s.registry.Describe(acc.ProviderID); err == nil {
		st.Capabilities = desc.CapabilitiesForScopes(acc.Scopes)
	}
	return st
}

func sweepError(acc *domain.ConnectedAccount, err error) *SweepError {
	code := string(serrors.KindOf(err))
	if code == "" {
		code = serrors.ServerError
	}
	return &SweepError{
		ProviderID:     acc.ProviderID,
		AccountID:      acc.ID,
		AccountName:    acc.ExternalAccountName,
		Code:           code,
		Message:        serrors.ToOAuth2Error(err).Description,
		NeedsReconnect: serrors.NeedsReconnect(err),
		Retryable:      serrors.Retryable(err),
	}
}

func disconnectedError(acc *domain.ConnectedAccount) *SweepError {
	return &SweepError{
		ProviderID:     acc.ProviderID,
		AccountID:      acc.ID,
		AccountName:    acc.ExternalAccountName,
		Code:           string(serrors.KindRefreshPermanentFailure),
		Message:        "the connection was revoked and needs reconnection",
		NeedsReconnect: true,
	}
}
