package federation

import "errors"

var (
	ErrProviderMisconfigured     = errors.New("provider is misconfigured")
	ErrRedirectPathNotAllowed    = errors.New("redirect path override is not allowed for provider")
	ErrConfigurationIDNotAllowed = errors.New("configuration id is not accepted for provider")
	ErrFetchAccountFailed        = errors.New("failed to fetch account info from provider")
	ErrNoAccounts                = errors.New("provider returned no connectable accounts")
)
