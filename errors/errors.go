package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies failures of the token lifecycle engine.
type Kind string

const (
	KindUnknownProvider         Kind = "unknown_provider"
	KindInvalidState            Kind = "invalid_state"
	KindProviderDenied          Kind = "provider_denied"
	KindTokenExchangeFailed     Kind = "token_exchange_failed"
	KindTransient               Kind = "transient_error"
	KindRefreshPermanentFailure Kind = "refresh_permanent_failure"
	KindNotRefreshable          Kind = "not_refreshable"
	KindMisconfigured           Kind = "misconfigured"
	KindStore                   Kind = "store_error"
)

func (k Kind) reason() string {
	switch k {
	case KindUnknownProvider:
		return "unknown provider"
	case KindInvalidState:
		return "the authorization request is invalid or has expired, please try again"
	case KindProviderDenied:
		return "the provider did not grant access"
	case KindTokenExchangeFailed:
		return "the provider rejected the authorization code"
	case KindTransient:
		return "the provider is temporarily unavailable"
	case KindRefreshPermanentFailure:
		return "the connection was revoked and needs reconnection"
	case KindNotRefreshable:
		return "the token cannot be refreshed"
	case KindMisconfigured:
		return "the provider is not configured correctly"
	default:
		return "internal error"
	}
}

// Sentinels for errors.Is checks against a Kind.
var (
	ErrUnknownProvider         = &Error{Kind: KindUnknownProvider}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrProviderDenied          = &Error{Kind: KindProviderDenied}
	ErrTokenExchangeFailed     = &Error{Kind: KindTokenExchangeFailed}
	ErrTransient               = &Error{Kind: KindTransient}
	ErrRefreshPermanentFailure = &Error{Kind: KindRefreshPermanentFailure}
	ErrNotRefreshable          = &Error{Kind: KindNotRefreshable}
	ErrMisconfigured           = &Error{Kind: KindMisconfigured}
	ErrStore                   = &Error{Kind: KindStore}
)

// Error is a classified engine error. Body keeps the raw provider response for
// diagnostics only and is never rendered by Error() or ToOAuth2Error.
type Error struct {
	Kind        Kind
	Provider    string
	Code        string
	Description string
	Status      int
	Body        string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, provider, description string) *Error {
	return &Error{Kind: kind, Provider: provider, Description: description}
}

// Wrap classifies err.
func Wrap(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// Wrapf classifies err with a formatted description.
func Wrapf(kind Kind, provider string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Description: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is worth retrying later.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// NeedsReconnect reports whether the user has to re-authorize the account.
func NeedsReconnect(err error) bool {
	return KindOf(err) == KindRefreshPermanentFailure
}

// As and Is re-export the standard helpers so callers need a single import.
func As(err error, target any) bool { return stderrors.As(err, target) }

func Is(err, target error) bool { return stderrors.Is(err, target) }
