package errors

import "fmt"

// OAuth2Error is the wire shape of errors returned to API callers and
// appended to redirect URLs. It never carries raw provider bodies.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Standard OAuth2 error codes seen on provider responses.
const (
	InvalidRequest         = "invalid_request"
	UnauthorizedClient     = "unauthorized_client"
	AccessDenied           = "access_denied"
	InvalidScope           = "invalid_scope"
	InvalidClient          = "invalid_client"
	InvalidGrant           = "invalid_grant"
	InvalidToken           = "invalid_token"
	ServerError            = "server_error"
	TemporarilyUnavailable = "temporarily_unavailable"
)

func NewInvalidRequest(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidRequest,
		Description: description,
	}
}

func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        ServerError,
		Description: description,
	}
}

func NewUnauthorized(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        "unauthorized",
		Description: description,
	}
}

// ToOAuth2Error maps any error to its user-facing form. Errors outside the
// taxonomy become server_error without details.
func ToOAuth2Error(err error) *OAuth2Error {
	var e *Error
	if !As(err, &e) {
		return NewServerError("internal error")
	}
	out := &OAuth2Error{
		Code:        string(e.Kind),
		Description: e.Kind.reason(),
		Provider:    e.Provider,
	}
	if e.Kind == KindProviderDenied && e.Code != "" {
		out.Description = fmt.Sprintf("provider returned %s", e.Code)
	}
	return out
}
