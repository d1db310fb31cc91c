package domain

import "time"

// AuthRequestState travels inside the encoded OAuth "state" parameter between
// building the authorize URL and handling the callback.
type AuthRequestState struct {
	CSRFNonce    string    `json:"n"`
	CallerState  string    `json:"cs,omitempty"`
	CodeVerifier string    `json:"cv,omitempty"`
	ProviderID   string    `json:"p"`
	RedirectPath string    `json:"rp,omitempty"`
	WorkspaceID  string    `json:"w,omitempty"`
	UserID       string    `json:"u,omitempty"`
	Scopes       []string  `json:"s,omitempty"`
	IssuedAt     time.Time `json:"iat"`
}
