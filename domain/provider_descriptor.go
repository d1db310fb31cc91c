package domain

import (
	"slices"
	"strings"
	"time"
)

// AuthStyle selects how a provider expects the requested permissions on the authorize URL.
type AuthStyle string

const (
	// AuthStyleScopeList sends a delimited "scope" parameter.
	AuthStyleScopeList AuthStyle = "scope-list"
	// AuthStyleConfigurationID sends an opaque "config_id" selecting a pre-approved permission bundle.
	AuthStyleConfigurationID AuthStyle = "configuration-id"
)

// ClientAuthMethod controls where client credentials are placed on token endpoint calls.
type ClientAuthMethod string

const (
	ClientAuthHeader     ClientAuthMethod = "header"
	ClientAuthBody       ClientAuthMethod = "body"
	ClientAuthHeaderBody ClientAuthMethod = "header+body"
)

// DefaultRedirectPath is used when a descriptor does not configure its own callback path.
const DefaultRedirectPath = "/api/oauth/{provider}/callback"

// ProviderDescriptor is the static description of one OAuth provider dialect.
// Descriptors are built once at process start and never mutated afterwards.
type ProviderDescriptor struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`

	AuthorizeEndpoint string `json:"authorize_endpoint" yaml:"authorize_endpoint"`
	TokenEndpoint     string `json:"token_endpoint" yaml:"token_endpoint"`

	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"-" yaml:"-"` // write-only, see federation.Registry.Describe
	// ClientIDParam is the form/query name of the client id. TikTok uses "client_key".
	ClientIDParam string `json:"client_id_param,omitempty" yaml:"client_id_param,omitempty"`

	AuthStyle      AuthStyle `json:"auth_style" yaml:"auth_style"`
	ScopeDelimiter string    `json:"scope_delimiter" yaml:"scope_delimiter"`
	DefaultScopes  []string  `json:"default_scopes,omitempty" yaml:"default_scopes,omitempty"`
	// ConfigurationID is the currently authoritative configuration id for AuthStyleConfigurationID.
	ConfigurationID string `json:"configuration_id,omitempty" yaml:"configuration_id,omitempty"`
	// AlternateConfigurationIDs are other ids still accepted while a migration is in flight.
	AlternateConfigurationIDs []string `json:"alternate_configuration_ids,omitempty" yaml:"alternate_configuration_ids,omitempty"`

	RequiresPKCE        bool              `json:"requires_pkce" yaml:"requires_pkce"`
	ClientAuth          ClientAuthMethod  `json:"client_auth" yaml:"client_auth"`
	ExtraAuthParams     map[string]string `json:"extra_auth_params,omitempty" yaml:"extra_auth_params,omitempty"`
	SendScopeOnExchange bool              `json:"send_scope_on_exchange,omitempty" yaml:"send_scope_on_exchange,omitempty"`
	AppSecretProof      bool              `json:"app_secret_proof,omitempty" yaml:"app_secret_proof,omitempty"`

	RedirectPath         string   `json:"redirect_path" yaml:"redirect_path"`
	AllowedRedirectPaths []string `json:"allowed_redirect_paths,omitempty" yaml:"allowed_redirect_paths,omitempty"`

	// DefaultTokenLifetime is applied when a token response carries no expires_in.
	// Zero means such tokens are stored without an expiry.
	DefaultTokenLifetime time.Duration `json:"default_token_lifetime" yaml:"default_token_lifetime"`

	// Capabilities maps a product capability (e.g. "google-calendar") to the scopes that grant it.
	Capabilities map[string][]string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// ClientIDParamName returns the parameter name used for the client id.
func (d *ProviderDescriptor) ClientIDParamName() string {
	if d.ClientIDParam == "" {
		return "client_id"
	}
	return d.ClientIDParam
}

// Delimiter returns the scope delimiter, defaulting to a single space.
func (d *ProviderDescriptor) Delimiter() string {
	if d.ScopeDelimiter == "" {
		return " "
	}
	return d.ScopeDelimiter
}

// CallbackPath expands the {provider} placeholder of the configured redirect path.
func (d *ProviderDescriptor) CallbackPath() string {
	p := d.RedirectPath
	if p == "" {
		p = DefaultRedirectPath
	}
	return strings.ReplaceAll(p, "{provider}", d.ID)
}

// RedirectPathAllowed reports whether path may be used as a redirect path override.
func (d *ProviderDescriptor) RedirectPathAllowed(path string) bool {
	if path == "" || path == d.CallbackPath() {
		return true
	}
	for _, p := range d.AllowedRedirectPaths {
		if strings.ReplaceAll(p, "{provider}", d.ID) == path {
			return true
		}
	}
	return false
}

// ConfigurationIDAllowed reports whether id is the current or an alternate configuration id.
func (d *ProviderDescriptor) ConfigurationIDAllowed(id string) bool {
	if id == d.ConfigurationID {
		return true
	}
	for _, alt := range d.AlternateConfigurationIDs {
		if alt == id {
			return true
		}
	}
	return false
}

// CapabilitiesForScopes returns the capabilities fully covered by the granted scopes.
func (d *ProviderDescriptor) CapabilitiesForScopes(granted []string) []string {
	if len(d.Capabilities) == 0 || len(granted) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	var out []string
	for name, scopes := range d.Capabilities {
		covered := len(scopes) > 0
		for _, s := range scopes {
			if _, ok := have[s]; !ok {
				covered = false
				break
			}
		}
		if covered {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
