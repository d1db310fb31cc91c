package federation

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sort"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
)

// Registry holds the immutable provider descriptors loaded at process start.
type Registry struct {
	providers map[string]domain.ProviderDescriptor
}

// NewRegistry validates and registers descriptors. Any invalid descriptor fails
// the whole registry so misconfiguration is caught at startup.
func NewRegistry(descs ...domain.ProviderDescriptor) (*Registry, error) {
	r := &Registry{providers: make(map[string]domain.ProviderDescriptor, len(descs))}
	for _, d := range descs {
		if err := validateDescriptor(&d); err != nil {
			return nil, err
		}
		if _, dup := r.providers[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %q", ErrProviderMisconfigured, d.ID)
		}
		r.providers[d.ID] = d
	}
	return r, nil
}

func validateDescriptor(d *domain.ProviderDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty provider id", ErrProviderMisconfigured)
	}
	for name, v := range map[string]string{
		"authorize_endpoint": d.AuthorizeEndpoint,
		"token_endpoint":     d.TokenEndpoint,
	} {
		u, err := url.Parse(v)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s: invalid %s %q", ErrProviderMisconfigured, d.ID, name, v)
		}
	}
	if d.ClientID == "" || d.ClientSecret == "" {
		return fmt.Errorf("%w: %s: missing client credentials", ErrProviderMisconfigured, d.ID)
	}
	switch d.AuthStyle {
	case domain.AuthStyleScopeList:
	case domain.AuthStyleConfigurationID:
		if d.ConfigurationID == "" {
			return fmt.Errorf("%w: %s: configuration-id auth style without configuration id", ErrProviderMisconfigured, d.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown auth style %q", ErrProviderMisconfigured, d.ID, d.AuthStyle)
	}
	switch d.ClientAuth {
	case "":
		d.ClientAuth = domain.ClientAuthBody
	case domain.ClientAuthHeader, domain.ClientAuthBody, domain.ClientAuthHeaderBody:
	default:
		return fmt.Errorf("%w: %s: unknown client auth %q", ErrProviderMisconfigured, d.ID, d.ClientAuth)
	}
	if d.ScopeDelimiter != "" && d.ScopeDelimiter != " " && d.ScopeDelimiter != "," {
		return fmt.Errorf("%w: %s: unsupported scope delimiter %q", ErrProviderMisconfigured, d.ID, d.ScopeDelimiter)
	}
	return nil
}

// Describe returns the descriptor for id with the client secret removed.
func (r *Registry) Describe(id string) (domain.ProviderDescriptor, error) {
	d, ok := r.providers[id]
	if !ok {
		return domain.ProviderDescriptor{}, serrors.New(serrors.KindUnknownProvider, id, "provider is not registered")
	}
	return redact(d), nil
}

// Providers lists registered provider ids in sorted order.
func (r *Registry) Providers() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// credentials exposes the full descriptor to the token client only.
func (r *Registry) credentials(id string) (domain.ProviderDescriptor, error) {
	d, ok := r.providers[id]
	if !ok {
		return domain.ProviderDescriptor{}, serrors.New(serrors.KindUnknownProvider, id, "provider is not registered")
	}
	return d, nil
}

func redact(d domain.ProviderDescriptor) domain.ProviderDescriptor {
	d.ClientSecret = ""
	d.DefaultScopes = slices.Clone(d.DefaultScopes)
	d.AlternateConfigurationIDs = slices.Clone(d.AlternateConfigurationIDs)
	d.AllowedRedirectPaths = slices.Clone(d.AllowedRedirectPaths)
	d.ExtraAuthParams = maps.Clone(d.ExtraAuthParams)
	if d.Capabilities != nil {
		caps := make(map[string][]string, len(d.Capabilities))
		for k, v := range d.Capabilities {
			caps[k] = slices.Clone(v)
		}
		d.Capabilities = caps
	}
	return d
}
