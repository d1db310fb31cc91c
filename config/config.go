package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/internal/crypto"
	"go.pilab.hu/oauthlink/internal/federation"
)

// EnvPrefix is the prefix of every environment variable read by the service.
const EnvPrefix = "OAUTHLINK_"

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	StorageMongoDB = "mongodb"
	StorageSQLite  = "sqlite"

	NonceMemory = "memory"
	NonceRedis  = "redis"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ProviderOverride replaces fields of a built-in provider template, or
// describes a provider that has no template. Unset fields keep the template value.
type ProviderOverride struct {
	Enabled                   *bool             `mapstructure:"enabled"`
	DisplayName               string            `mapstructure:"display_name"`
	AuthorizeEndpoint         string            `mapstructure:"authorize_endpoint"`
	TokenEndpoint             string            `mapstructure:"token_endpoint"`
	ClientIDParam             string            `mapstructure:"client_id_param"`
	AuthStyle                 string            `mapstructure:"auth_style"`
	ScopeDelimiter            string            `mapstructure:"scope_delimiter"`
	Scopes                    []string          `mapstructure:"scopes"`
	ConfigurationID           string            `mapstructure:"configuration_id"`
	AlternateConfigurationIDs []string          `mapstructure:"alternate_configuration_ids"`
	PKCE                      *bool             `mapstructure:"pkce"`
	ClientAuth                string            `mapstructure:"client_auth"`
	RedirectPath              string            `mapstructure:"redirect_path"`
	AllowedRedirectPaths      []string          `mapstructure:"allowed_redirect_paths"`
	ExtraAuthParams           map[string]string `mapstructure:"extra_auth_params"`
	DefaultTokenLifetime      time.Duration     `mapstructure:"default_token_lifetime"`
}

// Config holds the non-secret server configuration.
type Config struct {
	HTTPAddr      string `mapstructure:"http_addr"`
	LogLevel      string `mapstructure:"log_level"`
	LogPretty     bool   `mapstructure:"log_pretty"`
	Environment   string `mapstructure:"environment"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	// AppReturnURL is where the browser lands after a callback, with success or error parameters.
	AppReturnURL string `mapstructure:"app_return_url"`

	StorageBackend string `mapstructure:"storage_backend"`
	MongoURI       string `mapstructure:"mongo_uri"`
	MongoDBName    string `mapstructure:"mongo_db_name"`
	SQLitePath     string `mapstructure:"sqlite_path"`

	NonceBackend string `mapstructure:"nonce_backend"`
	RedisAddr    string `mapstructure:"redis_addr"`

	StateTTL            time.Duration `mapstructure:"state_ttl"`
	RefreshLookahead    time.Duration `mapstructure:"refresh_lookahead"`
	ProviderHTTPTimeout time.Duration `mapstructure:"provider_http_timeout"`
	SweepConcurrency    int           `mapstructure:"sweep_concurrency"`

	OtelExporterEndpoint string `mapstructure:"otel_exporter_endpoint"`
	OtelServiceName      string `mapstructure:"otel_service_name"`

	Providers map[string]ProviderOverride `mapstructure:"providers"`

	Secrets Secrets `mapstructure:"-"`
}

// ClientCredentials are the OAuth client id and secret for one provider.
type ClientCredentials struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// Secrets are read from the environment only, never from the config file.
type Secrets struct {
	StateSecret        string `env:"STATE_SECRET"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`
	SessionJWTSecret   string `env:"SESSION_JWT_SECRET"`

	Clients map[string]ClientCredentials `env:"-"`
}

// LoadConfig reads configuration from file, environment variables and defaults.
// configFile may be empty, in which case oauthlink.yaml is searched for.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("oauthlink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/oauthlink/")
		v.AddConfigPath("$HOME/.oauthlink")
	}

	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("environment", EnvironmentDevelopment)
	v.SetDefault("public_base_url", "http://localhost:8080")
	v.SetDefault("app_return_url", "")
	v.SetDefault("storage_backend", StorageSQLite)
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_db_name", "oauthlink")
	v.SetDefault("sqlite_path", "oauthlink.db")
	v.SetDefault("nonce_backend", NonceMemory)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("state_ttl", federation.DefaultStateTTL)
	v.SetDefault("refresh_lookahead", federation.DefaultLookahead)
	v.SetDefault("provider_http_timeout", federation.DefaultHTTPTimeout)
	v.SetDefault("sweep_concurrency", federation.DefaultSweepConcurrency)
	v.SetDefault("otel_exporter_endpoint", "")
	v.SetDefault("otel_service_name", "oauthlink")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when it was not named explicitly.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if cfg.AppReturnURL == "" {
		cfg.AppReturnURL = strings.TrimSuffix(cfg.PublicBaseURL, "/") + "/integrations"
	}
	return &cfg, nil
}

// LoadSecrets reads secrets and per-provider client credentials from environ
// (as returned by os.Environ). Credentials are looked up for every built-in
// template and every provider named in the config.
func (c *Config) LoadSecrets(environ []string) error {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	var secrets Secrets
	if err := env.ParseWithOptions(&secrets, env.Options{Environment: vars, Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}

	secrets.Clients = make(map[string]ClientCredentials)
	for _, id := range c.providerIDs() {
		var creds ClientCredentials
		opts := env.Options{Environment: vars, Prefix: EnvPrefix + envName(id) + "_"}
		if err := env.ParseWithOptions(&creds, opts); err != nil {
			return fmt.Errorf("parse %s credentials: %w", id, err)
		}
		if creds.ClientID != "" || creds.ClientSecret != "" {
			secrets.Clients[id] = creds
		}
	}
	c.Secrets = secrets
	return nil
}

func envName(providerID string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(providerID))
}

func (c *Config) providerIDs() []string {
	ids := federation.TemplateIDs()
	for id := range c.Providers {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// IsProduction reports whether the service runs with production rules.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// Validate checks the configuration once at start. It must be called after LoadSecrets.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvironmentDevelopment, EnvironmentProduction:
	default:
		errs = append(errs, fmt.Errorf("environment must be %q or %q, got %q", EnvironmentDevelopment, EnvironmentProduction, c.Environment))
	}

	if err := c.validateBaseURL(); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(c.AppReturnURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("app_return_url must be an absolute URL, got %q", c.AppReturnURL))
	}

	switch c.StorageBackend {
	case StorageMongoDB:
		if c.MongoURI == "" || c.MongoDBName == "" {
			errs = append(errs, errors.New("mongodb storage needs mongo_uri and mongo_db_name"))
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite storage needs sqlite_path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage_backend %q", c.StorageBackend))
	}

	switch c.NonceBackend {
	case NonceMemory:
	case NonceRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis nonce backend needs redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown nonce_backend %q", c.NonceBackend))
	}

	if c.StateTTL <= 0 {
		errs = append(errs, errors.New("state_ttl must be positive"))
	}
	if c.RefreshLookahead <= 0 {
		errs = append(errs, errors.New("refresh_lookahead must be positive"))
	}
	if c.ProviderHTTPTimeout <= 0 {
		errs = append(errs, errors.New("provider_http_timeout must be positive"))
	}
	if c.SweepConcurrency <= 0 {
		errs = append(errs, errors.New("sweep_concurrency must be positive"))
	}

	if len(c.Secrets.StateSecret) < crypto.MinSecretLength {
		errs = append(errs, fmt.Errorf("%sSTATE_SECRET must be at least %d bytes", EnvPrefix, crypto.MinSecretLength))
	}
	if key := c.Secrets.TokenEncryptionKey; key != "" && len(key) < crypto.MinSecretLength {
		errs = append(errs, fmt.Errorf("%sTOKEN_ENCRYPTION_KEY must be at least %d bytes", EnvPrefix, crypto.MinSecretLength))
	}
	if c.IsProduction() && c.Secrets.TokenEncryptionKey == "" {
		errs = append(errs, fmt.Errorf("%sTOKEN_ENCRYPTION_KEY is required in production", EnvPrefix))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateBaseURL() error {
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("public_base_url must be an absolute http(s) URL, got %q", c.PublicBaseURL)
	}
	if !c.IsProduction() {
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("public_base_url must use https in production, got %q", c.PublicBaseURL)
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("public_base_url must not point at localhost in production, got %q", c.PublicBaseURL)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return fmt.Errorf("public_base_url must not point at a loopback address in production, got %q", c.PublicBaseURL)
	}
	return nil
}

// BuildDescriptors merges overrides and credentials onto the built-in
// templates. Providers without client credentials, or disabled explicitly,
// are left out.
func (c *Config) BuildDescriptors() ([]domain.ProviderDescriptor, error) {
	var descs []domain.ProviderDescriptor
	for _, id := range c.providerIDs() {
		override, hasOverride := c.Providers[id]
		if override.Enabled != nil && !*override.Enabled {
			continue
		}
		creds, ok := c.Secrets.Clients[id]
		if !ok {
			if hasOverride {
				log.Warn().Str("provider", id).Msg("Provider configured without client credentials, skipping")
			}
			continue
		}

		desc, ok := federation.Template(id)
		if !ok {
			desc = domain.ProviderDescriptor{ID: id, DisplayName: id, AuthStyle: domain.AuthStyleScopeList}
		}
		override.apply(&desc)
		desc.ClientID = creds.ClientID
		desc.ClientSecret = creds.ClientSecret
		descs = append(descs, desc)
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: no provider has client credentials", ErrInvalidConfig)
	}
	return descs, nil
}

func (o ProviderOverride) apply(d *domain.ProviderDescriptor) {
	if o.DisplayName != "" {
		d.DisplayName = o.DisplayName
	}
	if o.AuthorizeEndpoint != "" {
		d.AuthorizeEndpoint = o.AuthorizeEndpoint
	}
	if o.TokenEndpoint != "" {
		d.TokenEndpoint = o.TokenEndpoint
	}
	if o.ClientIDParam != "" {
		d.ClientIDParam = o.ClientIDParam
	}
	if o.AuthStyle != "" {
		d.AuthStyle = domain.AuthStyle(o.AuthStyle)
	}
	if o.ScopeDelimiter != "" {
		d.ScopeDelimiter = o.ScopeDelimiter
	}
	if o.Scopes != nil {
		d.DefaultScopes = slices.Clone(o.Scopes)
	}
	if o.ConfigurationID != "" {
		d.ConfigurationID = o.ConfigurationID
	}
	if o.AlternateConfigurationIDs != nil {
		d.AlternateConfigurationIDs = slices.Clone(o.AlternateConfigurationIDs)
	}
	if o.PKCE != nil {
		d.RequiresPKCE = *o.PKCE
	}
	if o.ClientAuth != "" {
		d.ClientAuth = domain.ClientAuthMethod(o.ClientAuth)
	}
	if o.RedirectPath != "" {
		d.RedirectPath = o.RedirectPath
	}
	if o.AllowedRedirectPaths != nil {
		d.AllowedRedirectPaths = slices.Clone(o.AllowedRedirectPaths)
	}
	for k, v := range o.ExtraAuthParams {
		if d.ExtraAuthParams == nil {
			d.ExtraAuthParams = make(map[string]string, len(o.ExtraAuthParams))
		}
		d.ExtraAuthParams[k] = v
	}
	if o.DefaultTokenLifetime > 0 {
		d.DefaultTokenLifetime = o.DefaultTokenLifetime
	}
}
