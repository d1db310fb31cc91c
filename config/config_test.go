package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/oauthlink/config"
	"go.pilab.hu/oauthlink/domain"
)

var stateSecret = strings.Repeat("s", 32)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oauthlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.EnvironmentDevelopment, cfg.Environment)
	assert.Equal(t, config.StorageSQLite, cfg.StorageBackend)
	assert.Equal(t, config.NonceMemory, cfg.NonceBackend)
	assert.Equal(t, 10*time.Minute, cfg.StateTTL)
	assert.Equal(t, 24*time.Hour, cfg.RefreshLookahead)
	assert.Equal(t, 12*time.Second, cfg.ProviderHTTPTimeout)
	assert.Equal(t, "http://localhost:8080/integrations", cfg.AppReturnURL)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
public_base_url: https://app.example.com
storage_backend: mongodb
state_ttl: 5m
providers:
  facebook:
    configuration_id: cfg-123
    alternate_configuration_ids: [cfg-old]
  twitter:
    pkce: false
    allowed_redirect_paths: ["/dev/oauth/{provider}/callback"]
`)
	t.Setenv("OAUTHLINK_MONGO_DB_NAME", "from_env")
	t.Setenv("OAUTHLINK_REFRESH_LOOKAHEAD", "2h")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com", cfg.PublicBaseURL)
	assert.Equal(t, config.StorageMongoDB, cfg.StorageBackend)
	assert.Equal(t, "from_env", cfg.MongoDBName)
	assert.Equal(t, 5*time.Minute, cfg.StateTTL)
	assert.Equal(t, 2*time.Hour, cfg.RefreshLookahead)
	require.Contains(t, cfg.Providers, "facebook")
	assert.Equal(t, "cfg-123", cfg.Providers["facebook"].ConfigurationID)
	require.NotNil(t, cfg.Providers["twitter"].PKCE)
	assert.False(t, *cfg.Providers["twitter"].PKCE)
}

func TestLoadConfig_ExplicitFileMissing(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadSecrets(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderOverride{"acme-crm": {}}}
	err := cfg.LoadSecrets([]string{
		"OAUTHLINK_STATE_SECRET=" + stateSecret,
		"OAUTHLINK_TOKEN_ENCRYPTION_KEY=" + strings.Repeat("k", 40),
		"OAUTHLINK_GOOGLE_CLIENT_ID=gid",
		"OAUTHLINK_GOOGLE_CLIENT_SECRET=gsecret=with=equals",
		"OAUTHLINK_ACME_CRM_CLIENT_ID=acme",
		"OAUTHLINK_ACME_CRM_CLIENT_SECRET=acme-secret",
		"GOOGLE_CLIENT_ID=ignored",
		"MALFORMED",
	})
	require.NoError(t, err)

	assert.Equal(t, stateSecret, cfg.Secrets.StateSecret)
	assert.Len(t, cfg.Secrets.TokenEncryptionKey, 40)
	assert.Empty(t, cfg.Secrets.SessionJWTSecret)
	assert.Equal(t, config.ClientCredentials{ClientID: "gid", ClientSecret: "gsecret=with=equals"}, cfg.Secrets.Clients["google"])
	assert.Equal(t, "acme", cfg.Secrets.Clients["acme-crm"].ClientID)
	assert.NotContains(t, cfg.Secrets.Clients, "twitter")
}

func validConfig() *config.Config {
	return &config.Config{
		Environment:         config.EnvironmentDevelopment,
		PublicBaseURL:       "http://localhost:8080",
		AppReturnURL:        "http://localhost:3000/integrations",
		StorageBackend:      config.StorageSQLite,
		SQLitePath:          "oauthlink.db",
		NonceBackend:        config.NonceMemory,
		StateTTL:            10 * time.Minute,
		RefreshLookahead:    24 * time.Hour,
		ProviderHTTPTimeout: 12 * time.Second,
		SweepConcurrency:    4,
		Secrets:             config.Secrets{StateSecret: stateSecret},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "development allows localhost", mutate: func(c *config.Config) {}},
		{
			name:    "relative base url",
			mutate:  func(c *config.Config) { c.PublicBaseURL = "/app" },
			wantErr: "public_base_url must be an absolute http(s) URL",
		},
		{
			name:    "non http scheme",
			mutate:  func(c *config.Config) { c.PublicBaseURL = "ftp://example.com" },
			wantErr: "public_base_url must be an absolute http(s) URL",
		},
		{
			name: "production rejects http",
			mutate: func(c *config.Config) {
				c.Environment = config.EnvironmentProduction
				c.PublicBaseURL = "http://app.example.com"
				c.Secrets.TokenEncryptionKey = stateSecret
			},
			wantErr: "must use https in production",
		},
		{
			name: "production rejects localhost",
			mutate: func(c *config.Config) {
				c.Environment = config.EnvironmentProduction
				c.PublicBaseURL = "https://localhost"
				c.Secrets.TokenEncryptionKey = stateSecret
			},
			wantErr: "must not point at localhost",
		},
		{
			name: "production rejects loopback ip",
			mutate: func(c *config.Config) {
				c.Environment = config.EnvironmentProduction
				c.PublicBaseURL = "https://127.0.0.1:8443"
				c.Secrets.TokenEncryptionKey = stateSecret
			},
			wantErr: "loopback",
		},
		{
			name: "production requires encryption key",
			mutate: func(c *config.Config) {
				c.Environment = config.EnvironmentProduction
				c.PublicBaseURL = "https://app.example.com"
			},
			wantErr: "TOKEN_ENCRYPTION_KEY is required in production",
		},
		{
			name:    "short state secret",
			mutate:  func(c *config.Config) { c.Secrets.StateSecret = "short" },
			wantErr: "STATE_SECRET must be at least 32 bytes",
		},
		{
			name:    "unknown storage",
			mutate:  func(c *config.Config) { c.StorageBackend = "postgres" },
			wantErr: `unknown storage_backend "postgres"`,
		},
		{
			name:    "redis without address",
			mutate:  func(c *config.Config) { c.NonceBackend = config.NonceRedis },
			wantErr: "redis nonce backend needs redis_addr",
		},
		{
			name:    "zero lookahead",
			mutate:  func(c *config.Config) { c.RefreshLookahead = 0 },
			wantErr: "refresh_lookahead must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildDescriptors(t *testing.T) {
	disabled := false
	noPKCE := false
	cfg := validConfig()
	cfg.Providers = map[string]config.ProviderOverride{
		"facebook": {ConfigurationID: "cfg-123", AlternateConfigurationIDs: []string{"cfg-old"}},
		"twitter":  {PKCE: &noPKCE, ExtraAuthParams: map[string]string{"force_login": "true"}},
		"linkedin": {Enabled: &disabled},
		"acme": {
			AuthorizeEndpoint: "https://acme.example.com/authorize",
			TokenEndpoint:     "https://acme.example.com/token",
			Scopes:            []string{"read"},
		},
	}
	cfg.Secrets.Clients = map[string]config.ClientCredentials{
		"facebook": {ClientID: "fb", ClientSecret: "fb-secret"},
		"twitter":  {ClientID: "tw", ClientSecret: "tw-secret"},
		"linkedin": {ClientID: "li", ClientSecret: "li-secret"},
		"acme":     {ClientID: "acme", ClientSecret: "acme-secret"},
	}

	descs, err := cfg.BuildDescriptors()
	require.NoError(t, err)

	byID := map[string]domain.ProviderDescriptor{}
	for _, d := range descs {
		byID[d.ID] = d
	}
	assert.NotContains(t, byID, "linkedin", "disabled provider")
	assert.NotContains(t, byID, "google", "no credentials")

	fb := byID["facebook"]
	assert.Equal(t, domain.AuthStyleConfigurationID, fb.AuthStyle)
	assert.Equal(t, "cfg-123", fb.ConfigurationID)
	assert.Equal(t, []string{"cfg-old"}, fb.AlternateConfigurationIDs)
	assert.Equal(t, "fb-secret", fb.ClientSecret)

	tw := byID["twitter"]
	assert.False(t, tw.RequiresPKCE)
	assert.Equal(t, "true", tw.ExtraAuthParams["force_login"])
	assert.Equal(t, domain.ClientAuthHeaderBody, tw.ClientAuth)

	acme := byID["acme"]
	assert.Equal(t, domain.AuthStyleScopeList, acme.AuthStyle)
	assert.Equal(t, []string{"read"}, acme.DefaultScopes)
	assert.Equal(t, "https://acme.example.com/token", acme.TokenEndpoint)
}

func TestBuildDescriptors_NoCredentials(t *testing.T) {
	_, err := validConfig().BuildDescriptors()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBuildDescriptors_OverrideDoesNotLeakIntoTemplates(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = map[string]config.ProviderOverride{
		"google": {ExtraAuthParams: map[string]string{"hd": "example.com"}},
	}
	cfg.Secrets.Clients = map[string]config.ClientCredentials{"google": {ClientID: "g", ClientSecret: "s"}}

	_, err := cfg.BuildDescriptors()
	require.NoError(t, err)

	cfg.Providers = nil
	descs, err := cfg.BuildDescriptors()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.NotContains(t, descs[0].ExtraAuthParams, "hd")
}
