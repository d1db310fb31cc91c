package federation

import (
	"maps"
	"slices"
	"time"

	"go.pilab.hu/oauthlink/domain"
	googleOAuth2 "golang.org/x/oauth2/google"
	linkedinOAuth2 "golang.org/x/oauth2/linkedin"
)

// Graph API version used for Meta providers.
const metaGraphVersion = "v23.0"

const (
	metaDialogEndpoint = "https://www.facebook.com/" + metaGraphVersion + "/dialog/oauth"
	metaTokenEndpoint  = "https://graph.facebook.com/" + metaGraphVersion + "/oauth/access_token"
)

const (
	googleScopeGmail      = "https://www.googleapis.com/auth/gmail.readonly"
	googleScopeGmailSend  = "https://www.googleapis.com/auth/gmail.send"
	googleScopeAnalytics  = "https://www.googleapis.com/auth/analytics.readonly"
	googleScopeSearch     = "https://www.googleapis.com/auth/webmasters.readonly"
	googleScopeCalendar   = "https://www.googleapis.com/auth/calendar"
	googleScopeDrive      = "https://www.googleapis.com/auth/drive.file"
	googleScopeYouTube    = "https://www.googleapis.com/auth/youtube.readonly"
	googleScopeEmail      = "https://www.googleapis.com/auth/userinfo.email"
	googleScopeProfile    = "https://www.googleapis.com/auth/userinfo.profile"
	googleAuthorizeV2     = "https://accounts.google.com/o/oauth2/v2/auth"
	tiktokAuthorize       = "https://www.tiktok.com/v2/auth/authorize/"
	tiktokToken           = "https://open.tiktokapis.com/v2/oauth/token/"
	twitterAuthorize      = "https://twitter.com/i/oauth2/authorize"
	twitterToken          = "https://api.twitter.com/2/oauth2/token"
	fortnoxAuthorize      = "https://apps.fortnox.se/oauth-v1/auth"
	fortnoxToken          = "https://apps.fortnox.se/oauth-v1/token"
	metaLongLivedLifetime = 60 * 24 * time.Hour
)

// templates are the built-in dialects. Configuration supplies credentials and
// may override any field.
var templates = map[string]domain.ProviderDescriptor{
	"google": {
		ID:                "google",
		DisplayName:       "Google",
		AuthorizeEndpoint: googleAuthorizeV2,
		TokenEndpoint:     googleOAuth2.Endpoint.TokenURL,
		AuthStyle:         domain.AuthStyleScopeList,
		ScopeDelimiter:    " ",
		DefaultScopes:     []string{"openid", googleScopeEmail, googleScopeProfile},
		ClientAuth:        domain.ClientAuthBody,
		ExtraAuthParams: map[string]string{
			"access_type":            "offline",
			"prompt":                 "consent",
			"include_granted_scopes": "true",
		},
		Capabilities: map[string][]string{
			"google-gmail":         {googleScopeGmail, googleScopeGmailSend},
			"google-analytics":     {googleScopeAnalytics},
			"google-searchconsole": {googleScopeSearch},
			"google-calendar":      {googleScopeCalendar},
			"google-drive":         {googleScopeDrive},
			"youtube":              {googleScopeYouTube},
		},
	},
	"facebook": {
		ID:                   "facebook",
		DisplayName:          "Facebook",
		AuthorizeEndpoint:    metaDialogEndpoint,
		TokenEndpoint:        metaTokenEndpoint,
		AuthStyle:            domain.AuthStyleConfigurationID,
		ScopeDelimiter:       ",",
		ClientAuth:           domain.ClientAuthBody,
		AppSecretProof:       true,
		DefaultTokenLifetime: metaLongLivedLifetime,
	},
	"instagram": {
		ID:                   "instagram",
		DisplayName:          "Instagram Business",
		AuthorizeEndpoint:    metaDialogEndpoint,
		TokenEndpoint:        metaTokenEndpoint,
		AuthStyle:            domain.AuthStyleScopeList,
		ScopeDelimiter:       ",",
		DefaultScopes:        []string{"instagram_basic", "instagram_content_publish", "pages_show_list", "pages_read_engagement", "business_management"},
		ClientAuth:           domain.ClientAuthBody,
		AppSecretProof:       true,
		DefaultTokenLifetime: metaLongLivedLifetime,
	},
	"threads": {
		ID:                   "threads",
		DisplayName:          "Threads",
		AuthorizeEndpoint:    metaDialogEndpoint,
		TokenEndpoint:        metaTokenEndpoint,
		AuthStyle:            domain.AuthStyleScopeList,
		ScopeDelimiter:       ",",
		DefaultScopes:        []string{"threads_basic", "threads_content_publish"},
		ClientAuth:           domain.ClientAuthBody,
		DefaultTokenLifetime: metaLongLivedLifetime,
	},
	"tiktok": {
		ID:                "tiktok",
		DisplayName:       "TikTok",
		AuthorizeEndpoint: tiktokAuthorize,
		TokenEndpoint:     tiktokToken,
		ClientIDParam:     "client_key",
		AuthStyle:         domain.AuthStyleScopeList,
		ScopeDelimiter:    ",",
		DefaultScopes:     []string{"user.info.basic", "user.info.profile", "video.list", "video.publish"},
		RequiresPKCE:      true,
		ClientAuth:        domain.ClientAuthBody,
	},
	"twitter": {
		ID:                "twitter",
		DisplayName:       "X",
		AuthorizeEndpoint: twitterAuthorize,
		TokenEndpoint:     twitterToken,
		AuthStyle:         domain.AuthStyleScopeList,
		ScopeDelimiter:    " ",
		DefaultScopes:     []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
		RequiresPKCE:      true,
		ClientAuth:        domain.ClientAuthHeaderBody,
	},
	"linkedin": {
		ID:                "linkedin",
		DisplayName:       "LinkedIn",
		AuthorizeEndpoint: linkedinOAuth2.Endpoint.AuthURL,
		TokenEndpoint:     linkedinOAuth2.Endpoint.TokenURL,
		AuthStyle:         domain.AuthStyleScopeList,
		ScopeDelimiter:    " ",
		DefaultScopes:     []string{"openid", "profile", "email", "w_member_social"},
		ClientAuth:        domain.ClientAuthBody,
	},
	"fortnox": {
		ID:                  "fortnox",
		DisplayName:         "Fortnox",
		AuthorizeEndpoint:   fortnoxAuthorize,
		TokenEndpoint:       fortnoxToken,
		AuthStyle:           domain.AuthStyleScopeList,
		ScopeDelimiter:      " ",
		DefaultScopes:       []string{"companyinformation", "invoice", "customer", "project", "bookkeeping", "payment"},
		ClientAuth:          domain.ClientAuthHeaderBody,
		SendScopeOnExchange: true,
		ExtraAuthParams:     map[string]string{"access_type": "offline"},
	},
}

// Template returns a copy of the built-in dialect for id.
func Template(id string) (domain.ProviderDescriptor, bool) {
	d, ok := templates[id]
	if !ok {
		return domain.ProviderDescriptor{}, false
	}
	return redact(d), true
}

// TemplateIDs lists the built-in dialects.
func TemplateIDs() []string {
	return slices.Sorted(maps.Keys(templates))
}
