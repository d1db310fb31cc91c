package federation

import (
	"context"
	"net/http"
	"net/url"

	"go.pilab.hu/oauthlink/domain"
)

var (
	TikTokUserInfoEndpoint   = "https://open.tiktokapis.com/v2/user/info/"
	TwitterUserInfoEndpoint  = "https://api.twitter.com/2/users/me"
	LinkedInUserInfoEndpoint = "https://api.linkedin.com/v2/userinfo"
)

func resolveTikTok(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	var info struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
				Username    string `json:"username"`
			} `json:"user"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("fields", "open_id,display_name,username")
	if err := getJSON(ctx, client, "tiktok", TikTokUserInfoEndpoint, q, req.Token.AccessToken, &info); err != nil {
		return nil, err
	}
	u := info.Data.User
	if u.OpenID == "" {
		return nil, ErrNoAccounts
	}
	name := u.Username
	if name == "" {
		name = u.DisplayName
	}
	return []domain.ExternalAccount{{ID: u.OpenID, Name: name}}, nil
}

func resolveTwitter(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	var info struct {
		Data struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := getJSON(ctx, client, "twitter", TwitterUserInfoEndpoint, nil, req.Token.AccessToken, &info); err != nil {
		return nil, err
	}
	if info.Data.ID == "" {
		return nil, ErrNoAccounts
	}
	name := info.Data.Username
	if name != "" {
		name = "@" + name
	} else {
		name = info.Data.Name
	}
	return []domain.ExternalAccount{{ID: info.Data.ID, Name: name}}, nil
}

func resolveLinkedIn(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	var info struct {
		Sub   string `json:"sub"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := getJSON(ctx, client, "linkedin", LinkedInUserInfoEndpoint, nil, req.Token.AccessToken, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, ErrNoAccounts
	}
	return []domain.ExternalAccount{{ID: info.Sub, Name: info.Name}}, nil
}
