package federation

import (
	"context"
	"net/http"

	"go.pilab.hu/oauthlink/domain"
)

var GoogleUserInfoEndpoint = "https://www.googleapis.com/oauth2/v3/userinfo"

func resolveGoogle(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	var info struct {
		Sub   string `json:"sub"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := getJSON(ctx, client, "google", GoogleUserInfoEndpoint, nil, req.Token.AccessToken, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, ErrNoAccounts
	}
	name := info.Email
	if name == "" {
		name = info.Name
	}
	return []domain.ExternalAccount{{ID: info.Sub, Name: name}}, nil
}
