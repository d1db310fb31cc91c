package federation

import (
	"context"
	"net/http"
	"net/url"

	"go.pilab.hu/oauthlink/domain"
)

// FacebookGraphBaseURL is the Graph API root used by facebook, instagram and threads.
var FacebookGraphBaseURL = "https://graph.facebook.com/" + metaGraphVersion

type graphUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type graphPage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
	Instagram   *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"instagram_business_account"`
}

func graphQuery(req ResolveRequest, fields string) url.Values {
	q := url.Values{}
	q.Set("fields", fields)
	if req.AppSecretProof != "" {
		q.Set("appsecret_proof", req.AppSecretProof)
	}
	return q
}

func graphMe(ctx context.Context, client *http.Client, provider string, req ResolveRequest) (*graphUser, error) {
	var me graphUser
	if err := getJSON(ctx, client, provider, FacebookGraphBaseURL+"/me", graphQuery(req, "id,name"), req.Token.AccessToken, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, ErrNoAccounts
	}
	return &me, nil
}

func graphPages(ctx context.Context, client *http.Client, provider, fields string, req ResolveRequest) ([]graphPage, error) {
	var pages struct {
		Data []graphPage `json:"data"`
	}
	if err := getJSON(ctx, client, provider, FacebookGraphBaseURL+"/me/accounts", graphQuery(req, fields), req.Token.AccessToken, &pages); err != nil {
		return nil, err
	}
	return pages.Data, nil
}

// resolveFacebook returns the user plus every Page the user manages, each
// Page carrying its own page access token.
func resolveFacebook(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	me, err := graphMe(ctx, client, "facebook", req)
	if err != nil {
		return nil, err
	}
	accounts := []domain.ExternalAccount{{ID: me.ID, Name: me.Name}}

	pages, err := graphPages(ctx, client, "facebook", "id,name,access_token", req)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if p.ID == "" || p.AccessToken == "" {
			continue
		}
		accounts = append(accounts, domain.ExternalAccount{
			ID:          p.ID,
			Name:        p.Name,
			ParentID:    me.ID,
			AccessToken: p.AccessToken,
		})
	}
	return accounts, nil
}

// resolveInstagram returns the Instagram business accounts linked to the user's Pages.
func resolveInstagram(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	pages, err := graphPages(ctx, client, "instagram", "id,name,access_token,instagram_business_account{id,username}", req)
	if err != nil {
		return nil, err
	}
	var accounts []domain.ExternalAccount
	for _, p := range pages {
		if p.Instagram == nil || p.Instagram.ID == "" {
			continue
		}
		token := p.AccessToken
		if token == "" {
			token = req.Token.AccessToken
		}
		accounts = append(accounts, domain.ExternalAccount{
			ID:          p.Instagram.ID,
			Name:        p.Instagram.Username,
			ParentID:    p.ID,
			AccessToken: token,
		})
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

func resolveThreads(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	me, err := graphMe(ctx, client, "threads", req)
	if err != nil {
		return nil, err
	}
	return []domain.ExternalAccount{{ID: me.ID, Name: me.Name}}, nil
}
