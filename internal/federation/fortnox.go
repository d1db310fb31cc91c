package federation

import (
	"context"
	"net/http"

	"go.pilab.hu/oauthlink/domain"
)

var FortnoxCompanyInfoEndpoint = "https://api.fortnox.se/3/companyinformation"

// Fortnox has no user endpoint; the company is the connected account.
func resolveFortnox(ctx context.Context, client *http.Client, req ResolveRequest) ([]domain.ExternalAccount, error) {
	var info struct {
		CompanyInformation struct {
			CompanyName        string `json:"CompanyName"`
			OrganizationNumber string `json:"OrganizationNumber"`
			DatabaseNumber     int64  `json:"DatabaseNumber"`
		} `json:"CompanyInformation"`
	}
	if err := getJSON(ctx, client, "fortnox", FortnoxCompanyInfoEndpoint, nil, req.Token.AccessToken, &info); err != nil {
		return nil, err
	}
	ci := info.CompanyInformation
	if ci.OrganizationNumber == "" {
		return nil, ErrNoAccounts
	}
	return []domain.ExternalAccount{{ID: ci.OrganizationNumber, Name: ci.CompanyName}}, nil
}
