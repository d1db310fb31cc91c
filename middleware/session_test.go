package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/oauthlink/domain"
	"go.pilab.hu/oauthlink/middleware"
)

var secret = []byte(strings.Repeat("j", 32))

func serve(t *testing.T, auth *middleware.SessionAuth, req *http.Request) (*httptest.ResponseRecorder, domain.Principal) {
	t.Helper()
	e := echo.New()
	var seen domain.Principal
	e.GET("/me", func(c echo.Context) error {
		p, ok := middleware.PrincipalFrom(c)
		require.True(t, ok)
		fromCtx, ok := domain.PrincipalFromContext(c.Request().Context())
		require.True(t, ok)
		assert.Equal(t, p, fromCtx)
		seen = p
		return c.NoContent(http.StatusNoContent)
	}, auth.Middleware())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, seen
}

func TestSessionAuth_BearerAndCookie(t *testing.T) {
	auth := middleware.NewSessionAuth(secret, "app")
	want := domain.Principal{UserID: "u-1", WorkspaceID: "ws-1"}
	token, err := auth.Issue(want, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, got := serve(t, auth, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, want, got)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: token})
	rec, got = serve(t, auth, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, want, got)
}

func TestSessionAuth_Rejects(t *testing.T) {
	auth := middleware.NewSessionAuth(secret, "app")
	p := domain.Principal{UserID: "u-1", WorkspaceID: "ws-1"}

	expired, err := auth.Issue(p, -time.Minute)
	require.NoError(t, err)
	otherKey, err := middleware.NewSessionAuth([]byte(strings.Repeat("x", 32)), "app").Issue(p, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := middleware.NewSessionAuth(secret, "other").Issue(p, time.Hour)
	require.NoError(t, err)
	noWorkspace, err := auth.Issue(domain.Principal{UserID: "u-1"}, time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u-1", "wid": "ws-1", "iss": "app", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"basic scheme", "Basic dTpw"},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"other key", "Bearer " + otherKey},
		{"wrong issuer", "Bearer " + wrongIssuer},
		{"no workspace", "Bearer " + noWorkspace},
		{"alg none", "Bearer " + noneAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, _ := serve(t, auth, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error":"unauthorized"`)
		})
	}
}

func TestSessionAuth_ParseClaims(t *testing.T) {
	auth := middleware.NewSessionAuth(secret, "")
	token, err := auth.Issue(domain.Principal{UserID: "u", WorkspaceID: "w"}, time.Minute)
	require.NoError(t, err)

	p, err := auth.ParseClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "w", p.WorkspaceID)

	_, err = auth.ParseClaims(token + "x")
	assert.ErrorIs(t, err, middleware.ErrInvalidToken)
}
