package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"go.pilab.hu/oauthlink/domain"
	serrors "go.pilab.hu/oauthlink/errors"
)

// SessionCookieName is read when no Authorization header is present, so that
// browser navigations to the connect endpoint can authenticate.
const SessionCookieName = "oauthlink_session"

const principalContextKey = "principal"

var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims is the HS256 session JWT issued by the host application.
type SessionClaims struct {
	WorkspaceID string `json:"wid"`
	jwt.RegisteredClaims
}

// SessionAuth authenticates requests with an HS256 session JWT.
type SessionAuth struct {
	secret []byte
	issuer string
}

// NewSessionAuth creates the authenticator. issuer is checked when non-empty.
func NewSessionAuth(secret []byte, issuer string) *SessionAuth {
	return &SessionAuth{secret: secret, issuer: issuer}
}

// ParseClaims verifies the token signature and expiry and returns the principal.
func (a *SessionAuth) ParseClaims(raw string) (domain.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.WorkspaceID == "" {
		return domain.Principal{}, fmt.Errorf("%w: missing subject or workspace", ErrInvalidToken)
	}
	return domain.Principal{UserID: claims.Subject, WorkspaceID: claims.WorkspaceID}, nil
}

// Issue signs a session token. The host application normally does this; it
// is used by the CLI and in tests.
func (a *SessionAuth) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		WorkspaceID: p.WorkspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal on both the echo context and the request context.
func (a *SessionAuth) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := otel.Tracer("go.pilab.hu/oauthlink/middleware").Start(c.Request().Context(), "SessionAuth")
			defer span.End()

			raw, err := extractToken(c.Request())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, serrors.NewUnauthorized(err.Error()))
			}

			p, err := a.ParseClaims(raw)
			if err != nil {
				span.RecordError(err)
				log.Debug().Ctx(ctx).Err(err).Msg("Rejected session token")
				return c.JSON(http.StatusUnauthorized, serrors.NewUnauthorized("invalid session token"))
			}

			c.Set(principalContextKey, p)
			c.SetRequest(c.Request().WithContext(domain.WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

// PrincipalFrom returns the principal set by SessionAuth.Middleware.
func PrincipalFrom(c echo.Context) (domain.Principal, bool) {
	p, ok := c.Get(principalContextKey).(domain.Principal)
	return p, ok
}

func extractToken(r *http.Request) (string, error) {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errors.New("invalid authorization header format: expected Bearer token")
		}
		return token, nil
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", errors.New("missing session token")
}
