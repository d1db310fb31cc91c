package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apiecho "go.pilab.hu/oauthlink/api/echo"
	"go.pilab.hu/oauthlink/log"
	"go.pilab.hu/oauthlink/middleware"
)

// NewHTTPServer builds the echo router for app and wraps it with
// OpenTelemetry. gatherer backs the /metrics endpoint.
func NewHTTPServer(app *App, appLogger log.Logger, gatherer prometheus.Gatherer) *http.Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(requestLogger(appLogger))

	auth := middleware.NewSessionAuth([]byte(app.Config.Secrets.SessionJWTSecret), "")
	api := apiecho.NewIntegrationsAPI(app.Service, app.Refresher, app.Sweeper, app.Store, auth, app.Config.AppReturnURL, app.Checks)
	api.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})))

	handler := otelhttp.NewHandler(e, "oauthlink",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)

	return &http.Server{
		Addr:              app.Config.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// a validation sweep may wait on several provider calls
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}

func requestLogger(appLogger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := map[string]interface{}{
				"method":  req.Method,
				"path":    redactPath(c),
				"status":  c.Response().Status,
				"latency": time.Since(start).String(),
				"ip":      c.RealIP(),
			}
			if err != nil {
				appLogger.Error(req.Context(), "HTTP Request", err, fields)
			} else {
				appLogger.Info(req.Context(), "HTTP Request", fields)
			}
			return nil
		}
	}
}

// redactPath logs the route pattern for callbacks so that codes and states
// in the query never reach the logs.
func redactPath(c echo.Context) string {
	if strings.HasSuffix(c.Path(), "/callback") {
		return c.Path()
	}
	return c.Request().URL.Path
}
