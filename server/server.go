// Package server exposes the engine over HTTP: the echo application, the
// middleware stack, JWT session resolution and the full route surface under
// the configured base path.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
)

// Config shapes the HTTP server.
type Config struct {
	Port            int           `mapstructure:"port"`
	BasePath        string        `mapstructure:"base_path"`
	Debug           bool          `mapstructure:"debug"`
	BodyLimit       string        `mapstructure:"body_limit"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`

	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	// JWTSecret verifies bearer tokens; empty leaves every request
	// anonymous.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		BasePath:        "/cms",
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// New builds the echo application with the standard middleware stack and
// registers the handlers under cfg.BasePath.
func New(cfg Config, h *Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPatch,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}
	e.Use(middleware.RequestID())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}
	if cfg.JWTSecret != "" {
		e.Use(SessionMiddleware(NewJWTService(cfg.JWTSecret)))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	base := cfg.BasePath
	if base == "" {
		base = "/cms"
	}
	h.Register(e.Group(base))
	return e
}

// Start serves until the context is cancelled, then shuts down gracefully.
func Start(ctx context.Context, e *echo.Echo, cfg Config) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		common.Logger.WithField("port", cfg.Port).Info("http server listening")
		errCh <- e.StartServer(srv)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	common.Logger.Info("shutting down http server")
	return e.Shutdown(shutdownCtx)
}

// errorBody is the JSON shape every failed request returns.
type errorBody struct {
	Kind        string              `json:"kind"`
	Message     string              `json:"message"`
	FieldErrors []common.FieldError `json:"fieldErrors,omitempty"`
	Details     map[string]any      `json:"details,omitempty"`
}

// ErrorHandler serialises typed errors with their stable kind and a message
// localised to the request locale. Echo's own errors keep their status.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var status int
	var body errorBody

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		body = errorBody{Kind: string(kindForStatus(he.Code)), Message: fmt.Sprintf("%v", he.Message)}
	} else {
		typed := common.AsError(err)
		status = common.HTTPStatus(typed.Kind)
		locale, _ := crud.LocaleFrom(c.Request().Context())
		body = errorBody{
			Kind:        string(typed.Kind),
			Message:     common.LocalizeError(typed, locale),
			FieldErrors: typed.FieldErrors,
			Details:     typed.Details,
		}
		if typed.Kind == common.KindInternal {
			common.Logger.WithError(err).Error("request failed")
			body.Message = "internal error"
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, body); err != nil {
		common.Logger.WithError(err).Error("error response write failed")
	}
}

func kindForStatus(code int) common.Kind {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return common.KindBadRequest
	case http.StatusUnauthorized:
		return common.KindUnauthorized
	case http.StatusForbidden:
		return common.KindForbidden
	case http.StatusNotFound:
		return common.KindNotFound
	case http.StatusTooManyRequests:
		return common.KindTimeout
	default:
		return common.KindInternal
	}
}
