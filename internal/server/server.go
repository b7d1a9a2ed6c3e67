package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"claude-chat/internal/catalog"
	"claude-chat/internal/config"
	"claude-chat/internal/session"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeoutMargin  = 30 * time.Second
	idleTimeout         = 120 * time.Second
	limiterExpiry       = 3 * time.Minute
	minSweepInterval    = time.Minute
)

//go:embed static/index.html
var indexHTML []byte

type Server struct {
	cfg            config.Config
	catalog        *catalog.Catalog
	sessions       *session.Manager
	settingsSchema *jsonschema.Schema
	app            *echo.Echo
	address        string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, cat *catalog.Catalog, sessions *session.Manager) (*Server, error) {
	if cat == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("session manager must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	schema, err := compileSettingsSchema()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; connect-src 'self'; img-src 'self' data:; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:            cfg,
		catalog:        cat,
		sessions:       sessions,
		settingsSchema: schema,
		app:            e,
		address:        fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	go s.sessions.Run(ctx, max(s.cfg.Server.SessionTTL/4, minSweepInterval))

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Anthropic.Timeout + writeTimeoutMargin,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleIndex)
	s.app.GET("/health", s.handleHealth)

	api := s.app.Group("/api")
	api.GET("/models", s.handleModels)
	api.POST("/session", s.handleCreateSession)
	api.GET("/session", s.handleGetSession, s.requireSession)
	api.DELETE("/credential", s.handleClearCredential, s.requireSession)
	api.PUT("/settings", s.handleUpdateSettings, s.requireSession)
	api.DELETE("/chat", s.handleClearChat, s.requireSession)
	api.POST("/chat/save", s.handleSaveChat, s.requireSession)
	api.GET("/chat/export", s.handleExportChat, s.requireSession)
	api.POST("/upload", s.handleUpload, s.requireSession)

	// Routes that reach the Messages API are rate limited per session.
	limiter := s.rateLimiter()
	api.POST("/credential", s.handleSetCredential, s.requireSession, limiter)
	api.POST("/chat", s.handleChat, s.requireSession, limiter)
}

func (s *Server) rateLimiter() echo.MiddlewareFunc {
	if !s.cfg.Server.RateLimited() {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(*s.cfg.Server.RateLimit),
		Burst:     s.cfg.Server.RateBurst,
		ExpiresIn: limiterExpiry,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if sess, ok := c.Get(sessionContextKey).(*session.Session); ok {
				return sess.ID(), nil
			}
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return requestError{
				Status:  http.StatusForbidden,
				Message: "unable to identify client for rate limiting",
				Type:    "rate_limit_error",
			}
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return requestError{
				Status:  http.StatusTooManyRequests,
				Message: "too many requests, slow down",
				Type:    "rate_limit_error",
			}
		},
	})
}

func (s *Server) handleIndex(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, indexHTML)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("claude-chat ready")
	fmt.Printf("Open http://%s:%d in your browser\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /api/models")
	fmt.Println("  POST /api/session")
	fmt.Println("  POST /api/credential")
	fmt.Println("  PUT  /api/settings")
	fmt.Println("  POST /api/chat")
	fmt.Println("Enter your Anthropic API key in the page; keys are kept in memory for the session only.")
	fmt.Println()
}
