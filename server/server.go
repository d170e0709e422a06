// Package server exposes the upload, result and download pages over HTTP.
package server

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"icoconvert/config"
	"icoconvert/converter"
	"icoconvert/metrics"
	"icoconvert/server/web"
	"icoconvert/store"
)

const iconContentType = "image/vnd.microsoft.icon"

func init() {
	// Go's built-in table has no entry for .ico.
	_ = mime.AddExtensionType(converter.Extension, iconContentType)
}

// IconConverter turns an uploaded image into icon bytes.
type IconConverter interface {
	Convert(ctx context.Context, r io.Reader, w io.Writer) (converter.Info, error)
	MaxSize() int
}

// SweepRunner runs a single expiry pass.
type SweepRunner interface {
	RunOnce() (store.SweepResult, error)
}

// Deps are the collaborators a Server needs. Sweeper and Metrics may be nil.
type Deps struct {
	Store     *store.Store
	Registry  *store.Registry
	Converter IconConverter
	Sweeper   SweepRunner
	Metrics   *prometheus.Registry
}

// Server serves the upload, result and download pages
type Server struct {
	echo        *echo.Echo
	config      *config.Config
	store       *store.Store
	registry    *store.Registry
	converter   IconConverter
	sweeper     SweepRunner
	promReg     *prometheus.Registry
	conversions *metrics.ConversionMetrics
	templates   *template.Template
	startTime   time.Time
}

// NewServer creates a new server and registers its routes
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Converter == nil {
		return nil, fmt.Errorf("server requires a store, a registry and a converter")
	}

	tmpl, err := template.ParseFS(web.TemplateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'self'",
	}))

	srv := &Server{
		echo:      e,
		config:    cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		converter: deps.Converter,
		sweeper:   deps.Sweeper,
		promReg:   deps.Metrics,
		templates: tmpl,
		startTime: time.Now(),
	}

	if deps.Metrics != nil {
		e.Use(metrics.NewHTTPMetrics(deps.Metrics).Middleware())
		srv.conversions = metrics.NewConversionMetrics(deps.Metrics)
	}

	srv.registerRoutes()

	return srv, nil
}

// ServeHTTP lets the server be driven directly, e.g. by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.config.Addr()
	slog.Info("Starting server", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP server, waiting for in-flight requests or ctx
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger logs one structured line per request.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURIPath:  true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				slog.Warn("Request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Debug("Request", attrs...)
			return nil
		},
	})
}

func (s *Server) observe(result string, d time.Duration) {
	if s.conversions != nil {
		s.conversions.Observe(result, d)
	}
}
