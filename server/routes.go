package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"icoconvert/metrics"
	"icoconvert/server/web"
)

// multipartOverhead is allowed on top of the file limit for form boundaries and headers.
const multipartOverhead = 64 << 10

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	if s.promReg != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.promReg)))
	}

	s.echo.FileFS("/styles.css", "static/styles.css", web.StaticFiles)
	s.echo.FileFS("/favicon.ico", "static/favicon.ico", web.StaticFiles)

	s.echo.GET("/", s.handleHome)
	s.echo.GET("/upload", func(c echo.Context) error {
		return c.Redirect(http.StatusSeeOther, "/")
	})
	s.echo.POST("/upload", s.handleUpload, s.uploadMiddleware()...)

	s.echo.GET("/page/:filename/:extension", s.handlePage)
	s.echo.GET("/download/:filename/:extension", s.handleDownload)
}

func (s *Server) uploadMiddleware() []echo.MiddlewareFunc {
	var mw []echo.MiddlewareFunc

	limits := s.config.Limits
	if limits.UploadRate > 0 {
		store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(limits.UploadRate),
			Burst: limits.UploadBurst,
		})
		mw = append(mw, middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: store,
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return c.String(http.StatusTooManyRequests, "Too many uploads, slow down")
			},
		}))
	}

	if limits.MaxUploadBytes > 0 {
		mw = append(mw, maxBodyBytes(limits.MaxUploadBytes+multipartOverhead))
	}

	return mw
}

// maxBodyBytes caps how much of a request body handlers may read.
func maxBodyBytes(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}
