package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests that hit no registered route, so arbitrary
// paths cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

// Routes that are polled or fetched by browsers on every page view.
var skippedRoutes = map[string]bool{
	"/metrics":     true,
	"/styles.css":  true,
	"/favicon.ico": true,
}

// HTTPMetrics tracks page and upload traffic.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	UploadBytes     prometheus.Histogram
	InFlightGauge   prometheus.Gauge
}

// NewHTTPMetrics creates and registers HTTP metrics on the given registry.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds, including synchronous conversion.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "upload_size_bytes",
			Help:      "Declared size of upload request bodies.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 7),
		}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.UploadBytes, m.InFlightGauge)
	return m
}

// Middleware returns an Echo middleware that records HTTP metrics.
// Probes, /metrics and static assets are not recorded.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if skippedRoutes[route] || strings.HasPrefix(route, "/health/") {
				return next(c)
			}
			if route == "" || route == "/*" {
				route = unmatchedRoute
			}

			req := c.Request()
			if req.Method == http.MethodPost && req.ContentLength > 0 {
				m.UploadBytes.Observe(float64(req.ContentLength))
			}

			m.InFlightGauge.Inc()
			defer m.InFlightGauge.Dec()

			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				status := strconv.Itoa(c.Response().Status)
				m.RequestDuration.WithLabelValues(req.Method, route, status).Observe(v)
				m.RequestsTotal.WithLabelValues(req.Method, route, status).Inc()
			}))

			err := next(c)
			if err != nil && !c.Response().Committed {
				// The error handler writes the response after we return.
				c.Response().Status = statusOf(err)
			}
			timer.ObserveDuration()
			return err
		}
	}
}

func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
