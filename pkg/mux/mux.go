package mux

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

type HandlerFunc func(rw ResponseWriter, req *http.Request)

type route struct {
	pattern pattern
	handler HandlerFunc
}

// ServeMux dispatches requests over an ordered list of bindings. The first
// binding matching both method and path wins, requests matching none are
// passed to the fallback handler.
type ServeMux struct {
	log      logr.Logger
	routes   []route
	fallback HandlerFunc
}

func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{
		log: log,
		fallback: func(rw ResponseWriter, req *http.Request) {
			rw.SetHandler("not-found")
			rw.WriteError(http.StatusNotFound, fmt.Errorf("no handler for %s %s", req.Method, req.URL.Path))
		},
	}
}

// Handle appends a binding. Patterns look like "GET /awf/{address...}", the
// method is optional and a trailing wildcard captures the rest of the path.
func (s *ServeMux) Handle(p string, handler HandlerFunc) {
	parsed, err := parsePattern(p)
	if err != nil {
		panic(err)
	}
	s.routes = append(s.routes, route{pattern: parsed, handler: handler})
}

// HandleFallback sets the handler for requests that match no binding.
func (s *ServeMux) HandleFallback(handler HandlerFunc) {
	s.fallback = handler
}

func (s *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rw := &response{ResponseWriter: w}
	HttpRequestsInflight.WithLabelValues(req.Method).Inc()
	defer func() {
		if p := recover(); p != nil {
			s.log.Error(fmt.Errorf("%v", p), "recovered from panic in handler", "path", req.URL.Path)
			if !rw.writtenHeader {
				rw.WriteHeader(http.StatusInternalServerError)
			}
		}
		HttpRequestsInflight.WithLabelValues(req.Method).Dec()
		handler := rw.handler
		if handler == "" {
			handler = "unknown"
		}
		latency := time.Since(start)
		code := strconv.FormatInt(int64(rw.Status()), 10)
		HttpRequestDurHistogram.WithLabelValues(handler, req.Method, code).Observe(latency.Seconds())
		HttpResponseSizeHistogram.WithLabelValues(handler, req.Method, code).Observe(float64(rw.Size()))

		kvs := []any{
			"path", req.URL.Path,
			"status", rw.Status(),
			"method", req.Method,
			"latency", latency.String(),
			"ip", clientIP(req),
			"handler", handler,
		}
		if rw.Error() != nil {
			s.log.Error(rw.Error(), "", kvs...)
			return
		}
		s.log.V(4).Info("", kvs...)
	}()

	for _, r := range s.routes {
		values, ok := r.pattern.match(req)
		if !ok {
			continue
		}
		for k, v := range values {
			req.SetPathValue(k, v)
		}
		r.handler(rw, req)
		return
	}
	s.fallback(rw, req)
}

func clientIP(req *http.Request) string {
	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor != "" {
		return forwardedFor
	}
	h, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return h
}

var (
	HttpRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "The latency of the HTTP requests.",
	}, []string{"handler", "method", "code"})
	HttpResponseSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "The size of the HTTP responses.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"handler", "method", "code"})
	HttpRequestsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "http",
		Name:      "requests_inflight",
		Help:      "The number of inflight requests being handled at the same time.",
	}, []string{"method"})
)

func RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(HttpRequestDurHistogram)
	registerer.MustRegister(HttpResponseSizeHistogram)
	registerer.MustRegister(HttpRequestsInflight)
}
