package gateway

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"awgateway/pkg/address"
	"awgateway/pkg/lossy"
	"awgateway/pkg/mux"
	"awgateway/pkg/network"
	"awgateway/pkg/routing"
)

const (
	DefaultKeepAlive = 75 * time.Second
	pageFormat       = "<!DOCTYPE html><head></head><body>%s<body>"
)

type GatewayConfig struct {
	Log            logr.Logger
	KeepAlive      time.Duration
	RequestTimeout time.Duration
	Docs           bool
}

func (cfg *GatewayConfig) Apply(opts ...GatewayOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type GatewayOption func(cfg *GatewayConfig) error

func WithLogger(log logr.Logger) GatewayOption {
	return func(cfg *GatewayConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithKeepAlive sets the idle timeout of client connections, zero disables keep-alives.
func WithKeepAlive(keepAlive time.Duration) GatewayOption {
	return func(cfg *GatewayConfig) error {
		if keepAlive < 0 {
			return fmt.Errorf("keep alive cannot be negative but was %s", keepAlive)
		}
		cfg.KeepAlive = keepAlive
		return nil
	}
}

// WithRequestTimeout bounds the time spent connecting and fetching for a single request.
func WithRequestTimeout(timeout time.Duration) GatewayOption {
	return func(cfg *GatewayConfig) error {
		cfg.RequestTimeout = timeout
		return nil
	}
}

// WithDocs serves the OpenAPI document of the gateway.
func WithDocs(enabled bool) GatewayOption {
	return func(cfg *GatewayConfig) error {
		cfg.Docs = enabled
		return nil
	}
}

type Gateway struct {
	log            logr.Logger
	connector      network.Connector
	router         routing.Router
	keepAlive      time.Duration
	requestTimeout time.Duration
	docs           bool
}

func NewGateway(connector network.Connector, router routing.Router, opts ...GatewayOption) (*Gateway, error) {
	cfg := GatewayConfig{
		Log:       logr.Discard(),
		KeepAlive: DefaultKeepAlive,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		log:            cfg.Log,
		connector:      connector,
		router:         router,
		keepAlive:      cfg.KeepAlive,
		requestTimeout: cfg.RequestTimeout,
		docs:           cfg.Docs,
	}, nil
}

func (g *Gateway) Server(addr string) *http.Server {
	srv := &http.Server{
		Addr:        addr,
		Handler:     g.Handler(),
		IdleTimeout: g.keepAlive,
	}
	if g.keepAlive == 0 {
		srv.SetKeepAlivesEnabled(false)
	}
	return srv
}

func (g *Gateway) Handler() http.Handler {
	m := mux.NewServeMux(g.log)
	m.Handle("GET /", g.helloHandler)
	m.Handle("POST /echo", g.echoHandler)
	m.Handle("GET /hey", g.heyHandler)
	m.Handle("GET /test-show-request", g.showRequestHandler)
	m.Handle("GET /show_request", g.showRequestHandler)
	m.Handle("GET /awf/{address...}", g.fetchHandler)
	m.Handle("GET /test-connect", g.connectHandler)
	m.Handle("GET /healthz", g.readyHandler)
	m.HandleFallback(g.defaultHandler)
	if g.docs {
		return docsMiddleware(m)
	}
	return m
}

func (g *Gateway) helloHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("hello")
	_, _ = io.WriteString(rw, "Hello world!")
}

func (g *Gateway) echoHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("echo")
	_, err := io.Copy(rw, req.Body)
	if err != nil {
		g.log.Error(err, "could not echo request body")
	}
}

func (g *Gateway) heyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("hey")
	_, _ = io.WriteString(rw, "Hey there!")
}

func (g *Gateway) showRequestHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("show-request")
	writePage(rw, "test-show-request:"+describeRequest(req))
}

func (g *Gateway) defaultHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("default")
	writePage(rw, "test-default-route '/':"+describeRequest(req))
}

func (g *Gateway) readyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("ready")
	ok, err := g.router.Ready(req.Context())
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, fmt.Errorf("could not determine router readiness: %w", err))
		return
	}
	if !ok {
		g.log.V(4).Info("router not ready")
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
}

func (g *Gateway) connectHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("connect")
	ctx, cancel := g.requestContext(req)
	defer cancel()
	_, err := g.connector.Connect(ctx)
	if err != nil {
		g.log.Error(err, "could not connect to network")
		_, _ = io.WriteString(rw, "Testing connect to network..ERROR: failed to connect")
		return
	}
	_, _ = io.WriteString(rw, "Testing connect to network..SUCCESS!")
}

// fetchHandler always answers with a page, failures are reported inside it.
func (g *Gateway) fetchHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("fetch")
	raw := req.PathValue("address")
	log := g.log.WithValues("address", raw)
	content := g.fetchContent(logr.NewContext(req.Context(), log), req, raw)
	writePage(rw, fmt.Sprintf("test /awf/&lt;DATAMAP-ADDRESS&gt;:<br/>xor: %s<br/><br/>%s", html.EscapeString(raw), content))
}

func (g *Gateway) fetchContent(ctx context.Context, req *http.Request, raw string) string {
	log := logr.FromContextOrDiscard(ctx)
	addr, err := address.Parse(raw)
	if err != nil {
		log.V(4).Info("invalid content address", "error", err.Error())
		return fmt.Sprintf("ERROR: invalid content address %s<br/>ERROR: %s", html.EscapeString(raw), html.EscapeString(err.Error()))
	}

	ctx, cancel := g.requestContext(req.WithContext(ctx))
	defer cancel()
	client, err := g.connector.Connect(ctx)
	if err != nil {
		log.Error(err, "could not connect to network")
		return "Testing /awf..<br/>ERROR: failed to connect"
	}
	data, err := client.DataGet(ctx, addr)
	if err != nil {
		log.Error(err, "could not get content from network")
		return "Failed to get content from network<br/>ERROR: " + html.EscapeString(err.Error())
	}
	log.V(4).Info("fetched content", "size", len(data))
	return html.EscapeString(lossy.Decode(data))
}

func (g *Gateway) requestContext(req *http.Request) (context.Context, context.CancelFunc) {
	if g.requestTimeout <= 0 {
		return context.WithCancel(req.Context())
	}
	return context.WithTimeout(req.Context(), g.requestTimeout)
}

func describeRequest(req *http.Request) string {
	return fmt.Sprintf("<br/>uri: %s<br/>method: %s", html.EscapeString(req.URL.RequestURI()), html.EscapeString(req.Method))
}

func writePage(rw mux.ResponseWriter, body string) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(rw, pageFormat, body)
}
