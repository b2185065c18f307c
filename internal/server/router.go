package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/joinkeeper/internal/metrics"
	"github.com/loykin/joinkeeper/internal/slot"
)

// Source is what the router reads; the reconciliation loop implements it.
type Source interface {
	Statuses() []slot.Status
	LastTick() time.Time
}

// Router provides read-only HTTP handlers over the slot table.
// Endpoints:
//
//	GET {basePath}/status    {"clients": [...]}
//	GET {basePath}/healthz   liveness of the reconciliation loop
//	GET {basePath}/metrics   Prometheus exposition (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	basePath string
	metrics  bool
	stale    time.Duration
	now      func() time.Time
}

type Option func(*Router)

// WithMetrics mounts the Prometheus handler on /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

// WithStaleAfter makes /healthz fail once no tick completed for d. A tick can
// legitimately last as long as the longest transition, so d should exceed the
// connect timeout. Zero disables the check.
func WithStaleAfter(d time.Duration) Option { return func(r *Router) { r.stale = d } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src Source, basePath string, opts ...Option) *Router {
	r := &Router{src: src, basePath: sanitizeBase(basePath), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds an HTTP server for h on addr and starts it, serving TLS
// when tlsCfg is non-nil. Listen errors other than a clean shutdown are
// logged.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", "addr", addr, "error", err)
		}
	}()
	log.Info("status server listening", "addr", addr, "tls", tlsCfg != nil)
	return server
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Handlers ---

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Clients []slot.Status `json:"clients"`
}

type healthResp struct {
	OK       bool       `json:"ok"`
	LastTick *time.Time `json:"lastTick"`
	Error    string     `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	clients := r.src.Statuses()
	if clients == nil {
		clients = []slot.Status{}
	}
	writeJSON(c, http.StatusOK, StatusResponse{Clients: clients})
}

func (r *Router) handleHealth(c *gin.Context) {
	last := r.src.LastTick()
	resp := healthResp{OK: true}
	if !last.IsZero() {
		resp.LastTick = &last
	}
	if r.stale > 0 && !last.IsZero() && r.now().Sub(last) > r.stale {
		resp.OK = false
		resp.Error = "reconciliation loop stalled"
		writeJSON(c, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}
