package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/cs150ctl/internal/instrument"
	"github.com/loykin/cs150ctl/internal/metrics"
)

// Router provides read-only HTTP handlers for a running photometer session.
// Endpoints:
//   GET {basePath}/healthz      200 when the server is alive and connected, 503 otherwise
//   GET {basePath}/status       device state, last reading and resource usage
//   GET {basePath}/measurement  last reading, 404 before the first one
//   GET {basePath}/metrics      prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

// StatusSource reports the device state. *instrument.Device satisfies it.
type StatusSource interface {
	Status() instrument.Status
}

// UsageSource reports sampled resource usage of the server process.
// *metrics.ProcessMetricsCollector satisfies it.
type UsageSource interface {
	Latest() *metrics.ProcessMetrics
}

type Router struct {
	dev      StatusSource
	usage    UsageSource
	basePath string

	mu   sync.RWMutex
	last *Reading
}

// Reading is a measurement with the time it was taken.
type Reading struct {
	instrument.Measurement
	TakenAt time.Time `json:"taken_at"`
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithUsage attaches a resource usage sampler to /status.
func WithUsage(u UsageSource) RouterOption {
	return func(r *Router) { r.usage = u }
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(dev StatusSource, basePath string, opts ...RouterOption) *Router {
	r := &Router{dev: dev, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record stores m as the latest reading.
func (r *Router) Record(m instrument.Measurement) {
	r.mu.Lock()
	r.last = &Reading{Measurement: m, TakenAt: time.Now()}
	r.mu.Unlock()
}

func (r *Router) lastReading() *Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/measurement", r.handleMeasurement)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr serving h.
// Stop it with Shutdown or Close.
func NewServer(addr string, h http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status string `json:"status"`
}

type statusResp struct {
	Health      string                  `json:"health"`
	Device      instrument.Status       `json:"device"`
	Measurement *Reading                `json:"measurement,omitempty"`
	Usage       *metrics.ProcessMetrics `json:"usage,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	h := getHealthStatus(r.dev.Status())
	code := http.StatusOK
	if h != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, healthResp{Status: h})
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.dev.Status()
	resp := statusResp{
		Health:      getHealthStatus(st),
		Device:      st,
		Measurement: r.lastReading(),
	}
	if r.usage != nil {
		resp.Usage = r.usage.Latest()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleMeasurement(c *gin.Context) {
	last := r.lastReading()
	if last == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no measurement yet"})
		return
	}
	writeJSON(c, http.StatusOK, last)
}

func getHealthStatus(status instrument.Status) string {
	if status.Closed {
		return "closed"
	}
	if !status.Alive {
		return "not_running"
	}
	if status.State != instrument.Connected.String() {
		return "disconnected"
	}
	return "healthy"
}
