package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/deploy"
	"github.com/alvesdmateus/iac-sandbox/internal/files"
	"github.com/alvesdmateus/iac-sandbox/internal/stacks"
	"github.com/alvesdmateus/iac-sandbox/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *chi.Mux
	logger       *slog.Logger
	stacks       *stacks.Service
	files        *files.Service
	manager      *deploy.Manager
	gateway      *ws.Gateway
	eventBus     *bus.Bus
	limiter      RateLimiter
	engineHealth func(context.Context) error

	rateRequests int
	rateWindow   time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies. engineHealth may be nil
// when the engine has no cheap liveness probe; rateRequests <= 0
// disables throttling.
func NewRouter(logger *slog.Logger, stackSvc *stacks.Service, fileSvc *files.Service, manager *deploy.Manager, gateway *ws.Gateway, eventBus *bus.Bus, limiter RateLimiter, rateRequests int, rateWindow time.Duration, engineHealth func(context.Context) error) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		logger:       logger,
		stacks:       stackSvc,
		files:        fileSvc,
		manager:      manager,
		gateway:      gateway,
		eventBus:     eventBus,
		limiter:      limiter,
		engineHealth: engineHealth,
		rateRequests: rateRequests,
		rateWindow:   rateWindow,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	mux := chi.NewRouter()
	mux.Use(r.audit)
	mux.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	mux.Get("/healthz", r.handleHealthz)
	mux.Method(http.MethodGet, "/metrics", promhttp.Handler())
	mux.Get("/ws", r.handleWS)

	mux.Route("/api/v1", func(api chi.Router) {
		api.Use(r.rateLimit(r.rateRequests, r.rateWindow))

		api.Route("/stacks", func(st chi.Router) {
			st.Get("/", r.handleStackList)
			st.Post("/", r.handleStackCreate)
			st.Route("/{stack}", func(one chi.Router) {
				one.Get("/", r.handleStackGet)
				one.Delete("/", r.handleStackDelete)
				one.Put("/config", r.handleStackConfigUpdate)
				one.Get("/outputs", r.handleStackOutputs)
				one.Get("/resources", r.handleStackResources)
				one.Get("/deployments", r.handleStackDeployments)
				one.Post("/{operation}", r.handleStackOperation)
			})
		})

		api.Route("/deployments", func(dep chi.Router) {
			dep.Get("/{id}", r.handleDeploymentGet)
			dep.Post("/{id}/cancel", r.handleDeploymentCancel)
		})

		api.Route("/files", func(f chi.Router) {
			f.Get("/", r.handleFileList)
			f.Post("/", r.handleFileCreate)
			f.Delete("/", r.handleFileDelete)
			f.Get("/tree", r.handleFileTree)
			f.Get("/content", r.handleFileContent)
			f.Put("/content", r.handleFileUpdate)
			f.Post("/validate", r.handleFileValidate)
		})
	})

	r.mux = mux
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	r.gateway.ServeHTTP(w, req)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.engineHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.engineHealth(ctx); err != nil {
			status = "degraded"
			components["engine"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["engine"] = map[string]any{"status": "up"}
		}
	}
	components["deployments"] = map[string]any{"active": r.manager.ActiveCount()}
	components["stream"] = map[string]any{"clients": r.gateway.ClientCount()}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, routeLabel(req), status, duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so the WebSocket upgrade works behind the
// audit wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
