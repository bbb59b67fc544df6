// Package server exposes the daemon's HTTP surface: the management API, the
// OpenAI-compatible shim, the WebSocket upgrade, health probes, metrics, and
// the canvas pages.
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopr-network/wopr/internal/assembly"
	"github.com/wopr-network/wopr/internal/canvas"
	"github.com/wopr-network/wopr/internal/health"
	"github.com/wopr-network/wopr/internal/hub"
	"github.com/wopr-network/wopr/internal/middleware"
	"github.com/wopr-network/wopr/internal/observe"
	"github.com/wopr-network/wopr/internal/queue"
	"github.com/wopr-network/wopr/internal/registry"
	"github.com/wopr-network/wopr/internal/scheduler"
	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/store"
)

// capabilityRateLimit is the per-host budget on the capability routes.
const capabilityRateLimit = 10 // per minute

// Deps carries the subsystems the HTTP layer fronts.
type Deps struct {
	Store     *store.Store
	Queue     *queue.Manager
	Registry  *registry.Registry
	Creds     *registry.CredentialStore
	Security  *security.Engine
	Chain     *middleware.Chain
	Assembly  *assembly.Registry
	Scheduler *scheduler.Scheduler
	Hub       *hub.Hub
	Tickets   *hub.TicketVerifier
	Canvas    *canvas.Board
	Health    *health.Handler
	Metrics   *observe.Metrics
}

// Server is the HTTP front of the daemon.
type Server struct {
	deps     Deps
	apiToken string
	limiter  *rateLimiter
}

// New creates a Server. apiToken empty disables bearer auth.
func New(apiToken string, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		deps:     deps,
		apiToken: apiToken,
		limiter:  newRateLimiter(capabilityRateLimit),
	}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.deps.Metrics))
	r.Use(chimw.Recoverer)

	// Unauthenticated surface: probes, metrics, the WS upgrade (token auth
	// happens inside the socket protocol), and the canvas page.
	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.Healthz)
		r.Get("/readyz", s.deps.Health.Readyz)
	}
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.Hub != nil {
		r.Get("/ws", s.deps.Hub.Accept)
	}
	if s.deps.Canvas != nil {
		r.Get("/canvas/{session}", s.handleCanvasPage)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/sessions", s.handleSessionList)
		r.Post("/sessions", s.handleSessionCreate)
		r.Get("/sessions/{name}", s.handleSessionShow)
		r.Delete("/sessions/{name}", s.handleSessionDelete)
		r.Post("/sessions/{name}/inject", s.handleInject)
		r.Post("/sessions/{name}/log", s.handleLog)
		r.Get("/sessions/{name}/history", s.handleHistory)
		r.Post("/sessions/{name}/cancel", s.handleCancel)

		r.Get("/providers", s.handleProviderList)
		r.Post("/providers", s.handleProviderUpsert)
		r.Get("/providers/{id}", s.handleProviderShow)
		r.Post("/providers/{id}", s.handleProviderCredential)
		r.Post("/providers/health-check", s.handleProviderHealthCheck)

		if s.deps.Scheduler != nil {
			r.Get("/crons", s.handleCronList)
			r.Post("/crons", s.handleCronAdd)
			r.Delete("/crons/{name}", s.handleCronRemove)
		}

		r.Get("/middleware", s.handleMiddlewareList)
		r.Post("/middleware", s.handleMiddlewareToggle)
		r.Get("/context", s.handleContextList)
		r.Post("/context", s.handleContextToggle)

		r.Route("/capabilities", func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Get("/", s.handleBundleList)
			r.Post("/", s.handleBundleDefine)
			r.Post("/activate", s.handleBundleActivate)
			r.Post("/deactivate", s.handleBundleDeactivate)
		})

		r.Get("/security", s.handleSecurityShow)
		r.Post("/security", s.handleSecuritySave)
		if s.deps.Tickets != nil {
			r.Post("/ws/ticket", s.handleTicket)
		}

		if s.deps.Canvas != nil {
			r.Get("/canvas/{session}", s.handleCanvasSnapshot)
			r.Post("/canvas/{session}", s.handleCanvasPush)
			r.Delete("/canvas/{session}", s.handleCanvasReset)
			r.Delete("/canvas/{session}/{id}", s.handleCanvasRemove)
		}
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/models", s.handleModelList)
		r.Get("/models/{id}", s.handleModelShow)
	})

	return r
}

// auth enforces the static bearer token when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the sliding-window budget keyed by remote host.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.RemoteAddr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		if !s.limiter.Allow(host) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
