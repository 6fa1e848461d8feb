/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed into error logs
  2. RealIP:     Client address from proxy headers
  3. Logger:     Request logging through logrus (requestLogger)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/products/*          Product master
  /api/stores/{store}/*    Stock ledger and production runs of one store
  /api/formulas/*          Formula definitions and previews
  /api/runs/{batch}/*      Single production run
  /api/audit               Audit log
  /api/scenarios/*         Demo scenarios
  /api/reset               Database reset (dev only)
  /healthz                 Liveness + database ping
  /metrics                 Prometheus (when a metrics handler is given)

SECURITY NOTE:
  No authentication middleware. The service expects to sit behind a gateway
  that authenticates users and sets X-Actor.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter. The zero value is usable.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Product routes
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
		})

		// Store-scoped routes
		r.Route("/stores/{store}", func(r chi.Router) {
			r.Get("/stock", h.GetStockReport)
			r.Get("/products/{product}", h.GetState)
			r.Get("/products/{product}/history", h.GetHistory)
			r.Post("/receipts", h.Receive)
			r.Post("/issues", h.Issue)
			r.Post("/counts", h.Count)
			r.Post("/runs", h.StartRun)
			r.Get("/runs/open", h.ListOpenRuns)
		})

		// Formula routes
		r.Route("/formulas", func(r chi.Router) {
			r.Get("/", h.ListFormulas)
			r.Post("/", h.CreateFormula)
			r.Get("/{code}", h.GetFormula)
			r.Get("/{code}/preview", h.PreviewFormula)
		})

		// Run routes
		r.Route("/runs/{batch}", func(r chi.Router) {
			r.Get("/", h.GetRun)
			r.Post("/complete", h.CompleteRun)
		})

		r.Get("/audit", h.ListAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
		r.Post("/reset", h.ResetDatabase)
	})

	return r
}

// requestLogger logs one line per request with logrus.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"took":       time.Since(start).String(),
					"request_id": middleware.GetReqID(r.Context()),
					"actor":      r.Header.Get(ActorHeader),
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request failed")
					return
				}
				entry.Info("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
