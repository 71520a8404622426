package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Routes are the optional handlers mounted next to the API.
type Routes struct {
	// Live serves the WebSocket reading stream on /ws.
	Live http.Handler
	// Metrics serves the Prometheus exposition on /metrics.
	Metrics http.Handler
}

// NewRouter builds the chi router for the hub API.
func NewRouter(h *Handler, extra Routes, logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(h.cfg.AllowedOrigin))

	r.Get("/data-sensor/*", h.GetReadings)
	r.Get("/add/node", h.AddNode)
	r.Get("/get/nodes", h.ListNodes)
	r.Delete("/delete/node", h.DeleteNode)
	r.Put("/cmd", h.SendCommand)
	r.Put("/cmd/sensor/*", h.SendNodeCommand)
	r.Get("/last", h.Latest)
	r.Get("/health", h.Health)

	if extra.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", extra.Metrics)
	}
	if extra.Live != nil {
		r.Method(http.MethodGet, "/ws", extra.Live)
	}
	return r
}

// cors answers preflight requests and tags every response for the
// dashboard, which calls the API from its own host.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request through zerolog.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "HTTPAPI").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
