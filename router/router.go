// Package router mounts the Service Surface's HTTP routes behind the
// teacher's middleware chain: CORS → security headers → request ID →
// panic recovery → request logger → body size limit → auth → rate limit
// → header normalization → timeout.
package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tokenprice/oracle-service/config"
	"github.com/tokenprice/oracle-service/handler"
	appmw "github.com/tokenprice/oracle-service/middleware"
)

// NewRouter returns a configured chi Router with the full middleware chain
// and all Service Surface routes mounted. metrics may be nil (no /metrics
// route is mounted in that case).
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, h *handler.Handler, metrics metricsHandler) http.Handler {
	r := chi.NewRouter()

	// --- Middleware Chain (order matters) ---
	r.Use(appmw.CORSMiddleware([]string{"*"}))
	r.Use(appmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"token-price-oracle"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"token-price-oracle"}`))
	})

	r.Get("/health", h.Health)

	if metrics != nil {
		r.Get("/metrics", metrics.Handler())
	}

	// --- API Routes (auth + rate limiting required) ---
	authMW := appmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := appmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := appmw.NewHeaderNormalization(appLogger)
	timeoutMW := appmw.NewTimeoutMiddleware(appLogger, cfg)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		r.Post("/tokens", h.ResolvePrice)
		r.Post("/batch/historical", h.BatchHistorical)
		r.Get("/queue/status", h.QueueStatus)
	})

	return r
}

// metricsHandler is the subset of *metrics.Metrics the router needs.
type metricsHandler interface {
	Handler() http.HandlerFunc
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("ORACLE_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
