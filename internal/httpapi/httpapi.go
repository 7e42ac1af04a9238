// Package httpapi provides the chi router setup, middleware stack, and
// JSON response helpers shared by all four service daemons, following
// the teacher's internal/server/server.go conventions.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter builds a chi.Mux with the standard middleware stack:
// panic recovery, request IDs, real IP, structured request logging,
// a request timeout, permissive CORS, and response compression.
func NewRouter(log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(log))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderSimTime, HeaderWebhookToken, HeaderAPIKey},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Compress(5))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// Header names used across the wire contract (spec §6).
const (
	HeaderSimTime      = "X-Simulation-Time"
	HeaderWebhookToken = "X-Webhook-Token"
	HeaderAPIKey       = "X-API-Key"
)

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with the given status code.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// SimulationTime extracts and parses the X-Simulation-Time header, if
// present. Returns ok=false when the header is absent, and an error
// when it is present but does not parse as UTC ISO-8601 (the caller
// should reject the request in that case, per spec §6).
func SimulationTime(r *http.Request) (t time.Time, present bool, err error) {
	v := r.Header.Get(HeaderSimTime)
	if v == "" {
		return time.Time{}, false, nil
	}
	parsed, perr := time.Parse(time.RFC3339, v)
	if perr != nil {
		return time.Time{}, true, perr
	}
	return parsed.UTC(), true, nil
}

// CheckToken validates a server-to-server token: when configured is
// empty the check passes (the header is ignored); otherwise the
// supplied header value must match exactly.
func CheckToken(r *http.Request, header, configured string) bool {
	if configured == "" {
		return true
	}
	return r.Header.Get(header) == configured
}
