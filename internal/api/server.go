package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/catalog"
	"github.com/JakeFAU/linkback/internal/client"
	"github.com/JakeFAU/linkback/internal/config"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/logging"
	"github.com/JakeFAU/linkback/internal/metrics"
	pingbackserver "github.com/JakeFAU/linkback/internal/server/pingback"
	trackbackserver "github.com/JakeFAU/linkback/internal/server/trackback"
)

const (
	requestTimeout = 2 * time.Minute
	readyTimeout   = 2 * time.Second
)

// Deps are the services the HTTP surface exposes. All but Ready are
// required.
type Deps struct {
	Pingback  *pingbackserver.Server
	Trackback *trackbackserver.Server
	Backlinks linkback.InboundStore
	Attempts  linkback.AttemptStore
	Client    *client.Client
	Catalog   *catalog.Catalog
	// Ready reports whether downstream dependencies can serve traffic.
	Ready  func(context.Context) error
	Auth   config.AuthConfig
	Logger *zap.Logger
}

// Server wires HTTP handlers to the linkback services.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Pingback == nil:
		return nil, errors.New("api: pingback server is required")
	case deps.Trackback == nil:
		return nil, errors.New("api: trackback server is required")
	case deps.Backlinks == nil || deps.Attempts == nil:
		return nil, errors.New("api: backlink and attempt stores are required")
	case deps.Client == nil:
		return nil, errors.New("api: outbound client is required")
	case deps.Catalog == nil:
		return nil, errors.New("api: resource catalog is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// The protocol adapters answer every method themselves so that a GET
	// gets their 405 rather than the router's.
	r.Handle(deps.Pingback.Path(), deps.Pingback)
	r.Handle(trackbackserver.MountPattern, deps.Trackback)

	// Without auth only the read-only /v1 routes are served: the others
	// change records or make the service fetch caller-chosen URLs.
	r.Route("/v1", func(r chi.Router) {
		if deps.Auth.Enabled {
			r.Use(apiKeyMiddleware(deps.Auth.APIKey))
		}
		r.Get("/backlinks", s.listBacklinks)
		r.Get("/pings", s.listPings)
		r.Get("/resources/{kind}/{id}/discovery", s.resourceDiscovery)

		r.Group(func(r chi.Router) {
			if !deps.Auth.Enabled {
				r.Use(authRequired)
			}
			r.Post("/backlinks/{id}/approve", s.moderate(linkback.StatusApproved))
			r.Post("/backlinks/{id}/unapprove", s.moderate(linkback.StatusUnapproved))
			r.Post("/ping-all", s.pingAll)
			r.Post("/discover", s.discover)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs one line per request and hands handlers a logger
// carrying the request ID.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		reqLogger := s.logger.With(zap.String("request_id", reqID))
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(logging.IntoContext(r.Context(), reqLogger)))
		reqLogger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(r.Context(), s.logger).Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authRequired refuses every request. It guards routes that need an API key
// while auth is disabled.
func authRequired(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(zap.NewNop(), w, http.StatusForbidden,
			map[string]string{"error": "this endpoint requires auth.enabled and an API key"})
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
