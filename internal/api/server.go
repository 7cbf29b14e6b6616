package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/collector"
	"github.com/JakeFAU/bgm-collector/internal/metrics"
	"github.com/JakeFAU/bgm-collector/internal/user"
)

const requestTimeout = 60 * time.Second

// UserQuerier answers name-history lookups.
type UserQuerier interface {
	Query(ctx context.Context, uid collector.UID) (collector.User, error)
}

// CatalogQuerier answers on-air catalog lookups.
type CatalogQuerier interface {
	Query(ctx context.Context, ids []collector.SubjectID) (collector.Catalog, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the user and catalog services.
type Server struct {
	router  chi.Router
	handler http.Handler
	users   UserQuerier
	catalog CatalogQuerier
	ready   Pinger
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness makes /readyz consult p.
func WithReadiness(p Pinger) Option {
	return func(s *Server) { s.ready = p }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(users UserQuerier, catalog CatalogQuerier, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		users:   users,
		catalog: catalog,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/user/name-history", s.getNameHistory)
		r.Get("/onair", s.getOnAir)
	})

	s.router = r
	s.handler = otelhttp.NewHandler(r, "collector.api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz" && r.URL.Path != "/metrics"
		}),
	)
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getNameHistory(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("uid"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing uid")
		return
	}
	u, err := s.users.Query(r.Context(), collector.ParseUID(token))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": u})
}

func (s *Server) getOnAir(w http.ResponseWriter, r *http.Request) {
	ids := parseSubjects(r.URL.Query().Get("subjects"))
	entries := make([][2]any, 0, len(ids))
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"data": entries})
		return
	}
	items, err := s.catalog.Query(r.Context(), ids)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	found := make([]collector.SubjectID, 0, len(items))
	for id := range items {
		found = append(found, id)
	}
	slices.Sort(found)
	for _, id := range found {
		entries = append(entries, [2]any{id, items[id]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// parseSubjects reads a comma separated id list, skipping anything that is
// not a positive integer and collapsing duplicates.
func parseSubjects(raw string) []collector.SubjectID {
	seen := make(map[collector.SubjectID]struct{})
	var ids []collector.SubjectID
	for part := range strings.SplitSeq(raw, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		id := collector.SubjectID(n)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var fetchErr *collector.FetchError
	var parseErr *collector.ParseError
	switch {
	case errors.Is(err, collector.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, user.ErrInvalidUID):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr), errors.As(err, &parseErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
