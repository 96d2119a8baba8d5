// Package server is the HTTP adapter over the service facade: JSON endpoints
// under /v1, tenant identity from the X-Neotoma-User header, stable error
// tags mapped to status codes. Routing stays method+path dispatch; anything
// smarter belongs in the service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/service"
)

// TenantHeader names the header carrying the opaque tenant id. Authentication
// itself happens in front of this server; the header is trusted as-is.
const TenantHeader = "X-Neotoma-User"

// Config tunes the HTTP server.
type Config struct {
	Addr string
	// RequestTimeout bounds one request end to end. Zero selects 60s.
	RequestTimeout time.Duration
}

// Server serves the truth layer over HTTP.
type Server struct {
	svc      *service.Service
	log      *zap.Logger
	cfg      Config
	validate *validator.Validate
	started  time.Time

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server over an assembled service.
func New(svc *service.Service, log *zap.Logger, cfg Config) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Server{
		svc:      svc,
		log:      log,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		started:  time.Now(),
	}
}

// Handler builds the full route tree. Exposed so tests can drive the server
// through httptest without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Use(s.requireTenant)

		r.Post("/sources", s.handleIngestUnstructured)
		r.Get("/sources", s.handleListSources)
		r.Get("/sources/{sourceID}", s.handleGetSource)
		r.Get("/sources/{sourceID}/content", s.handleSourceContent)
		r.Post("/sources/{sourceID}/interpret", s.handleInterpret)

		r.Post("/ingest/structured", s.handleIngestStructured)

		r.Get("/entities", s.handleListEntities)
		r.Get("/entities/{entityID}", s.handleEntitySnapshot)
		r.Delete("/entities/{entityID}", s.handleDeleteEntity)
		r.Post("/entities/{entityID}/restore", s.handleRestoreEntity)
		r.Post("/entities/{entityID}/corrections", s.handleCorrect)
		r.Get("/entities/{entityID}/observations", s.handleEntityObservations)
		r.Get("/entities/{entityID}/provenance/{field}", s.handleProvenance)
		r.Get("/entities/{entityID}/relationships", s.handleRelationships)
		r.Get("/entities/{entityID}/related", s.handleRelated)
		r.Get("/entities/{entityID}/neighborhood", s.handleNeighborhood)

		r.Get("/snapshots", s.handleListSnapshots)
		r.Get("/observations", s.handleListObservations)
		r.Get("/timeline", s.handleTimeline)
		r.Get("/interpretations", s.handleListInterpretations)

		r.Post("/merges", s.handleMerge)

		r.Get("/entity-types", s.handleListEntityTypes)
		r.Get("/schemas", s.handleListSchemas)
		r.Post("/schemas", s.handleRegisterSchema)
		r.Get("/schemas/{entityType}", s.handleGetSchema)
		r.Post("/schemas/{entityType}/fields", s.handleUpdateSchema)
		r.Get("/schemas/{entityType}/candidates", s.handleSchemaCandidates)
		r.Get("/schemas/{entityType}/recommendations", s.handleSchemaRecommendations)
		r.Post("/schemas/{entityType}/promote", s.handlePromoteField)
		r.Get("/schemas/{entityType}/jsonschema", s.handleExportSchema)
	})
	return r
}

// Start listens on cfg.Addr and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("http server listening", zap.String("addr", s.Addr()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

type tenantKey struct{}

// requireTenant rejects /v1 requests without a tenant header and stashes the
// id in the request context.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(TenantHeader)
		if user == "" {
			s.writeError(w, r, http.StatusUnauthorized,
				neoerr.Invalid("%s header is required", TenantHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, user)))
	})
}

func tenant(r *http.Request) string {
	user, _ := r.Context().Value(tenantKey{}).(string)
	return user
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// statusOf maps an error tag to its HTTP status.
func statusOf(err error) int {
	switch neoerr.TagOf(err) {
	case neoerr.TagInvalidInput:
		return http.StatusBadRequest
	case neoerr.TagSchemaViolation:
		return http.StatusUnprocessableEntity
	case neoerr.TagNotFound:
		return http.StatusNotFound
	case neoerr.TagConflict:
		return http.StatusConflict
	case neoerr.TagQuotaExceeded:
		return http.StatusTooManyRequests
	case neoerr.TagUnavailable:
		return http.StatusServiceUnavailable
	case neoerr.TagDeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, statusOf(err), err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: errorDetail{
		Tag:     string(neoerr.TagOf(err)),
		Message: err.Error(),
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", zap.Error(err))
	}
}

// decode unmarshals and validates a JSON request body. On failure the error
// response has already been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.fail(w, r, neoerr.Invalid("malformed JSON body: %v", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.fail(w, r, neoerr.Invalid("invalid request: %v", err))
		return false
	}
	return true
}
