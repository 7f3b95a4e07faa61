// Package api exposes the coordinator over HTTP and WebSocket. Handlers
// carry no business logic; they translate requests into coordinator calls
// and domain errors into status codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"spotter/internal/channel"
	"spotter/internal/config"
	"spotter/internal/coordinator"
	"spotter/pkg/types"
)

// HealthChecker reports backend liveness for the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server routes HTTP and WebSocket traffic to the coordinator.
type Server struct {
	coord   *coordinator.Coordinator
	mux     *channel.Multiplexer
	health  HealthChecker
	wsCfg   config.WebSocketConfig
	metrics http.Handler
	logger  *zap.Logger
	router  chi.Router
}

func NewServer(coord *coordinator.Coordinator, mux *channel.Multiplexer, health HealthChecker,
	wsCfg config.WebSocketConfig, metricsHandler http.Handler, logger *zap.Logger) *Server {

	s := &Server{
		coord:   coord,
		mux:     mux,
		health:  health,
		wsCfg:   wsCfg,
		metrics: metricsHandler,
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.initiateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/checkin", s.checkIn)
			r.Post("/respond", s.respond)
			r.Post("/cancel", s.cancel)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
			r.Post("/checkout", s.checkout)
			r.Post("/adjust", s.adjust)
			r.Post("/heartbeat", s.heartbeat)
		})
	})

	r.Get("/ws", s.attachChannel)
	r.Get("/health", s.healthCheck)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

type initiateRequest struct {
	StudentID        string          `json:"student_id"`
	RequireProximity bool            `json:"require_proximity"`
	Location         *types.GeoPoint `json:"location,omitempty"`
	RadiusMeters     float64         `json:"radius_meters,omitempty"`
	PlannedSeconds   int64           `json:"planned_seconds,omitempty"`
}

type checkInRequest struct {
	Location types.GeoPoint `json:"location"`
}

type respondRequest struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

type checkoutRequest struct {
	Notes string `json:"notes,omitempty"`
}

type adjustRequest struct {
	PlannedSeconds int64 `json:"planned_seconds"`
}

func (s *Server) initiateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req initiateRequest
	if !s.decode(w, r, &req) {
		return
	}

	snap, err := s.coord.Initiate(r.Context(), coordinator.InitiateParams{
		TrainerID:        userID,
		StudentID:        req.StudentID,
		RequireProximity: req.RequireProximity,
		Location:         req.Location,
		RadiusMeters:     req.RadiusMeters,
		PlannedSeconds:   req.PlannedSeconds,
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, snap)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	snap, err := s.coord.Snapshot(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	// The location is optional; sessions without a proximity requirement
	// accept a bodyless check-in.
	var req checkInRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	snap, err := s.coord.CheckIn(r.Context(), chi.URLParam(r, "sessionID"), userID, req.Location)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.coord.Respond(r.Context(), chi.URLParam(r, "sessionID"), userID, req.Accept, req.Reason)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, s.coord.Cancel)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, s.coord.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, s.coord.Resume)
}

func (s *Server) simpleTransition(w http.ResponseWriter, r *http.Request,
	op func(context.Context, string, string) (*types.Snapshot, error)) {

	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	snap, err := op(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	snap, err := s.coord.Checkout(r.Context(), chi.URLParam(r, "sessionID"), userID, req.Notes)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) adjust(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.coord.Adjust(r.Context(), chi.URLParam(r, "sessionID"), userID, req.PlannedSeconds)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.coord.Heartbeat(r.Context(), chi.URLParam(r, "sessionID"), userID); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.health.HealthCheck(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		s.logger.Warn("health check failed", zap.Error(err))
	}
	s.sendJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"channels":  s.mux.Stats(),
	})
}

// identity extracts the verified caller ID. Authentication happens
// upstream; this service trusts the X-User-ID header it is handed.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if !types.IsValidUserID(userID) {
		s.sendJSON(w, http.StatusUnauthorized, errorBody("missing or invalid X-User-ID header"))
		return "", false
	}
	return userID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// decodeOptional tolerates an empty body for endpoints whose payload is
// entirely optional.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.sendJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	s.sendJSON(w, statusFor(err), errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
