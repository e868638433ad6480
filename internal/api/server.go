// Package api serves the operator and resynchronisation HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"soulchat/internal/auth"
	"soulchat/internal/crisis"
	"soulchat/pkg/interfaces"
	"soulchat/pkg/types"
)

// Directory is the read side of the chat service.
type Directory interface {
	Session(sessionID string) (*types.Session, error)
	Groups() []types.Group
}

// CrisisController is the operator surface of the crisis coordinator.
type CrisisController interface {
	States() []types.CrisisState
	StateForSession(sessionID string) (types.CrisisState, bool, error)
	Activate(scope types.Scope, message string) (types.CrisisState, error)
	Deactivate(scope types.Scope) error
}

// StatsSource reports component counters for /health.
type StatsSource interface {
	GetStats() map[string]int
}

// Dependencies groups the components the server reads from. Incidents,
// Validator, Metrics and WebSocket are optional.
type Dependencies struct {
	Directory   Directory
	Crisis      CrisisController
	Connections StatsSource
	Incidents   interfaces.IncidentStore
	Validator   *auth.JWTValidator
	Metrics     http.Handler
	WebSocket   http.Handler
	Clock       types.Clock
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// No business logic here, only HTTP handling and JSON serialization.
type Server struct {
	deps    Dependencies
	router  *http.ServeMux
	started time.Time
	logger  zerolog.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(deps Dependencies, logger zerolog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = types.SystemClock()
	}
	s := &Server{
		deps:    deps,
		router:  http.NewServeMux(),
		started: deps.Clock(),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/crisis", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleCrisis))))
	s.router.Handle("/api/crisis/activate", s.corsMiddleware(s.jsonMiddleware(s.operator(http.HandlerFunc(s.activateCrisis)))))
	s.router.Handle("/api/crisis/deactivate", s.corsMiddleware(s.jsonMiddleware(s.operator(http.HandlerFunc(s.deactivateCrisis)))))
	s.router.Handle("/api/groups", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.listGroups))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/api/incidents", s.corsMiddleware(s.jsonMiddleware(s.operator(http.HandlerFunc(s.listIncidents)))))

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type ActivateRequest struct {
	Scope   string `json:"scope"`
	Message string `json:"message"`
}

type DeactivateRequest struct {
	Scope string `json:"scope"`
}

// PublicCrisisState is the unauthenticated view of a crisis. It never
// identifies the participant who triggered it.
type PublicCrisisState struct {
	Scope       string    `json:"scope"`
	Active      bool      `json:"active"`
	StartedAt   time.Time `json:"started_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	TriggerText string    `json:"trigger_text,omitempty"`
	Manual      bool      `json:"manual"`
}

func publicCrisisState(state types.CrisisState, withText bool) PublicCrisisState {
	view := PublicCrisisState{
		Scope:     state.Scope,
		Active:    state.Active,
		StartedAt: state.StartedAt,
		ExpiresAt: state.ExpiresAt,
		Manual:    state.Manual,
	}
	if withText {
		view.TriggerText = state.TriggerText
	}
	return view
}

type CrisisResponse struct {
	States []PublicCrisisState `json:"states"`
}

type CrisisStateResponse struct {
	State types.CrisisState `json:"state"`
}

// GroupSummary omits member session IDs.
type GroupSummary struct {
	ID        types.GroupID `json:"group_id"`
	Label     string        `json:"label"`
	Size      int           `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
}

type ListGroupsResponse struct {
	Groups []GroupSummary `json:"groups"`
}

type SessionResponse struct {
	Session *types.Session     `json:"session"`
	Frozen  bool               `json:"frozen"`
	Crisis  *PublicCrisisState `json:"crisis,omitempty"`
}

type ListIncidentsResponse struct {
	Incidents []*types.Incident `json:"incidents"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	Groups      int                    `json:"groups"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/crisis - every scope currently in crisis mode.
func (s *Server) handleCrisis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Trigger text is shown only to the scope it belongs to, via the
	// session endpoint and the crisis-activated event.
	states := s.deps.Crisis.States()
	views := make([]PublicCrisisState, len(states))
	for i, state := range states {
		views[i] = publicCrisisState(state, false)
	}
	s.writeJSON(w, http.StatusOK, CrisisResponse{States: views})
}

// POST /api/crisis/activate
func (s *Server) activateCrisis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	scope, ok := s.parseScope(w, req.Scope)
	if !ok {
		return
	}

	state, err := s.deps.Crisis.Activate(scope, strings.TrimSpace(req.Message))
	if err != nil {
		s.sendCrisisError(w, err)
		return
	}

	s.logger.Info().Str("scope", scope.String()).Str("operator", operatorName(r)).Msg("manual crisis activation")
	s.writeJSON(w, http.StatusOK, CrisisStateResponse{State: state})
}

// POST /api/crisis/deactivate
func (s *Server) deactivateCrisis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	scope, ok := s.parseScope(w, req.Scope)
	if !ok {
		return
	}

	if err := s.deps.Crisis.Deactivate(scope); err != nil {
		s.sendCrisisError(w, err)
		return
	}

	s.logger.Info().Str("scope", scope.String()).Str("operator", operatorName(r)).Msg("manual crisis deactivation")
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Crisis mode deactivated"})
}

// GET /api/groups
func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	groups := s.deps.Directory.Groups()
	summaries := make([]GroupSummary, len(groups))
	for i, g := range groups {
		summaries[i] = GroupSummary{
			ID:        g.ID,
			Label:     g.Label,
			Size:      len(g.Members),
			CreatedAt: g.CreatedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, ListGroupsResponse{Groups: summaries})
}

// GET /api/sessions/{id} - session record, freeze window and crisis state.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")[0]
	if sessionID == "" {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	session, err := s.deps.Directory.Session(sessionID)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		}
		return
	}

	resp := SessionResponse{
		Session: session,
		Frozen:  session.IsFrozen(s.deps.Clock()),
	}
	if state, active, err := s.deps.Crisis.StateForSession(sessionID); err == nil && active {
		view := publicCrisisState(state, true)
		resp.Crisis = &view
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /api/incidents?limit=N
func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Incidents == nil {
		s.sendError(w, "Incident store disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	incidents, err := s.deps.Incidents.ListIncidents(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list incidents")
		s.sendError(w, "Failed to list incidents", http.StatusInternalServerError)
		return
	}
	if incidents == nil {
		incidents = []*types.Incident{}
	}
	s.writeJSON(w, http.StatusOK, ListIncidentsResponse{Incidents: incidents})
}

// GET /health - 503 when the incident store is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.deps.Incidents != nil {
		dbStatus = "healthy"
		if err := s.deps.Incidents.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	connections := map[string]int{}
	if s.deps.Connections != nil {
		connections = s.deps.Connections.GetStats()
	}

	now := s.deps.Clock()
	response := HealthResponse{
		Status:      status,
		Timestamp:   now,
		Database:    dbStatus,
		Connections: connections,
		Groups:      len(s.deps.Directory.Groups()),
		System: map[string]interface{}{
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int64(now.Sub(s.started).Seconds()),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// operator guards a handler with the operator JWT check. Without a
// configured secret the operator endpoints are disabled.
func (s *Server) operator(next http.Handler) http.Handler {
	if s.deps.Validator == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.sendError(w, "Operator API disabled", http.StatusServiceUnavailable)
		})
	}
	return s.deps.Validator.RequireOperator(next)
}

func operatorName(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

func (s *Server) parseScope(w http.ResponseWriter, raw string) (types.Scope, bool) {
	scope, err := types.ParseScope(strings.TrimSpace(raw))
	if err != nil || scope.Kind == types.ScopeSession {
		s.sendError(w, "scope must be \"global\" or \"group:<id>\"", http.StatusBadRequest)
		return types.Scope{}, false
	}
	return scope, true
}

func (s *Server) sendCrisisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crisis.ErrScopeMismatch):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrGroupNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, crisis.ErrCrisisNotActive):
		s.sendError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error().Err(err).Msg("crisis operation failed")
		s.sendError(w, "Crisis operation failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// jsonMiddleware sets the JSON content type for all API responses.
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
