// ABOUTME: HTTP API handlers for sessions, agents, and health endpoints.
// ABOUTME: Provides the /api/v1 REST surface consumed by the CLI and operators.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hivespace/hive-control/internal/dispatch"
	"github.com/hivespace/hive-control/internal/store"
)

// CreateSessionRequest is the JSON request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	UserID    string            `json:"user_id"`
	Template  string            `json:"template"`
	ClusterID *string           `json:"cluster_id,omitempty"`
	Resources map[string]string `json:"resources,omitempty"`
}

// SessionResponse is the JSON representation of a session.
type SessionResponse struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Template     string     `json:"template"`
	ClusterID    *string    `json:"cluster_id,omitempty"`
	AgentID      *string    `json:"agent_id,omitempty"`
	State        string     `json:"state"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AgentResponse is the JSON representation of an agent.
type AgentResponse struct {
	AgentID        string     `json:"agent_id"`
	Platform       string     `json:"platform"`
	Region         string     `json:"region"`
	ClusterID      string     `json:"cluster_id"`
	Status         string     `json:"status"`
	Connected      bool       `json:"connected"`
	ActiveSessions int        `json:"active_sessions"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
}

// errorResponse is the JSON error body returned by all handlers.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// routes builds the gateway's HTTP router.
func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz/ready", g.handleReady).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", g.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", g.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", g.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", g.handleCancelSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/hibernate", g.handleHibernateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/wake", g.handleWakeSession).Methods(http.MethodPost)
	api.HandleFunc("/agents", g.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/connect", g.handleAgentConnect).Methods(http.MethodGet)

	return r
}

// handleHealth returns 200 OK if the server is alive and the store reachable.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if pinger, ok := g.store.(interface {
		Ping(ctx context.Context) error
	}); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	snaps := g.manager.Snapshot()
	if len(snaps) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleCreateSession handles POST /api/v1/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.UserID == "" || req.Template == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id and template are required", "")
		return
	}

	session, err := g.dispatcher.CreateSession(r.Context(), &dispatch.SessionRequest{
		UserID:    req.UserID,
		Template:  req.Template,
		ClusterID: req.ClusterID,
		Resources: req.Resources,
	})
	if err != nil {
		status, kind := dispatchErrorStatus(err)
		// A session row may exist even when dispatch ultimately failed;
		// include it so the caller can inspect the failed record.
		if session != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(struct {
				errorResponse
				Session *SessionResponse `json:"session,omitempty"`
			}{
				errorResponse: errorResponse{Error: err.Error(), Kind: kind},
				Session:       toSessionResponse(session),
			})
			return
		}
		g.sendJSONError(w, status, err.Error(), kind)
		return
	}

	g.writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// handleGetSession handles GET /api/v1/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := g.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found", "")
			return
		}
		g.logger.Error("loading session", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	g.writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// handleListSessions handles GET /api/v1/sessions?user_id=X.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id query parameter is required", "")
		return
	}

	sessions, err := g.store.ListUserSessions(r.Context(), userID)
	if err != nil {
		g.logger.Error("listing sessions", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}

	resp := make([]*SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleCancelSession handles DELETE /api/v1/sessions/{id}.
func (g *Gateway) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := g.dispatcher.CancelSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found", "")
			return
		}
		g.logger.Error("cancelling session", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHibernateSession handles POST /api/v1/sessions/{id}/hibernate.
func (g *Gateway) handleHibernateSession(w http.ResponseWriter, r *http.Request) {
	g.handleSessionTransition(w, r, g.dispatcher.HibernateSession)
}

// handleWakeSession handles POST /api/v1/sessions/{id}/wake.
func (g *Gateway) handleWakeSession(w http.ResponseWriter, r *http.Request) {
	g.handleSessionTransition(w, r, g.dispatcher.WakeSession)
}

// handleSessionTransition dispatches a lifecycle command and answers 202:
// the transition completes asynchronously when the agent reports back.
func (g *Gateway) handleSessionTransition(w http.ResponseWriter, r *http.Request,
	op func(context.Context, string) (*store.Session, error)) {
	id := mux.Vars(r)["id"]
	session, err := op(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "session not found", "")
		case errors.Is(err, store.ErrInvalidTransition):
			g.sendJSONError(w, http.StatusConflict, err.Error(), "")
		default:
			status, kind := dispatchErrorStatus(err)
			g.sendJSONError(w, status, err.Error(), kind)
		}
		return
	}
	g.writeJSON(w, http.StatusAccepted, toSessionResponse(session))
}

// handleListAgents handles GET /api/v1/agents. Persisted rows are merged
// with live registry state so retired and offline agents still appear.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("listing agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}

	live := make(map[string]int)
	for _, snap := range g.manager.Snapshot() {
		live[snap.AgentID] = snap.ActiveSessions
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		sessions, connected := live[a.AgentID]
		resp = append(resp, AgentResponse{
			AgentID:        a.AgentID,
			Platform:       a.Platform,
			Region:         a.Region,
			ClusterID:      a.ClusterID,
			Status:         a.Status,
			Connected:      connected,
			ActiveSessions: sessions,
			LastHeartbeat:  a.LastHeartbeat,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// dispatchErrorStatus maps a dispatch error to an HTTP status and error kind.
func dispatchErrorStatus(err error) (int, string) {
	var derr *dispatch.Error
	if !errors.As(err, &derr) {
		return http.StatusBadRequest, ""
	}
	switch derr.Kind {
	case dispatch.KindQuotaExceeded:
		return http.StatusTooManyRequests, string(derr.Kind)
	case dispatch.KindNoCapacity:
		return http.StatusServiceUnavailable, string(derr.Kind)
	case dispatch.KindDispatchTimeout, dispatch.KindConnectionLost:
		return http.StatusBadGateway, string(derr.Kind)
	case dispatch.KindPersistence:
		return http.StatusInternalServerError, string(derr.Kind)
	default:
		return http.StatusInternalServerError, string(derr.Kind)
	}
}

func toSessionResponse(s *store.Session) *SessionResponse {
	return &SessionResponse{
		ID:           s.ID,
		UserID:       s.UserID,
		Template:     s.Template,
		ClusterID:    s.ClusterID,
		AgentID:      s.AgentID,
		State:        s.State,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message, kind string) {
	g.writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}
