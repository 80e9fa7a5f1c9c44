package display

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// TokenVerifier checks display share tokens.
type TokenVerifier interface {
	VerifyDisplayToken(ctx context.Context, eventID, token string) (bool, error)
}

// DemoTokenPrefix marks locally synthesised share links.
const DemoTokenPrefix = "demo-"

// Handler serves display WebSocket connections.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	// allowDemo accepts demo share links, used when no verifier can be
	// reached.
	allowDemo bool
}

func NewHandler(hub *Hub, verifier TokenVerifier, allowDemoTokens bool) *Handler {
	return &Handler{hub: hub, verifier: verifier, allowDemo: allowDemoTokens}
}

// HandleDisplayConnection upgrades /ws/display?event_id=..&token=..
func (h *Handler) HandleDisplayConnection(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		http.Error(w, "event_id is required", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}

	ok, err := h.authorize(r.Context(), eventID, token)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to verify display token")
		http.Error(w, "could not verify token", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		log.Warn().Str("event_id", eventID).Msg("display token rejected")
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	if err := h.hub.UpgradeConnection(w, r, eventID); err != nil {
		// The upgrader has already written the HTTP error.
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to upgrade display connection")
	}
}

func (h *Handler) authorize(ctx context.Context, eventID, token string) (bool, error) {
	if strings.HasPrefix(token, DemoTokenPrefix) {
		return h.allowDemo, nil
	}
	if h.verifier == nil {
		return false, nil
	}
	return h.verifier.VerifyDisplayToken(ctx, eventID, token)
}

// HandleStats returns the open display counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.hub.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode display stats")
	}
}

// RegisterRoutes registers the display routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/display", h.HandleDisplayConnection)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}
