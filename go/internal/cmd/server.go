package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/config"
	"github.com/mcdev12/judgesync/go/internal/core"
	"github.com/mcdev12/judgesync/go/internal/display"
	"github.com/mcdev12/judgesync/go/internal/models"
	"github.com/mcdev12/judgesync/go/internal/snapshot"
	"github.com/mcdev12/judgesync/go/internal/timer"
	"github.com/mcdev12/judgesync/go/internal/timercontrol"
)

func setupServer(cfg *config.Config, services *core.Services, displays *display.Handler) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	api := &apiHandler{services: services}
	api.registerRoutes(mux)
	displays.RegisterRoutes(mux)
	setupHealthCheck(mux)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

type apiHandler struct {
	services *core.Services
}

func (h *apiHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.handleState)
	mux.HandleFunc("POST /api/refresh", h.handleRefresh)
	mux.HandleFunc("POST /api/timer/{action}", h.handleTimerAction)
	mux.HandleFunc("POST /api/timer/preset", h.handleSelectPreset)
	mux.HandleFunc("POST /api/share-link", h.handleShareLink)
	h.registerBallotRoutes(mux)
	h.registerAuthRoutes(mux)
}

type cacheView[T any] struct {
	Snapshot  *snapshot.Snapshot[T] `json:"snapshot"`
	Loading   bool                  `json:"loading"`
	IsOffline bool                  `json:"isOffline"`
	IsStale   bool                  `json:"isStale"`
	Error     string                `json:"error,omitempty"`
}

func toCacheView[T any](s snapshot.State[T]) cacheView[T] {
	return cacheView[T]{
		Snapshot:  s.Snapshot,
		Loading:   s.Loading,
		IsOffline: s.IsOffline,
		IsStale:   s.IsStale,
		Error:     apperr.UserMessage(s.Err),
	}
}

type stateResponse struct {
	EventID  string                               `json:"eventId"`
	Rankings cacheView[[]models.RankingEntry]     `json:"rankings"`
	Criteria cacheView[[]models.ScoringCriterion] `json:"criteria"`
	Timer    timer.View                           `json:"timer"`
	Control  timercontrol.State                   `json:"control"`
}

func (h *apiHandler) state() stateResponse {
	s := h.services
	return stateResponse{
		EventID:  s.EventID(),
		Rankings: toCacheView(s.Rankings.State()),
		Criteria: toCacheView(s.Criteria.State()),
		Timer:    s.Timer.View(),
		Control:  s.Control.State(),
	}
}

func (h *apiHandler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

func (h *apiHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	h.services.Rankings.Refresh(r.Context())
	h.services.Criteria.Refresh(r.Context())
	h.services.Timer.Refresh(r.Context())
	writeJSON(w, http.StatusOK, h.state())
}

type timerActionRequest struct {
	DurationSeconds int    `json:"durationSeconds"`
	PresetID        string `json:"presetId"`
}

func (h *apiHandler) handleTimerAction(w http.ResponseWriter, r *http.Request) {
	var req timerActionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	opts := timer.ActionOptions{DurationSeconds: req.DurationSeconds, PresetID: req.PresetID}

	control := h.services.Control
	var err error
	switch timer.Action(r.PathValue("action")) {
	case timer.ActionStart:
		_, err = control.Start(r.Context(), opts)
	case timer.ActionPause:
		_, err = control.Pause(r.Context())
	case timer.ActionResume:
		_, err = control.Resume(r.Context())
	case timer.ActionReset:
		_, err = control.Reset(r.Context(), opts)
	default:
		writeError(w, http.StatusNotFound, "unknown timer action")
		return
	}

	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, timer.ErrActionPending):
			status = http.StatusConflict
		case errors.Is(err, timercontrol.ErrInvalidTransition), errors.Is(err, timercontrol.ErrUnknownPreset):
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, messageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

func (h *apiHandler) handleSelectPreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PresetID string `json:"presetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.services.Control.SelectPreset(req.PresetID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, messageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, h.services.Control.State())
}

func (h *apiHandler) handleShareLink(w http.ResponseWriter, r *http.Request) {
	state, err := h.services.Control.CreateShareLink(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, messageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func messageOf(err error) string {
	if msg := apperr.UserMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
