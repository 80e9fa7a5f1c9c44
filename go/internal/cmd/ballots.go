package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/ballot"
)

func (h *apiHandler) registerBallotRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/ballots/{teamId}", h.handleGetBallot)
	mux.HandleFunc("POST /api/ballots/{teamId}/submit", h.handleSubmitBallot)
	mux.HandleFunc("POST /api/ballots/{teamId}/unlock", h.handleRequestUnlock)
	mux.HandleFunc("POST /api/ballots/{teamId}/unlock/cancel", h.handleCancelUnlock)
	mux.HandleFunc("POST /api/ballots/{teamId}/unlock/resolve", h.handleResolveUnlock)
}

type submitResponse struct {
	Result ballot.SubmitResult `json:"result"`
	Ballot ballot.Snapshot     `json:"ballot"`
	Error  string              `json:"error,omitempty"`
}

func (h *apiHandler) handleGetBallot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.services.Ballots.Get(h.services.EventID(), r.PathValue("teamId")))
}

func (h *apiHandler) handleSubmitBallot(w http.ResponseWriter, r *http.Request) {
	var payload ballot.SubmissionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Scores) == 0 {
		writeError(w, http.StatusBadRequest, "scores are required")
		return
	}

	result, snap, err := h.services.SubmitBallot(r.Context(), r.PathValue("teamId"), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, submitResponse{Result: result, Ballot: snap})
	case result == ballot.ResultQueued:
		// Locked locally and waiting for the outbox.
		writeJSON(w, http.StatusAccepted, submitResponse{Result: result, Ballot: snap, Error: messageOf(err)})
	default:
		writeBallotError(w, err)
	}
}

func (h *apiHandler) handleRequestUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	snap, err := h.services.Ballots.RequestUnlock(r.Context(), h.services.EventID(), r.PathValue("teamId"), req.Note)
	if err != nil {
		writeBallotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *apiHandler) handleCancelUnlock(w http.ResponseWriter, r *http.Request) {
	snap, err := h.services.Ballots.CancelUnlock(r.Context(), h.services.EventID(), r.PathValue("teamId"))
	if err != nil {
		writeBallotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *apiHandler) handleResolveUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status         ballot.UnlockStatus `json:"status"`
		ResolutionNote string              `json:"resolutionNote"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := h.services.Ballots.ResolveUnlock(r.Context(), h.services.EventID(), r.PathValue("teamId"), ballot.Resolution{
		Status:         req.Status,
		ResolutionNote: req.ResolutionNote,
	})
	if err != nil {
		writeBallotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeBallotError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := messageOf(err)
	switch {
	case errors.Is(err, ballot.ErrAlreadyLocked):
		status = http.StatusConflict
		msg = "This ballot is already submitted; request an unlock to change it"
	case errors.Is(err, ballot.ErrInvalidResolution):
		status = http.StatusUnprocessableEntity
	default:
		log.Error().Err(err).Msg("ballot update failed")
		msg = "Your ballot could not be saved"
	}
	writeError(w, status, msg)
}
