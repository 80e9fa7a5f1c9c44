package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
)

func (h *apiHandler) registerAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/auth/session", h.handleSession)
	mux.HandleFunc("POST /api/auth/magic-link", h.handleMagicLink)
	mux.HandleFunc("POST /api/auth/pin", h.handleVerifyPin)
	mux.HandleFunc("POST /api/auth/sign-in", h.handleSignIn)
	mux.HandleFunc("POST /api/auth/sign-up", h.handleSignUp)
	mux.HandleFunc("POST /api/auth/password-reset", h.handlePasswordReset)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Pin      string `json:"pin"`
}

type sessionResponse struct {
	Session *collab.Session `json:"session"`
}

// authFor decodes the credentials and resolves the auth service, writing the
// error response itself when either fails.
func (h *apiHandler) authFor(w http.ResponseWriter, r *http.Request) (collab.AuthService, credentials, bool) {
	var creds credentials
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return nil, creds, false
		}
	}
	svc, err := h.services.AuthService()
	if err != nil {
		writeAuthError(w, err)
		return nil, creds, false
	}
	return svc, creds, true
}

func (h *apiHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	svc, _, ok := h.authFor(w, r)
	if !ok {
		return
	}
	session, err := svc.GetSession(r.Context())
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session})
}

func (h *apiHandler) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	svc, creds, ok := h.authFor(w, r)
	if !ok {
		return
	}
	if err := svc.RequestMagicLink(r.Context(), creds.Email); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	svc, creds, ok := h.authFor(w, r)
	if !ok {
		return
	}
	result, err := svc.VerifyPin(r.Context(), creds.Email, creds.Pin)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (h *apiHandler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	svc, creds, ok := h.authFor(w, r)
	if !ok {
		return
	}
	session, err := svc.SignInWithPassword(r.Context(), creds.Email, creds.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session})
}

func (h *apiHandler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	svc, creds, ok := h.authFor(w, r)
	if !ok {
		return
	}
	session, err := svc.SignUpWithPassword(r.Context(), creds.Email, creds.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	// A nil session means the address still has to be confirmed.
	writeJSON(w, http.StatusCreated, sessionResponse{Session: session})
}

func (h *apiHandler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	svc, creds, ok := h.authFor(w, r)
	if !ok {
		return
	}
	if err := svc.RequestPasswordReset(r.Context(), creds.Email); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, collab.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	var authErr *apperr.AuthError
	if !errors.As(err, &authErr) {
		err = apperr.NewAuthError("Authentication failed", err)
	}
	writeError(w, status, messageOf(err))
}
