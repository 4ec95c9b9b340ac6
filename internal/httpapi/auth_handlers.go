package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"puntosclub.org/internal/audit"
	"puntosclub.org/internal/auth"
	"puntosclub.org/internal/loyalty"
)

type signUpRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		writeError(w, r, http.StatusBadRequest, "first_name and last_name are required")
		return
	}

	seed := auth.ProfileSeed{
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     strings.TrimSpace(req.Phone),
	}
	err := a.sync.SignUp(r.Context(), req.Email, req.Password, seed)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "sign-up failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.signup", map[string]any{"email": strings.ToLower(strings.TrimSpace(req.Email))})
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created"})
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.sync.SignIn(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, loyalty.ErrNotBeneficiary):
		_ = audit.LogEvent(r.Context(), "auth.signin.rejected", map[string]any{"reason": "not_beneficiary"})
		writeError(w, r, http.StatusForbidden, loyalty.ErrNotBeneficiary.Error())
		return
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "sign-in failed")
		return
	}

	snap := a.sync.Snapshot()
	_ = audit.LogEvent(r.Context(), "auth.signin", nil)
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.sync.SignOut(r.Context()); err != nil {
		// Local state is cleared regardless; report the revocation failure.
		writeError(w, r, http.StatusInternalServerError, "sign-out incomplete")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.signout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "signed_out"})
}
