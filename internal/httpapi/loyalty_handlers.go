package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"puntosclub.org/internal/audit"
	"puntosclub.org/internal/loyalty"
)

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	snap := a.sync.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        snap,
		"subscription": snap.Subscription.String(),
	})
}

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	snap := a.sync.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"organizations": snap.Organizations,
		"memberships":   snap.Memberships,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.sync.RefreshOrganizations(r.Context()); err != nil {
		writeError(w, r, http.StatusBadGateway, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, a.sync.Snapshot())
}

// handleOrganizationSub routes /v1/organizations/{id}/join.
func (a *API) handleOrganizationSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/organizations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "join" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	organizationID := parts[0]

	err := a.sync.JoinOrganization(r.Context(), organizationID)
	switch {
	case err == nil:
	case errors.Is(err, loyalty.ErrNotAuthenticated):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	case errors.Is(err, loyalty.ErrAlreadyMember):
		writeError(w, r, http.StatusConflict, loyalty.ErrAlreadyMember.Error())
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "join failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "membership.join", map[string]any{"organization_id": organizationID})
	writeJSON(w, http.StatusOK, a.sync.Snapshot())
}
