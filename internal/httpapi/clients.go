package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"bizregistry.org/internal/auth"
	"bizregistry.org/internal/credentials"
)

const defaultSecretDays = 365

type createClientRequest struct {
	ClientID    string   `json:"client_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Scopes      []string `json:"scopes"`
}

type generateSecretRequest struct {
	ExpiresInDays *int `json:"expires_in_days"`
}

type updateScopesRequest struct {
	Scopes []string `json:"scopes"`
}

type listClientsResponse struct {
	Items []credentials.Mapping `json:"items"`
}

type secretAuditResponse struct {
	Items []credentials.SecretAuditRecord `json:"items"`
}

func actorFrom(r *http.Request) credentials.Actor {
	p, _ := auth.PrincipalFromContext(r.Context())
	return credentials.Actor{Principal: p, IP: auth.ClientIP(r), UserAgent: r.UserAgent()}
}

func (a *API) createClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	m, err := a.clients.Create(r.Context(), actorFrom(r), credentials.CreateInput{
		PartyID:     chi.URLParam(r, "partyID"),
		ClientID:    req.ClientID,
		Name:        req.Name,
		Description: req.Description,
		Scopes:      req.Scopes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/clients/"+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) listClients(w http.ResponseWriter, r *http.Request) {
	items, err := a.clients.List(r.Context(), actorFrom(r), chi.URLParam(r, "partyID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []credentials.Mapping{}
	}
	writeJSON(w, http.StatusOK, listClientsResponse{Items: items})
}

func (a *API) getClient(w http.ResponseWriter, r *http.Request) {
	m, err := a.clients.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) generateSecret(w http.ResponseWriter, r *http.Request) {
	var req generateSecretRequest
	if err := decodeJSON(r, &req); err != nil && err != errEmptyBody {
		writeDecodeError(w, r, err)
		return
	}
	days := defaultSecretDays
	if req.ExpiresInDays != nil {
		days = *req.ExpiresInDays
	}
	secret, err := a.clients.GenerateSecret(r.Context(), actorFrom(r), chi.URLParam(r, "id"), days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusCreated, secret)
}

func (a *API) listSecretAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := a.clients.ListSecretAudit(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []credentials.SecretAuditRecord{}
	}
	writeJSON(w, http.StatusOK, secretAuditResponse{Items: recs})
}

func (a *API) updateScopes(w http.ResponseWriter, r *http.Request) {
	var req updateScopesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	m, err := a.clients.UpdateScopes(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Scopes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) deactivateClient(w http.ResponseWriter, r *http.Request) {
	m, err := a.clients.Deactivate(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) reactivateClient(w http.ResponseWriter, r *http.Request) {
	m, err := a.clients.Reactivate(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) deleteClient(w http.ResponseWriter, r *http.Request) {
	if err := a.clients.Delete(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
