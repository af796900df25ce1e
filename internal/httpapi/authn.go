package httpapi

import (
	"net/http"
	"strings"

	"bizregistry.org/internal/auth"
)

// requireScopes authenticates the bearer token and checks the given scopes.
// With no scopes it only requires authentication.
func (a *API) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.authn == nil {
				writeAuthError(w, r, &auth.HTTPError{Status: http.StatusUnauthorized, Message: auth.GenericAuthMessage})
				return
			}
			principal, herr := a.authn.AuthenticateAndAuthorize(r, scopes...)
			if herr != nil {
				writeAuthError(w, r, herr)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, herr *auth.HTTPError) {
	payload := map[string]any{"error": herr.Message}
	switch herr.Status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate",
			`Bearer error="insufficient_scope", scope="`+strings.Join(herr.MissingScopes, " ")+`"`)
		payload["missing_scopes"] = herr.MissingScopes
	case http.StatusInternalServerError:
		payload["correlation_id"] = herr.CorrelationID
	}
	writePayload(w, r, herr.Status, payload)
}

func (a *API) whoami(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, auth.GenericAuthMessage)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
