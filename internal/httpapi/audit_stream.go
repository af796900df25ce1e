package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/auth"
)

// auditStream tails audit events as Server-Sent Events. Administrators only;
// ?kind= narrows the tail to one event kind.
func (a *API) auditStream(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit streaming disabled")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if !a.authn.Authorizer().IsAdministrator(p) {
		writeError(w, r, http.StatusForbidden, "administrator role required")
		return
	}
	kind := audit.Kind(r.URL.Query().Get("kind"))

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.events.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for ev := range ch {
		if kind != "" && ev.Kind != kind {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(ev.Kind) + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
