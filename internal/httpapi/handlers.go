// Package httpapi exposes the registry's credential administration API.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bizregistry.org/internal/auth"
	"bizregistry.org/internal/credentials"
	"bizregistry.org/internal/obs"
	"bizregistry.org/internal/stream"
)

const serviceName = "bizregistry-api"

// ReadyProbe checks downstream readiness (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	readyProbe ReadyProbe
	version    string
	authn      *auth.Authenticator
	clients    *credentials.Service
	events     *stream.Stream
	proxies    auth.TrustedProxies

	maxBodyBytes int64
	rateBurst    int
	ratePerSec   int
}

// Option configures an API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithTrustedProxies sets the proxies whose forwarding headers are believed.
func WithTrustedProxies(p auth.TrustedProxies) Option {
	return func(a *API) {
		a.proxies = p
	}
}

// WithAuditStream enables the live audit tail for administrators.
func WithAuditStream(s *stream.Stream) Option {
	return func(a *API) {
		a.events = s
	}
}

// New builds the API.
func New(rp ReadyProbe, version string, authn *auth.Authenticator, clients *credentials.Service, opts ...Option) *API {
	a := &API{
		readyProbe:   rp,
		version:      version,
		authn:        authn,
		clients:      clients,
		maxBodyBytes: 1 << 20,
		rateBurst:    40,
		ratePerSec:   20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully wrapped router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(a.requireScopes()).Get("/whoami", a.whoami)
		r.With(a.requireScopes(auth.ScopeCredentialsRead)).Get("/audit/stream", a.auditStream)

		r.Route("/parties/{partyID}/clients", func(r chi.Router) {
			r.With(a.requireScopes(auth.ScopeCredentialsRead)).Get("/", a.listClients)
			r.With(a.requireScopes(auth.ScopeCredentialsManage)).Post("/", a.createClient)
		})
		r.Route("/clients/{id}", func(r chi.Router) {
			r.With(a.requireScopes(auth.ScopeCredentialsRead)).Get("/", a.getClient)
			r.With(a.requireScopes(auth.ScopeCredentialsManage)).Delete("/", a.deleteClient)
			r.With(a.requireScopes(auth.ScopeCredentialsRead)).Get("/secrets", a.listSecretAudit)
			r.With(a.requireScopes(auth.ScopeCredentialsManage)).Post("/secrets", a.generateSecret)
			r.With(a.requireScopes(auth.ScopeCredentialsManage)).Put("/scopes", a.updateScopes)
			r.With(a.requireScopes(auth.ScopeCredentialsManage)).Post("/deactivate", a.deactivateClient)
			r.With(a.requireScopes(auth.ScopeCredentialsManage)).Post("/reactivate", a.reactivateClient)
		})
	})

	var h http.Handler = r
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientAddress(h, a.proxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "database unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
