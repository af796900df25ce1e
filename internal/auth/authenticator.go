package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// GenericAuthMessage is the only text unauthenticated callers ever see.
	GenericAuthMessage = "authentication failed"
)

// HTTPError is the error branch of AuthenticateAndAuthorize, ready to render.
type HTTPError struct {
	Status        int
	Message       string
	MissingScopes []string
	CorrelationID string
}

func (e *HTTPError) Error() string { return e.Message }

// Authenticator chains issuer routing, token validation, principal resolution
// and scope authorization into one per-request entry point.
type Authenticator struct {
	router     *IssuerRouter
	validator  *Validator
	resolver   *Resolver
	authorizer *Authorizer
	audit      audit.Recorder
	logger     *zap.Logger
}

// NewAuthenticator wires the pipeline stages together.
func NewAuthenticator(router *IssuerRouter, validator *Validator, resolver *Resolver, authorizer *Authorizer, recorder audit.Recorder) (*Authenticator, error) {
	if router == nil || validator == nil || resolver == nil || authorizer == nil {
		return nil, errors.New("auth: router, validator, resolver and authorizer are required")
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Authenticator{
		router:     router,
		validator:  validator,
		resolver:   resolver,
		authorizer: authorizer,
		audit:      recorder,
		logger:     obs.Logger(),
	}, nil
}

// Authorizer exposes the scope authorizer for ownership checks.
func (a *Authenticator) Authorizer() *Authorizer { return a.authorizer }

// Authenticate turns a raw bearer token into a resolved principal.
func (a *Authenticator) Authenticate(ctx context.Context, raw string, meta RequestMeta) (Principal, error) {
	kind, err := a.router.Classify(raw)
	if err != nil {
		return Principal{}, err
	}
	tok, err := a.validator.Validate(ctx, raw, kind)
	if err != nil {
		return Principal{}, err
	}
	return a.resolver.Resolve(ctx, tok, meta)
}

// AuthenticateAndAuthorize is called once per protected request. On failure it
// returns an HTTPError whose body never distinguishes why authentication failed.
func (a *Authenticator) AuthenticateAndAuthorize(r *http.Request, required ...string) (Principal, *HTTPError) {
	ctx := r.Context()
	meta := RequestMetaFromRequest(r)

	p, err := a.authenticate(ctx, r.Header.Get(authHeader), meta)
	if err != nil {
		if IsAuthenticationFailure(err) {
			obs.AuthDecisions.WithLabelValues("unknown", "unauthenticated").Inc()
			a.logger.Info("authentication rejected",
				zap.String("reason", reason(err)),
				zap.String("request_id", meta.RequestID),
				zap.String("path", meta.Path))
			a.audit.Record(ctx, audit.Event{
				Kind:      audit.KindAccessDenied,
				Target:    meta.Path,
				RequestID: meta.RequestID,
				SourceIP:  meta.IP,
				Detail:    map[string]any{"reason": reason(err)},
			})
			return Principal{}, &HTTPError{Status: http.StatusUnauthorized, Message: GenericAuthMessage}
		}
		correlationID := uuid.NewString()
		obs.AuthDecisions.WithLabelValues("unknown", "error").Inc()
		a.logger.Error("authentication error",
			zap.String("reason", reason(err)),
			zap.String("correlation_id", correlationID),
			zap.String("request_id", meta.RequestID),
			zap.Error(err))
		return Principal{}, &HTTPError{
			Status:        http.StatusInternalServerError,
			Message:       "internal error",
			CorrelationID: correlationID,
		}
	}

	d := a.authorizer.Authorize(ctx, p, meta, required...)
	if !d.Allowed {
		return Principal{}, &HTTPError{
			Status:        http.StatusForbidden,
			Message:       "insufficient scope",
			MissingScopes: d.Missing,
		}
	}
	return p, nil
}

func (a *Authenticator) authenticate(ctx context.Context, header string, meta RequestMeta) (Principal, error) {
	raw, err := extractBearerToken(header)
	if err != nil {
		return Principal{}, err
	}
	return a.Authenticate(ctx, raw, meta)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// RequestMetaFromRequest collects the request attributes used for auditing.
func RequestMetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: audit.RequestIDFromContext(r.Context()),
		Path:      r.Method + " " + r.URL.Path,
	}
}
