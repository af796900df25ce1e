package auth

import (
	"context"
	"slices"
	"strings"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/obs"
)

// Authorizer decides whether a resolved principal holds a set of required scopes.
type Authorizer struct {
	roles   RoleTable
	audit   audit.Recorder
	sampler audit.Sampler
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithRoleTable replaces the role hierarchy.
func WithRoleTable(t RoleTable) AuthorizerOption {
	return func(a *Authorizer) {
		if t != nil {
			a.roles = t
		}
	}
}

// WithGrantedSampleRate sets the fraction (0..1) of access.granted events recorded.
func WithGrantedSampleRate(rate float64) AuthorizerOption {
	return func(a *Authorizer) {
		a.sampler = audit.NewSampler(rate)
	}
}

// NewAuthorizer builds an authorizer. A nil recorder discards events.
func NewAuthorizer(recorder audit.Recorder, opts ...AuthorizerOption) *Authorizer {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	a := &Authorizer{
		roles:   DefaultRoleTable,
		audit:   recorder,
		sampler: audit.NewSampler(0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize returns allow iff every scope in required is held. Machine
// principals need each scope in their assigned set; interactive principals need
// a role granting it. Denials are always audited; grants are sampled.
func (a *Authorizer) Authorize(ctx context.Context, p Principal, meta RequestMeta, required ...string) Decision {
	d := Decision{PartyID: p.PartyID, Kind: p.Kind}
	for _, scope := range required {
		if !a.holds(p, scope) && !slices.Contains(d.Missing, scope) {
			d.Missing = append(d.Missing, scope)
		}
	}
	d.Allowed = len(d.Missing) == 0

	if d.Allowed {
		obs.AuthDecisions.WithLabelValues(string(p.Kind), "granted").Inc()
		if a.sampler.Keep() {
			a.audit.Record(ctx, accessEvent(audit.KindAccessGranted, p, meta, map[string]any{
				"required_scopes": strings.Join(required, " "),
			}))
		}
		return d
	}
	obs.AuthDecisions.WithLabelValues(string(p.Kind), "denied").Inc()
	a.audit.Record(ctx, accessEvent(audit.KindAccessDenied, p, meta, map[string]any{
		"reason":          "insufficient_scope",
		"required_scopes": strings.Join(required, " "),
		"missing_scopes":  strings.Join(d.Missing, " "),
	}))
	return d
}

func (a *Authorizer) holds(p Principal, scope string) bool {
	switch p.Kind {
	case PrincipalMachine:
		return slices.Contains(p.Scopes, scope)
	case PrincipalInteractive:
		for _, role := range p.Roles {
			if a.roles.Grants(role, scope) {
				return true
			}
		}
	}
	return false
}

// IsAdministrator reports whether p is an interactive principal with a role
// that satisfies every scope.
func (a *Authorizer) IsAdministrator(p Principal) bool {
	if p.Kind != PrincipalInteractive {
		return false
	}
	for _, role := range p.Roles {
		if a.roles.IsAdministrative(role) {
			return true
		}
	}
	return false
}

// CanManageParty reports whether p owns or administers partyID.
func (a *Authorizer) CanManageParty(p Principal, partyID string) bool {
	if partyID == "" {
		return false
	}
	if a.IsAdministrator(p) {
		return true
	}
	return p.PartyID != "" && p.PartyID == partyID
}

func accessEvent(kind audit.Kind, p Principal, meta RequestMeta, detail map[string]any) audit.Event {
	if p.Issuer != "" {
		detail["issuer"] = p.Issuer
	}
	if p.PartyID != "" {
		detail["party_id"] = p.PartyID
	}
	return audit.Event{
		Kind:      kind,
		Actor:     p.ActorID(),
		Target:    meta.Path,
		RequestID: meta.RequestID,
		SourceIP:  meta.IP,
		Detail:    detail,
	}
}
