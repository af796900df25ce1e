package auth

import (
	"context"
	"slices"
	"time"
)

// IssuerKind identifies which of the two trusted token issuers minted a token.
type IssuerKind int

const (
	IssuerUnknown IssuerKind = iota
	// IssuerA is the interactive human-identity provider.
	IssuerA
	// IssuerB is the machine-to-machine client-credentials provider.
	IssuerB
)

func (k IssuerKind) String() string {
	switch k {
	case IssuerA:
		return "issuer_a"
	case IssuerB:
		return "issuer_b"
	default:
		return "unknown"
	}
}

// PrincipalKind classifies the authenticated actor.
type PrincipalKind string

const (
	PrincipalInteractive PrincipalKind = "interactive"
	PrincipalMachine     PrincipalKind = "machine"
)

// ValidatedToken is the result of successful cryptographic validation. It is
// only built by Validator and exposes read-only accessors.
type ValidatedToken struct {
	issuer     string
	issuerKind IssuerKind
	subject    string
	audience   []string
	expiresAt  time.Time
	roles      []string
	scopes     []string
	partyID    string
	kind       PrincipalKind
}

func (t ValidatedToken) Issuer() string         { return t.issuer }
func (t ValidatedToken) IssuerKind() IssuerKind { return t.issuerKind }
func (t ValidatedToken) Subject() string        { return t.subject }
func (t ValidatedToken) Audience() []string     { return slices.Clone(t.audience) }
func (t ValidatedToken) ExpiresAt() time.Time   { return t.expiresAt }
func (t ValidatedToken) Roles() []string        { return slices.Clone(t.roles) }
func (t ValidatedToken) Scopes() []string       { return slices.Clone(t.scopes) }
func (t ValidatedToken) PartyID() string        { return t.partyID }
func (t ValidatedToken) Kind() PrincipalKind    { return t.kind }

// Principal is an authenticated actor resolved to an internal party.
type Principal struct {
	Kind    PrincipalKind `json:"kind"`
	Subject string        `json:"subject"`
	Issuer  string        `json:"issuer"`
	PartyID string        `json:"party_id,omitempty"`
	// Roles are carried for interactive principals, straight from the token.
	Roles []string `json:"roles,omitempty"`
	// Scopes are the assigned scopes of the resolved credential mapping (machine only).
	Scopes    []string `json:"scopes,omitempty"`
	MappingID string   `json:"mapping_id,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// ActorID is the identity recorded in audit events.
func (p Principal) ActorID() string {
	if p.Subject == "" {
		return "anonymous"
	}
	if p.Kind == PrincipalMachine {
		return "client:" + p.Subject
	}
	return "user:" + p.Subject
}

type principalKey struct{}

// ContextWithPrincipal returns ctx carrying the resolved principal for handlers.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Subject != ""
}

// Decision is the per-request authorization outcome.
type Decision struct {
	Allowed bool
	Missing []string
	PartyID string
	Kind    PrincipalKind
}

// RequestMeta carries request attributes used for usage tracking and auditing.
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
	// Path is "METHOD /path", used as the target of access events.
	Path string
}
