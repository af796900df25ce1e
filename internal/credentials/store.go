package credentials

import (
	"context"
	"errors"
	"time"

	"bizregistry.org/internal/auth"
)

// Repository persists mappings and their secret audit trail. Every read
// excludes soft-deleted rows explicitly; Usable is set by the implementation.
type Repository interface {
	Create(ctx context.Context, m Mapping) (Mapping, error)
	Get(ctx context.Context, id string) (Mapping, error)
	ListByParty(ctx context.Context, partyID string) ([]Mapping, error)
	// FindUsable returns the active, non-deleted mapping for (issuer, clientID) or ErrNotFound.
	FindUsable(ctx context.Context, issuer, clientID string) (Mapping, error)
	// UpdateScopes replaces the scope set and returns the previous one.
	UpdateScopes(ctx context.Context, id string, scopes []string, at time.Time) ([]string, error)
	// SetActive reports whether the flag actually changed.
	SetActive(ctx context.Context, id string, active bool, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
	RecordUsage(ctx context.Context, id string, at time.Time, ip string) error
	AppendSecretAudit(ctx context.Context, rec SecretAuditRecord) error
	ListSecretAudit(ctx context.Context, mappingID string) ([]SecretAuditRecord, error)
}

// PrincipalLookup adapts a Repository to the token resolver.
type PrincipalLookup struct {
	repo Repository
}

var _ auth.CredentialLookup = (*PrincipalLookup)(nil)

// NewPrincipalLookup returns a resolver-facing view of repo.
func NewPrincipalLookup(repo Repository) *PrincipalLookup {
	return &PrincipalLookup{repo: repo}
}

// FindUsable implements auth.CredentialLookup.
func (l *PrincipalLookup) FindUsable(ctx context.Context, issuer, clientID string) (auth.MachineCredential, error) {
	m, err := l.repo.FindUsable(ctx, issuer, clientID)
	if errors.Is(err, ErrNotFound) {
		return auth.MachineCredential{}, auth.ErrPartyNotFound
	}
	if err != nil {
		return auth.MachineCredential{}, err
	}
	if !m.Usable {
		return auth.MachineCredential{}, auth.ErrPartyNotFound
	}
	return auth.MachineCredential{
		MappingID: m.ID,
		PartyID:   m.PartyID,
		Name:      m.Name,
		Scopes:    m.Scopes,
	}, nil
}

// RecordUsage implements auth.CredentialLookup.
func (l *PrincipalLookup) RecordUsage(ctx context.Context, mappingID string, at time.Time, ip string) error {
	return l.repo.RecordUsage(ctx, mappingID, at, ip)
}
