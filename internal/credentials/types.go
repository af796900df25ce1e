// Package credentials manages machine-client credential mappings and the
// lifecycle of their secrets.
package credentials

import (
	"time"

	"bizregistry.org/internal/auth"
)

// Mapping binds a machine client of a token issuer to a registry party.
type Mapping struct {
	ID           string     `json:"id"`
	Issuer       string     `json:"issuer"`
	ClientID     string     `json:"client_id"`
	PartyID      string     `json:"party_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Scopes       []string   `json:"scopes"`
	Active       bool       `json:"active"`
	Deleted      bool       `json:"-"`
	Usable       bool       `json:"usable"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
	LastSeenIP   string     `json:"last_seen_ip,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CreatedBy    string     `json:"created_by"`
}

// SecretAuditRecord proves a secret was generated. It never holds the secret.
type SecretAuditRecord struct {
	ID             string    `json:"id"`
	MappingID      string    `json:"mapping_id"`
	GeneratedAt    time.Time `json:"generated_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	ActorSubject   string    `json:"actor"`
	ActorIP        string    `json:"actor_ip,omitempty"`
	ActorUserAgent string    `json:"actor_user_agent,omitempty"`
}

// Actor is the caller of a lifecycle operation.
type Actor struct {
	Principal auth.Principal
	IP        string
	UserAgent string
}

// CreateInput describes a new mapping.
type CreateInput struct {
	PartyID     string
	ClientID    string
	Issuer      string
	Name        string
	Description string
	Scopes      []string
}

// GeneratedSecret is returned exactly once by GenerateSecret.
type GeneratedSecret struct {
	MappingID string    `json:"client_mapping_id"`
	ClientID  string    `json:"client_id"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
	RecordID  string    `json:"audit_record_id"`
}
