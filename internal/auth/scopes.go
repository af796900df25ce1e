package auth

import "slices"

// Scope names are case-sensitive and compared by exact string match.
const (
	ScopePartyRead         = "Party.Read"
	ScopePartyWrite        = "Party.Write"
	ScopeContactRead       = "Contact.Read"
	ScopeContactWrite      = "Contact.Write"
	ScopeIdentifierRead    = "Identifier.Read"
	ScopeIdentifierWrite   = "Identifier.Write"
	ScopeDocumentRead      = "Document.Read"
	ScopeDocumentWrite     = "Document.Write"
	ScopeBookingRead       = "Booking.Read"
	ScopeBookingWrite      = "Booking.Write"
	ScopeCredentialsRead   = "Credentials.Read"
	ScopeCredentialsManage = "Credentials.Manage"
)

// KnownScopes is the vocabulary machine clients may be granted.
var KnownScopes = []string{
	ScopePartyRead, ScopePartyWrite,
	ScopeContactRead, ScopeContactWrite,
	ScopeIdentifierRead, ScopeIdentifierWrite,
	ScopeDocumentRead, ScopeDocumentWrite,
	ScopeBookingRead, ScopeBookingWrite,
	ScopeCredentialsRead, ScopeCredentialsManage,
}

// IsKnownScope reports whether s belongs to the scope vocabulary.
func IsKnownScope(s string) bool {
	return slices.Contains(KnownScopes, s)
}

// Role names issued by the interactive identity provider.
const (
	RoleSystemAdmin      = "SystemAdmin"
	RoleAssociationAdmin = "AssociationAdmin"
	RoleRegistryEditor   = "RegistryEditor"
	RoleRegistryViewer   = "RegistryViewer"
)

// scopeAny grants every scope.
const scopeAny = "*"

// RoleTable maps a role to the scopes it satisfies. A role absent from the
// table satisfies only the scope spelled exactly like the role.
type RoleTable map[string][]string

// DefaultRoleTable is the fixed role hierarchy of the registry.
var DefaultRoleTable = RoleTable{
	RoleSystemAdmin:      {scopeAny},
	RoleAssociationAdmin: {scopeAny},
	RoleRegistryEditor: {
		ScopePartyRead, ScopePartyWrite,
		ScopeContactRead, ScopeContactWrite,
		ScopeIdentifierRead, ScopeIdentifierWrite,
		ScopeDocumentRead, ScopeDocumentWrite,
		ScopeBookingRead, ScopeBookingWrite,
		ScopeCredentialsRead, ScopeCredentialsManage,
	},
	RoleRegistryViewer: {
		ScopePartyRead, ScopeContactRead, ScopeIdentifierRead,
		ScopeDocumentRead, ScopeBookingRead, ScopeCredentialsRead,
	},
}

// Grants reports whether role satisfies scope.
func (t RoleTable) Grants(role, scope string) bool {
	granted, ok := t[role]
	if !ok {
		return role == scope
	}
	for _, g := range granted {
		if g == scopeAny || g == scope {
			return true
		}
	}
	return false
}

// IsAdministrative reports whether role satisfies every scope.
func (t RoleTable) IsAdministrative(role string) bool {
	return slices.Contains(t[role], scopeAny)
}
