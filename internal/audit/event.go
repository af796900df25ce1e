package audit

import "time"

// Kind names a security event.
type Kind string

const (
	KindAccessGranted     Kind = "access.granted"
	KindAccessDenied      Kind = "access.denied"
	KindClientCreated     Kind = "client.created"
	KindSecretGenerated   Kind = "secret.generated"
	KindScopesUpdated     Kind = "scopes.updated"
	KindClientDeactivated Kind = "client.deactivated"
	KindClientReactivated Kind = "client.reactivated"
	KindClientDeleted     Kind = "client.deleted"
	KindOperationError    Kind = "operation.error"
)

// Severity ranges from 1 (informational) to 4 (critical).
type Severity int

const (
	SeverityInfo     Severity = 1
	SeverityNotice   Severity = 2
	SeverityWarning  Severity = 3
	SeverityCritical Severity = 4
)

// DefaultSeverity is used when an event is recorded without an explicit severity.
func DefaultSeverity(k Kind) Severity {
	switch k {
	case KindAccessGranted, KindClientCreated, KindScopesUpdated, KindClientReactivated:
		return SeverityInfo
	case KindSecretGenerated, KindClientDeactivated, KindClientDeleted:
		return SeverityNotice
	case KindAccessDenied, KindOperationError:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Event is an append-only security record.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Severity   Severity       `json:"severity"`
	Actor      string         `json:"actor"`
	Target     string         `json:"target,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	RequestID  string         `json:"request_id,omitempty"`
	SourceIP   string         `json:"source_ip,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}
