package auth

import "errors"

// Token pipeline failures. Everything except ErrKeyFetchFailed and ErrLookupFailed
// collapses to one generic 401 at the HTTP boundary.
var (
	ErrUnknownIssuer    = errors.New("auth: unknown issuer")
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrBadSignature     = errors.New("auth: bad signature")
	ErrExpiredToken     = errors.New("auth: expired token")
	ErrAudienceMismatch = errors.New("auth: audience mismatch")
	ErrPartyNotFound    = errors.New("auth: party not found")
	ErrMissingToken     = errors.New("auth: missing bearer token")

	// ErrKeyFetchFailed means signing keys could not be obtained after retries.
	ErrKeyFetchFailed = errors.New("auth: key fetch failed")
	// ErrKeyNotFound means a fresh key set does not contain the requested key id.
	ErrKeyNotFound = errors.New("auth: signing key not found")
	// ErrLookupFailed means the credential store could not be queried.
	ErrLookupFailed = errors.New("auth: credential lookup failed")
)

// IsAuthenticationFailure reports whether err must be rendered as the generic 401.
func IsAuthenticationFailure(err error) bool {
	switch {
	case errors.Is(err, ErrUnknownIssuer),
		errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrExpiredToken),
		errors.Is(err, ErrAudienceMismatch),
		errors.Is(err, ErrPartyNotFound),
		errors.Is(err, ErrMissingToken):
		return true
	}
	return false
}

// reason returns a short, log-only label for err. It is never sent to callers.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrUnknownIssuer):
		return "unknown_issuer"
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, ErrPartyNotFound):
		return "party_not_found"
	case errors.Is(err, ErrKeyFetchFailed):
		return "key_fetch_failed"
	case errors.Is(err, ErrLookupFailed):
		return "lookup_failed"
	default:
		return "internal"
	}
}
