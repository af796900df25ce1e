package auth

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IssuerRouter picks the validation strategy for a token by peeking at its
// unverified issuer claim. Nothing else from the payload is trusted here.
type IssuerRouter struct {
	issuers map[string]IssuerKind
	parser  *jwt.Parser
}

// NewIssuerRouter configures the two trusted issuer strings. Matching is exact
// and case-sensitive; no trailing-slash normalization is applied.
func NewIssuerRouter(issuerA, issuerB string) (*IssuerRouter, error) {
	if issuerA == "" || issuerB == "" {
		return nil, errors.New("auth: both trusted issuers are required")
	}
	if issuerA == issuerB {
		return nil, errors.New("auth: trusted issuers must differ")
	}
	return &IssuerRouter{
		issuers: map[string]IssuerKind{issuerA: IssuerA, issuerB: IssuerB},
		parser:  jwt.NewParser(),
	}, nil
}

type issuerOnly struct {
	Issuer *string `json:"iss"`
}

// Classify returns which trusted issuer raw claims to come from, or
// ErrUnknownIssuer for anything else, including malformed tokens.
func (r *IssuerRouter) Classify(raw string) (IssuerKind, error) {
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return IssuerUnknown, ErrUnknownIssuer
	}
	payload, err := r.parser.DecodeSegment(segments[1])
	if err != nil {
		return IssuerUnknown, ErrUnknownIssuer
	}
	var claims issuerOnly
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Issuer == nil {
		return IssuerUnknown, ErrUnknownIssuer
	}
	kind, ok := r.issuers[*claims.Issuer]
	if !ok {
		return IssuerUnknown, ErrUnknownIssuer
	}
	return kind, nil
}
