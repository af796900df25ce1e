package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var validSigningMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// IssuerConfig is one validation strategy: where an issuer's keys live and
// which claims carry identity.
type IssuerConfig struct {
	Kind    IssuerKind
	Issuer  string
	JWKSURL string
	// SubjectClaim holds the stable human user id; its presence makes a token
	// interactive. Ignored for IssuerB, whose tokens are always machine tokens.
	SubjectClaim string
	// ClientClaims are checked in order for the authorized party of a machine token.
	ClientClaims []string
	RolesClaim   string
	PartyClaim   string
}

func (c IssuerConfig) withDefaults() IssuerConfig {
	if len(c.ClientClaims) == 0 {
		c.ClientClaims = []string{"azp", "client_id"}
	}
	if c.Kind == IssuerB {
		c.SubjectClaim, c.RolesClaim, c.PartyClaim = "", "", ""
		return c
	}
	if c.SubjectClaim == "" {
		c.SubjectClaim = "oid"
	}
	if c.RolesClaim == "" {
		c.RolesClaim = "roles"
	}
	return c
}

// Validator verifies signature, expiry, audience and issuer of a token for an
// already classified issuer.
type Validator struct {
	keys     KeyProvider
	audience string
	issuers  map[IssuerKind]IssuerConfig
	now      func() time.Time
	parser   *jwt.Parser
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the time source used for expiry checks.
func WithValidatorClock(fn func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewValidator builds a validator for exactly the two configured issuers.
func NewValidator(keys KeyProvider, audience string, issuers []IssuerConfig, opts ...ValidatorOption) (*Validator, error) {
	if keys == nil {
		return nil, errors.New("auth: key provider is required")
	}
	if strings.TrimSpace(audience) == "" {
		return nil, errors.New("auth: audience is required")
	}
	v := &Validator{
		keys:     keys,
		audience: audience,
		issuers:  make(map[IssuerKind]IssuerConfig, len(issuers)),
		now:      time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods(validSigningMethods),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, cfg := range issuers {
		if cfg.Kind != IssuerA && cfg.Kind != IssuerB {
			return nil, fmt.Errorf("auth: unsupported issuer kind %v", cfg.Kind)
		}
		if cfg.Issuer == "" {
			return nil, fmt.Errorf("auth: issuer string for %s is required", cfg.Kind)
		}
		v.issuers[cfg.Kind] = cfg.withDefaults()
	}
	if len(v.issuers) != 2 {
		return nil, errors.New("auth: both issuer strategies must be configured")
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate runs, in order: structural parse, signature verification, expiry,
// audience, and an issuer re-check. The first failing step decides the error.
func (v *Validator) Validate(ctx context.Context, raw string, kind IssuerKind) (ValidatedToken, error) {
	cfg, ok := v.issuers[kind]
	if !ok {
		return ValidatedToken{}, ErrUnknownIssuer
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing key id", ErrMalformedToken)
		}
		return v.keys.SigningKey(ctx, cfg.Issuer, kid)
	})
	if err != nil {
		return ValidatedToken{}, classifyParseError(err)
	}

	now := v.now()
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ValidatedToken{}, fmt.Errorf("%w: exp claim missing or invalid", ErrMalformedToken)
	}
	if !now.Before(exp.Time) {
		return ValidatedToken{}, ErrExpiredToken
	}
	if nbf, err := claims.GetNotBefore(); err != nil {
		return ValidatedToken{}, fmt.Errorf("%w: nbf claim invalid", ErrMalformedToken)
	} else if nbf != nil && now.Before(nbf.Time) {
		return ValidatedToken{}, ErrExpiredToken
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return ValidatedToken{}, ErrAudienceMismatch
	}
	if !containsExact(aud, v.audience) {
		return ValidatedToken{}, ErrAudienceMismatch
	}

	iss, err := claims.GetIssuer()
	if err != nil || iss != cfg.Issuer {
		return ValidatedToken{}, ErrUnknownIssuer
	}

	tok := ValidatedToken{
		issuer:     cfg.Issuer,
		issuerKind: cfg.Kind,
		audience:   []string(aud),
		expiresAt:  exp.Time,
		scopes:     stringsClaim(claims, "scp", "scope"),
	}
	if sub := stringClaim(claims, cfg.SubjectClaim); cfg.Kind == IssuerA && sub != "" {
		tok.kind = PrincipalInteractive
		tok.subject = sub
		tok.roles = stringsClaim(claims, cfg.RolesClaim)
		if cfg.PartyClaim != "" {
			tok.partyID = stringClaim(claims, cfg.PartyClaim)
		}
		return tok, nil
	}
	for _, name := range cfg.ClientClaims {
		if cid := stringClaim(claims, name); cid != "" {
			tok.kind = PrincipalMachine
			tok.subject = cid
			return tok, nil
		}
	}
	return ValidatedToken{}, fmt.Errorf("%w: neither subject nor client claim present", ErrMalformedToken)
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrKeyFetchFailed):
		return err
	case errors.Is(err, ErrMalformedToken):
		return err
	case errors.Is(err, ErrKeyNotFound):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		// Invalid signatures, disallowed algorithms and key type mismatches.
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}

func containsExact(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if name == "" {
		return ""
	}
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}

// stringsClaim reads the first present claim among names as a list. Arrays
// are taken element-wise; strings are split on whitespace (OAuth scope form).
func stringsClaim(claims jwt.MapClaims, names ...string) []string {
	for _, name := range names {
		raw, ok := claims[name]
		if !ok {
			continue
		}
		var out []string
		switch t := raw.(type) {
		case string:
			out = strings.Fields(t)
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
		return dedupe(out)
	}
	return nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
