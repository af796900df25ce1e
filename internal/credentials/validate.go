package credentials

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"bizregistry.org/internal/auth"
)

const (
	maxNameLen        = 255
	maxDescriptionLen = 1000
	maxClientIDLen    = 255

	MinSecretDays = 1
	MaxSecretDays = 730
)

func validateCreate(in *CreateInput) error {
	verr := &ValidationError{}
	in.PartyID = strings.TrimSpace(in.PartyID)
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.ClientID = strings.TrimSpace(in.ClientID)

	if in.PartyID == "" {
		verr.add("party_id", "is required")
	}
	switch n := utf8.RuneCountInString(in.Name); {
	case n == 0:
		verr.add("name", "is required")
	case n > maxNameLen:
		verr.add("name", "must be at most 255 characters")
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLen {
		verr.add("description", "must be at most 1000 characters")
	}
	if len(in.ClientID) > maxClientIDLen {
		verr.add("client_id", "must be at most 255 characters")
	} else if strings.IndexFunc(in.ClientID, unicode.IsSpace) >= 0 {
		verr.add("client_id", "must not contain whitespace")
	}
	scopes, ok := normalizeScopes(in.Scopes, verr)
	if ok {
		in.Scopes = scopes
	}
	return verr.orNil()
}

func validateScopes(scopes []string) ([]string, error) {
	verr := &ValidationError{}
	out, _ := normalizeScopes(scopes, verr)
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeScopes checks scopes against the vocabulary and drops duplicates,
// keeping the first occurrence order.
func normalizeScopes(scopes []string, verr *ValidationError) ([]string, bool) {
	if len(scopes) == 0 {
		verr.add("scopes", "at least one scope is required")
		return nil, false
	}
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	ok := true
	for _, s := range scopes {
		if !auth.IsKnownScope(s) {
			verr.add("scopes", "unknown scope "+quote(s))
			ok = false
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, ok
}

func validateSecretDays(days int) error {
	if days < MinSecretDays || days > MaxSecretDays {
		return &ValidationError{Fields: []FieldError{{
			Field:   "expires_in_days",
			Message: "must be between 1 and 730",
		}}}
	}
	return nil
}

func quote(s string) string {
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return `"` + s + `"`
}
