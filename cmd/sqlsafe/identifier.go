// Package sqlsafe guards everything user-supplied that ends up inside generated SQL:
// identifiers are validated and quoted, filter fragments and query sources pass a
// conservative safelist, and error strings are scrubbed of credentials.
package sqlsafe

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the longest identifier accepted. PostgreSQL truncates at 63 bytes,
// which is the tightest limit of the supported engines.
const MaxIdentifierLength = 63

var (
	ErrIdentifierEmpty   = errors.New("identifier is empty")
	ErrIdentifierTooLong = errors.New("identifier exceeds 63 characters")
	ErrIdentifierInvalid = errors.New("identifier must start with a letter or underscore and contain only letters, numbers, and underscores")
)

// validIdentifier checks if a string is a plain SQL identifier
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use unquoted in any supported engine.
func ValidIdentifier(name string) bool {
	return CheckIdentifier(name) == nil
}

// CheckIdentifier is ValidIdentifier with a reason.
func CheckIdentifier(name string) error {
	if name == "" {
		return ErrIdentifierEmpty
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: '%s'", ErrIdentifierTooLong, name)
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("%w: '%s'", ErrIdentifierInvalid, name)
	}
	return nil
}

// QuoteIdent wraps name in the given quote character, doubling any embedded quote.
// Column names coming from catalogs may legitimately contain spaces or mixed case,
// so quoting (not rejection) is the rule for them.
func QuoteIdent(name string, quote rune) string {
	q := string(quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// QuoteQualified quotes each non-empty part and joins them with dots.
func QuoteQualified(quote rune, parts ...string) string {
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		quoted = append(quoted, QuoteIdent(p, quote))
	}
	return strings.Join(quoted, ".")
}

// SanitizeName lowercases s and maps every character outside [a-z0-9_] to '_'.
// The result is not guaranteed to be a valid identifier (it may be empty or start
// with a digit); callers add a prefix.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
