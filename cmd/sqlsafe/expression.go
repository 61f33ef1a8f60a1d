package sqlsafe

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrUnsafeExpression   = errors.New("expression rejected by safelist")
	ErrMultipleStatements = errors.New("multiple statements are not allowed")
	ErrCommentsNotAllowed = errors.New("SQL comments are not allowed")
	ErrUnbalanced         = errors.New("unbalanced quotes or parentheses")
	ErrForbiddenKeyword   = errors.New("forbidden keyword")
	ErrNotAQuery          = errors.New("only SELECT and WITH queries are allowed")
	ErrBackslash          = errors.New("backslashes are only allowed inside string literals")
	ErrEscapeString       = errors.New("escape string literals are not allowed")
)

// forbiddenKeywords may not appear outside literals in either filters or query sources.
var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "TRUNCATE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "CREATE": true, "ALTER": true, "RENAME": true,
	"GRANT": true, "REVOKE": true,
	"EXECUTE": true, "EXEC": true, "CALL": true, "DO": true,
	"PRAGMA": true, "ATTACH": true, "DETACH": true, "VACUUM": true,
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true, "SAVEPOINT": true,
	"COPY": true, "INTO": true, "LOAD": true, "HANDLER": true, "LOCK": true,
	"SET": true, "RESET": true, "SHUTDOWN": true,
}

// filterOnlyKeywords are additionally rejected in filter fragments: a filter is a
// predicate, never a (sub)query.
var filterOnlyKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "UNION": true, "INTERSECT": true, "EXCEPT": true,
	"FROM": true, "JOIN": true, "LIMIT": true, "OFFSET": true, "RETURNING": true,
}

// scanResult holds what was found outside of literals and quoted identifiers.
type scanResult struct {
	words      []string
	semicolons []int // byte offsets of ';' outside literals
	comment    bool
	badChar    rune
}

// scan collects the bare words and structural characters found outside string
// literals and quoted identifiers. Engines disagree on whether a backslash escapes
// a quote inside a literal, so s is walked under both readings and whatever either
// reading exposes counts.
func scan(s string, allowed func(rune) bool) (*scanResult, error) {
	plain, err := scanLiterals(s, allowed, false)
	if err != nil {
		return nil, err
	}
	escaped, err := scanLiterals(s, allowed, true)
	if err != nil {
		return nil, err
	}
	plain.words = append(plain.words, escaped.words...)
	plain.semicolons = append(plain.semicolons, escaped.semicolons...)
	plain.comment = plain.comment || escaped.comment
	if plain.badChar == 0 {
		plain.badChar = escaped.badChar
	}
	return plain, nil
}

// scanLiterals walks s once. With backslashEscapes a backslash inside a string
// literal escapes the next character.
func scanLiterals(s string, allowed func(rune) bool, backslashEscapes bool) (*scanResult, error) {
	res := &scanResult{}
	depth := 0
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			res.words = append(res.words, strings.ToUpper(word.String()))
			word.Reset()
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\'', '"', '`':
			if r == '\'' && strings.EqualFold(word.String(), "e") {
				return nil, ErrEscapeString
			}
			flush()
			end := closingQuote(runes, i, r, backslashEscapes)
			if end < 0 {
				return nil, ErrUnbalanced
			}
			i = end
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, ErrUnbalanced
			}
		case '\\':
			return nil, ErrBackslash
		case ';':
			res.semicolons = append(res.semicolons, i)
		case '-':
			if i+1 < len(runes) && runes[i+1] == '-' {
				res.comment = true
			}
		case '/':
			if i+1 < len(runes) && runes[i+1] == '*' {
				res.comment = true
			}
		case '*':
			if i+1 < len(runes) && runes[i+1] == '/' {
				res.comment = true
			}
		case '#':
			// MySQL line comment
			res.comment = true
		}

		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			word.WriteRune(r)
			continue
		}
		flush()
		if allowed != nil && !allowed(r) && res.badChar == 0 {
			res.badChar = r
		}
	}
	flush()
	if depth != 0 {
		return nil, ErrUnbalanced
	}
	return res, nil
}

// closingQuote returns the index of the quote closing the literal opened at start,
// treating a doubled quote as an escaped one. -1 when unterminated.
func closingQuote(runes []rune, start int, q rune, backslashEscapes bool) int {
	for j := start + 1; j < len(runes); j++ {
		if backslashEscapes && runes[j] == '\\' && q != '`' {
			j++
			continue
		}
		if runes[j] != q {
			continue
		}
		if j+1 < len(runes) && runes[j+1] == q {
			j++
			continue
		}
		return j
	}
	return -1
}

func filterCharAllowed(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '.', ',', '(', ')', '=', '<', '>', '!', '+', '-', '*', '/', '%', '|', ':':
		return true
	}
	return false
}

// ValidateFilter checks a user-supplied predicate fragment before it is ANDed into a
// generated WHERE clause. An empty or blank filter is valid and means "no filter".
func ValidateFilter(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	res, err := scan(expr, filterCharAllowed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsafeExpression, err)
	}
	if res.comment {
		return fmt.Errorf("%w: %w", ErrUnsafeExpression, ErrCommentsNotAllowed)
	}
	if len(res.semicolons) > 0 {
		return fmt.Errorf("%w: %w", ErrUnsafeExpression, ErrMultipleStatements)
	}
	if res.badChar != 0 {
		return fmt.Errorf("%w: character %q is not allowed", ErrUnsafeExpression, res.badChar)
	}
	for _, w := range res.words {
		if forbiddenKeywords[w] || filterOnlyKeywords[w] {
			return fmt.Errorf("%w: %w '%s'", ErrUnsafeExpression, ErrForbiddenKeyword, w)
		}
	}
	return nil
}

// ValidateQuery checks an ad-hoc query source. It must be a single read-only
// SELECT or WITH statement; one trailing semicolon is tolerated and stripped.
// The normalized query is returned so callers can embed it as a subquery.
func ValidateQuery(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	if trimmed == "" {
		return "", fmt.Errorf("%w: query is empty", ErrNotAQuery)
	}

	res, err := scan(trimmed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsafeExpression, err)
	}
	if len(res.words) == 0 || (res.words[0] != "SELECT" && res.words[0] != "WITH") {
		return "", ErrNotAQuery
	}
	if res.comment {
		return "", ErrCommentsNotAllowed
	}
	if len(res.semicolons) > 0 {
		return "", ErrMultipleStatements
	}
	for _, w := range res.words {
		if forbiddenKeywords[w] {
			return "", fmt.Errorf("%w '%s'", ErrForbiddenKeyword, w)
		}
	}
	return trimmed, nil
}
