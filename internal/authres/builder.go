// Package authres builds and parses Authentication-Results header values
// (spec Component H, RFC 8601), grounded on the builder pattern the
// corpus's own emersion/go-msgauth/authres package exposes for individual
// result values — this package adds the folding buffer and
// forged-header detection spec.md calls out that authres.Result alone
// does not provide.
package authres

import (
	"strconv"
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

// softFoldWidth is the soft cap (spec §4.H: "76-80 characters") beyond
// which the builder folds before the next method-spec.
const softFoldWidth = 78

// Clause is one method=result entry with optional reason, comment, and
// ptype.property=value pairs, ready to be rendered by a Builder.
type Clause struct {
	Method     string
	Result     string
	Reason     string
	Comment    string
	Properties []Property
}

type Property struct {
	PType    string
	Property string
	Value    string
}

// Builder accumulates Clauses into a folded Authentication-Results value.
type Builder struct {
	authservID string
	clauses    []Clause
}

func NewBuilder(authservID string) *Builder {
	return &Builder{authservID: authservID}
}

func (b *Builder) Add(c Clause) *Builder {
	b.clauses = append(b.clauses, c)
	return b
}

// String renders the full field value, folding before any method-spec
// that would push the current line past softFoldWidth.
func (b *Builder) String() string {
	var out strings.Builder
	out.WriteString(b.authservID)

	if len(b.clauses) == 0 {
		out.WriteString("; none")
		return out.String()
	}

	lineLen := len(b.authservID)
	for _, c := range b.clauses {
		spec := renderClause(c)
		// +2 accounts for "; " before the clause.
		if lineLen+2+len(spec) > softFoldWidth {
			out.WriteString(";\r\n\t")
			lineLen = 8 // approximate width of a tab stop
		} else {
			out.WriteString("; ")
			lineLen += 2
		}
		out.WriteString(spec)
		lineLen += len(spec)
	}
	return out.String()
}

func renderClause(c Clause) string {
	var b strings.Builder
	b.WriteString(c.Method)
	b.WriteByte('=')
	b.WriteString(c.Result)
	if c.Reason != "" {
		b.WriteString(` reason="`)
		b.WriteString(strings.ReplaceAll(c.Reason, `"`, `'`))
		b.WriteByte('"')
	}
	if c.Comment != "" {
		b.WriteString(" (")
		b.WriteString(c.Comment)
		b.WriteByte(')')
	}
	for _, p := range c.Properties {
		b.WriteByte(' ')
		b.WriteString(p.PType)
		b.WriteByte('.')
		b.WriteString(p.Property)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// FromResults converts go-msgauth/authres.Result values into Clauses, so
// callers already working with that library's types don't need to
// hand-assemble field names. internal/session's EOM handler builds
// authres.SPFResult/authres.DKIMResult values from the SPF evaluator's
// and DKIM verifier's outcomes and calls this to produce the
// corresponding builder clauses.
func FromResults(results []authres.Result) []Clause {
	clauses := make([]Clause, 0, len(results))
	for _, r := range results {
		clauses = append(clauses, fromResult(r))
	}
	return clauses
}

func fromResult(r authres.Result) Clause {
	switch v := r.(type) {
	case *authres.SPFResult:
		c := Clause{Method: "spf", Result: string(v.Value), Reason: v.Reason}
		if v.From != "" {
			c.Properties = append(c.Properties, Property{PType: "smtp", Property: "mailfrom", Value: v.From})
		}
		if v.Helo != "" {
			c.Properties = append(c.Properties, Property{PType: "smtp", Property: "helo", Value: v.Helo})
		}
		return c
	case *authres.DKIMResult:
		c := Clause{Method: "dkim", Result: string(v.Value), Reason: v.Reason}
		if v.Identifier != "" {
			c.Properties = append(c.Properties, Property{PType: "header", Property: "i", Value: v.Identifier})
		}
		if v.Domain != "" {
			c.Properties = append(c.Properties, Property{PType: "header", Property: "d", Value: v.Domain})
		}
		return c
	case *authres.DMARCResult:
		c := Clause{Method: "dmarc", Result: string(v.Value), Reason: v.Reason}
		if v.From != "" {
			c.Properties = append(c.Properties, Property{PType: "header", Property: "from", Value: v.From})
		}
		return c
	default:
		return Clause{Method: r.Method(), Result: "neutral"}
	}
}

// CompareAuthservId parses rawValue (the value of an incoming
// Authentication-Results header) just enough to extract its authserv-id
// token — the first non-CFWS token, possibly followed by a version
// integer — and compares it case-insensitively with hostname. An exact
// match is the signal that the header was (or could have been) forged by
// an upstream pretending to be us, and must be removed at EOM (spec §4.H,
// §4.I EOM, §8 property 7).
func CompareAuthservId(rawValue, hostname string) bool {
	id, _ := extractAuthservID(rawValue)
	return strings.EqualFold(id, hostname)
}

func extractAuthservID(rawValue string) (id string, version int) {
	s := strings.TrimSpace(rawValue)
	if s == "" {
		return "", 0
	}

	end := strings.IndexAny(s, " \t;")
	var token string
	if end < 0 {
		token = s
		s = ""
	} else {
		token = s[:end]
		s = strings.TrimSpace(s[end:])
	}

	// Optional version integer follows the authserv-id, separated by
	// whitespace, before the first ';'.
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		rest := strings.TrimSpace(s[:semi])
		if n, err := strconv.Atoi(rest); err == nil {
			version = n
		}
	} else if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		version = n
	}

	return token, version
}
