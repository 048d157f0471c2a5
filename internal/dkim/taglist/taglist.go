// Package taglist implements the generic DKIM/DMARC "tag=value;
// tag=value; ..." syntax (spec Component D), used by DKIM-Signature, DKIM
// public-key records, ADSP, ATPS, and DMARC records. Grounded on the tag
// parser sketched by original_source/libsauth/dkim's tag-list handling and
// on the regexp-driven tag extraction in
// _examples/other_examples/.../chasquid-internal-dkim-verify.go.go.
package taglist

import (
	"fmt"
	"strings"
)

// Tag is one parsed "name=value" pair. Start/End are byte offsets of the
// value within the original raw string, preserved so callers (the DKIM
// Signature frame, specifically) can elide a tag's value in place when
// re-canonicalizing the header for self-hashing.
type Tag struct {
	Name       string
	Value      string
	Start, End int
	Ordinal    int // 0-based position among all tags, including duplicates
}

// Syntax controls which whitespace class separates tokens: DKIM-Signature
// permits FWS (folding whitespace, i.e. CR/LF may appear as part of the
// fold); ADSP and DMARC records use plain WSP only.
type Syntax int

const (
	WSP Syntax = iota
	FWS
)

// Parse splits raw into an ordered list of Tags. It does not enforce
// required/duplicate rules; use Decode for that.
func Parse(raw string, syntax Syntax) ([]Tag, error) {
	var tags []Tag
	ordinal := 0

	i := 0
	n := len(raw)
	skipSpace := func() {
		for i < n && isSpace(raw[i], syntax) {
			i++
		}
	}

	for {
		skipSpace()
		if i >= n {
			break
		}

		nameStart := i
		for i < n && raw[i] != '=' && !isSpace(raw[i], syntax) {
			i++
		}
		name := raw[nameStart:i]
		if name == "" {
			return nil, fmt.Errorf("taglist: empty tag name at offset %d", nameStart)
		}
		skipSpace()
		if i >= n || raw[i] != '=' {
			return nil, fmt.Errorf("taglist: tag %q missing '='", name)
		}
		i++ // consume '='
		skipSpace()

		valueStart := i
		for i < n && raw[i] != ';' {
			i++
		}
		valueEnd := i
		// Trim trailing WSP/FWS from the value, keeping valueEnd anchored
		// to content so callers can splice out exactly the value bytes.
		for valueEnd > valueStart && isSpace(raw[valueEnd-1], syntax) {
			valueEnd--
		}

		tags = append(tags, Tag{
			Name:    name,
			Value:   raw[valueStart:valueEnd],
			Start:   valueStart,
			End:     valueEnd,
			Ordinal: ordinal,
		})
		ordinal++

		if i < n && raw[i] == ';' {
			i++
		}
	}

	return tags, nil
}

func isSpace(c byte, syntax Syntax) bool {
	switch c {
	case ' ', '\t':
		return true
	case '\r', '\n':
		return syntax == FWS
	default:
		return false
	}
}

// FieldSpec describes one recognized tag name for Decode.
type FieldSpec struct {
	Name     string
	Required bool
	// Handle is called for the first occurrence of Name, in parse order,
	// with the tag's ordinal (0-based position among all tags) so handlers
	// can enforce "must be the first tag" constraints (ADSP requires dkim=
	// to be first). A repeated Name makes Decode return ErrDuplicateTag
	// without calling Handle again.
	Handle func(tag Tag) error
}

// ErrDuplicateTag is returned (wrapped) when a tag name already consumed
// appears again; DKIM and its relatives treat this as fatal syntax error.
type ErrDuplicateTag struct{ Name string }

func (e ErrDuplicateTag) Error() string { return fmt.Sprintf("taglist: duplicated tag %q", e.Name) }

// ErrMissingRequiredTag is returned when Decode finishes without having
// seen a tag marked Required.
type ErrMissingRequiredTag struct{ Name string }

func (e ErrMissingRequiredTag) Error() string {
	return fmt.Sprintf("taglist: missing required tag %q", e.Name)
}

// Decode parses raw and dispatches each tag to the matching FieldSpec's
// Handle callback, then verifies every Required tag was supplied. Unknown
// tag names are skipped silently, per DKIM's extensibility rule.
func Decode(raw string, syntax Syntax, specs []FieldSpec) ([]Tag, error) {
	tags, err := Parse(raw, syntax)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*FieldSpec, len(specs))
	for i := range specs {
		byName[specs[i].Name] = &specs[i]
	}

	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		spec, ok := byName[tag.Name]
		if !ok {
			continue // unknown tags are ignored
		}
		if seen[tag.Name] {
			return tags, ErrDuplicateTag{Name: tag.Name}
		}
		seen[tag.Name] = true
		if spec.Handle != nil {
			if err := spec.Handle(tag); err != nil {
				return tags, err
			}
		}
	}

	for _, spec := range specs {
		if spec.Required && !seen[spec.Name] {
			return tags, ErrMissingRequiredTag{Name: spec.Name}
		}
	}

	return tags, nil
}

// SplitColonList splits a tag value like "a:b: c" on every colon,
// trimming surrounding WSP from each element — the shape used by h=
// (signed-header list) and by service-type / hash-algorithm lists.
func SplitColonList(value string) []string {
	parts := strings.Split(value, ":")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
