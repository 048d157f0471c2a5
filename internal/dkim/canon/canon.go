// Package canon implements the DKIM header and body canonicalization
// algorithms (spec Component B), grounded on
// original_source/libsauth/dkim/dkimcanonicalizer.c: "simple" is
// byte-exact modulo bare-LF promotion; "relaxed" folds whitespace and
// lowercases header names. Body canonicalization is streaming and must be
// correct across arbitrary chunk boundaries (spec §4.B).
package canon

import "strings"

// Algorithm selects simple or relaxed canonicalization, matching spec §9's
// suggestion to model the choice as a sum type rather than a function
// pointer.
type Algorithm int

const (
	Simple Algorithm = iota
	Relaxed
)

func (a Algorithm) String() string {
	if a == Relaxed {
		return "relaxed"
	}
	return "simple"
}

func ParseAlgorithm(s string) (Algorithm, bool) {
	switch strings.ToLower(s) {
	case "simple":
		return Simple, true
	case "relaxed":
		return Relaxed, true
	default:
		return 0, false
	}
}

// Header canonicalizes a single header field. value is the raw field
// value as stored, folding included (spec §3 "Stored headers ... Folding
// is preserved" — callers pass the as-received value; relaxed unfolds
// CR/LF itself per RFC 6376 §3.4.2).
//
// keepLeadingSpace reflects the milter HDR_LEADSPC negotiation (spec
// §4.I NEG): when the MTA preserves the separating space after the colon
// in value, keepLeadingSpace is true and value already begins with it;
// when false, the canonicalizer must reinsert exactly one space so the
// simple algorithm's byte-exact guarantee still holds for what the MTA
// actually delivered.
func Header(algo Algorithm, name, value string, appendCRLF, keepLeadingSpace bool) string {
	switch algo {
	case Relaxed:
		return relaxedHeader(name, value) + crlfIf(appendCRLF)
	default:
		return simpleHeader(name, value, keepLeadingSpace) + crlfIf(appendCRLF)
	}
}

// SignHeader canonicalizes the DKIM-Signature header itself for hashing,
// with the b= tag's value (byte range [bTagStart:bTagEnd) within value)
// elided and with no trailing CRLF appended, per spec §4.B/§6.
func SignHeader(algo Algorithm, name, value string, keepLeadingSpace bool, bTagStart, bTagEnd int) string {
	elided := value
	if bTagStart >= 0 && bTagEnd >= bTagStart && bTagEnd <= len(value) {
		elided = value[:bTagStart] + value[bTagEnd:]
	}
	switch algo {
	case Relaxed:
		return relaxedHeader(name, elided)
	default:
		return simpleHeader(name, elided, keepLeadingSpace)
	}
}

func crlfIf(b bool) string {
	if b {
		return "\r\n"
	}
	return ""
}

// simpleHeader is byte-exact with one normalization: a bare LF is
// promoted to CRLF (dkimcanonicalizer.c's FLUSH_CRLF handling applied to
// header values, which per RFC 6376 §3.4.1 arrive without folding).
func simpleHeader(name, value string, keepLeadingSpace bool) string {
	sep := ":"
	v := value
	if !keepLeadingSpace {
		sep = ": "
		v = strings.TrimPrefix(v, " ")
	}
	return name + sep + promoteBareLF(v)
}

func promoteBareLF(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// relaxedHeader lowercases the name, deletes WSP around the colon,
// collapses runs of WSP within the value to a single SP, and drops
// CR/LF (RFC 6376 §3.4.2).
func relaxedHeader(name, value string) string {
	lname := strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	b.Grow(len(value))
	pendingWSP := false
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '\r', '\n':
			continue
		case ' ', '\t':
			pendingWSP = true
		default:
			if pendingWSP {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				pendingWSP = false
			}
			b.WriteByte(c)
		}
	}
	return lname + ":" + b.String()
}

// BodyCanon is the streaming body canonicalizer. It must be fed chunks in
// order via Body and finished exactly once via FinalizeBody.
//
// Invariants (spec §4.B): after each Body call, all committed bytes have
// already been returned (and thus already fed to whatever is hashing
// them); pending CRLFs and a possibly-pending WSP are held back in state;
// a trailing bare CR is held back pending classification of the next
// byte.
type BodyCanon struct {
	algo Algorithm

	pendingCR    bool // last byte of input seen so far was an unpaired CR
	pendingCRLFs int  // count of CRLF line terminators not yet committed
	pendingWSP   bool // relaxed only: one SP held back, may be trailing

	wroteAny bool
	done     bool
}

func NewBodyCanon(algo Algorithm) *BodyCanon {
	return &BodyCanon{algo: algo}
}

// Body canonicalizes chunk and returns the newly committed output bytes.
func (b *BodyCanon) Body(chunk []byte) []byte {
	if b.done {
		return nil
	}
	var out []byte
	i := 0
	for i < len(chunk) {
		c := chunk[i]

		if b.pendingCR {
			b.pendingCR = false
			if c == '\n' {
				b.lineTerminator()
				i++
				continue
			}
			// Unpaired CR was ordinary content.
			out = b.emitByte(out, '\r')
			continue // reprocess c, it may itself start a new CR/LF
		}

		switch c {
		case '\r':
			b.pendingCR = true
			i++
		case '\n':
			b.lineTerminator()
			i++
		default:
			out = b.emitByte(out, c)
			i++
		}
	}
	return out
}

func (b *BodyCanon) lineTerminator() {
	if b.algo == Relaxed {
		b.pendingWSP = false // trailing WSP on the line is dropped
	}
	b.pendingCRLFs++
}

func (b *BodyCanon) emitByte(out []byte, c byte) []byte {
	if b.algo == Relaxed && (c == ' ' || c == '\t') {
		b.pendingWSP = true
		return out
	}

	out = b.flushPendingCRLFs(out)

	if b.algo == Relaxed {
		if b.pendingWSP {
			out = append(out, ' ')
			b.pendingWSP = false
			b.wroteAny = true
		}
	}
	out = append(out, c)
	b.wroteAny = true
	return out
}

func (b *BodyCanon) flushPendingCRLFs(out []byte) []byte {
	for ; b.pendingCRLFs > 0; b.pendingCRLFs-- {
		out = append(out, '\r', '\n')
		b.wroteAny = true
	}
	return out
}

// FinalizeBody flushes held-back state, applies the trailing-CRLF policy
// (spec §8 property 2), and moves the canonicalizer to a terminal state.
// Calling it more than once returns nil after the first call.
func (b *BodyCanon) FinalizeBody() []byte {
	if b.done {
		return nil
	}
	b.done = true

	var out []byte
	if b.pendingCR {
		// A trailing unpaired CR is ordinary content.
		out = b.emitByte(out, '\r')
		b.pendingCR = false
	}

	if b.pendingCRLFs > 0 {
		// Collapse any run of trailing CRLFs to exactly one.
		b.pendingCRLFs = 0
		if b.algo == Relaxed && !b.wroteAny {
			return out
		}
		out = append(out, '\r', '\n')
		return out
	}

	switch b.algo {
	case Relaxed:
		if b.wroteAny {
			out = append(out, '\r', '\n')
		}
	default:
		out = append(out, '\r', '\n')
	}
	return out
}
