// Package dmarc implements the DMARC Aligner (spec Component G): record
// discovery at _dmarc.<domain> with organizational-domain fallback,
// strict/relaxed alignment checks against DKIM and SPF results, and
// sampling-based policy downgrade. Grounded on
// original_source/libsauth/dmarc/dmarcaligner.c and dmarcrecord.c; record
// syntax parsing reuses Component D (internal/dkim/taglist) instead of
// github.com/emersion/go-msgauth/dmarc so that the tag grammar is shared
// across every record type the spec names (spec §4.D).
package dmarc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mailauth/miltersentry/internal/dkim/taglist"
)

// AlignmentMode is DMARC's "r" (relaxed, default) or "s" (strict) mode,
// independently configurable for SPF and DKIM (spec §3 "DMARC record").
type AlignmentMode int

const (
	AlignmentRelaxed AlignmentMode = iota
	AlignmentStrict
)

// Policy is the receiver policy a DMARC record requests, or the core's
// enforcement verdict after sampling (spec §4.G, §6 "Verdicts").
type Policy int

const (
	PolicyNone Policy = iota
	PolicyQuarantine
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyQuarantine:
		return "quarantine"
	case PolicyReject:
		return "reject"
	default:
		return "none"
	}
}

// downgrade implements the sampling "receiver policy" step-down
// (spec §4.G "Sampling": "downgrade the policy by one step (reject ->
// quarantine -> none)").
func (p Policy) downgrade() Policy {
	switch p {
	case PolicyReject:
		return PolicyQuarantine
	case PolicyQuarantine:
		return PolicyNone
	default:
		return PolicyNone
	}
}

func parsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return PolicyNone, nil
	case "quarantine":
		return PolicyQuarantine, nil
	case "reject":
		return PolicyReject, nil
	default:
		return PolicyNone, fmt.Errorf("dmarc: unrecognized policy %q", s)
	}
}

// Record is a parsed DMARC policy record (spec §3 "DMARC record", RFC
// 7489 §6.3). Ancillary reporting tags (rua=, ruf=, fo=, ri=, rf=) are
// accepted by the parser but not retained: spec §1 places DMARC
// reporting out of scope for the core.
type Record struct {
	ReceiverPolicy  Policy
	SubdomainPolicy Policy
	HasSubdomain    bool
	SPFAlignment    AlignmentMode
	DKIMAlignment   AlignmentMode
	Percent         int // 0-100, default 100
}

// ParseRecord decodes one _dmarc TXT value into a Record, per spec §4.D's
// generic tag-list grammar (DMARC uses plain WSP, not FWS).
func ParseRecord(raw string) (*Record, error) {
	rec := &Record{Percent: 100}

	var sawVersion bool
	specs := []taglist.FieldSpec{
		{Name: "v", Required: true, Handle: func(t taglist.Tag) error {
			if t.Ordinal != 0 {
				return fmt.Errorf("dmarc: v= must be the first tag")
			}
			if !strings.EqualFold(t.Value, "DMARC1") {
				return fmt.Errorf("dmarc: unsupported record version %q", t.Value)
			}
			sawVersion = true
			return nil
		}},
		{Name: "p", Required: true, Handle: func(t taglist.Tag) error {
			p, err := parsePolicy(t.Value)
			if err != nil {
				return err
			}
			rec.ReceiverPolicy = p
			return nil
		}},
		{Name: "sp", Handle: func(t taglist.Tag) error {
			p, err := parsePolicy(t.Value)
			if err != nil {
				return err
			}
			rec.SubdomainPolicy = p
			rec.HasSubdomain = true
			return nil
		}},
		{Name: "aspf", Handle: func(t taglist.Tag) error {
			rec.SPFAlignment = parseAlignment(t.Value)
			return nil
		}},
		{Name: "adkim", Handle: func(t taglist.Tag) error {
			rec.DKIMAlignment = parseAlignment(t.Value)
			return nil
		}},
		{Name: "pct", Handle: func(t taglist.Tag) error {
			n, err := strconv.Atoi(t.Value)
			if err != nil || n < 0 || n > 100 {
				return fmt.Errorf("dmarc: malformed pct= value %q", t.Value)
			}
			rec.Percent = n
			return nil
		}},
		// Accepted but unused by the core (spec §3: "ancillary reporting
		// fields (accepted but not used by the core)").
		{Name: "rua"}, {Name: "ruf"}, {Name: "fo"}, {Name: "ri"}, {Name: "rf"},
	}

	if _, err := taglist.Decode(raw, taglist.WSP, specs); err != nil {
		return nil, err
	}
	if !sawVersion {
		return nil, fmt.Errorf("dmarc: missing v= tag")
	}
	if !rec.HasSubdomain {
		rec.SubdomainPolicy = rec.ReceiverPolicy
	}
	return rec, nil
}

func parseAlignment(s string) AlignmentMode {
	if strings.EqualFold(s, "s") {
		return AlignmentStrict
	}
	return AlignmentRelaxed
}

// PolicyFor picks the record's applicable policy for authorDomain, given
// the domain the record was actually found at (policyDomain): when the
// record lives at the organizational domain and authorDomain is a strict
// subdomain of it, the subdomain policy (sp=, defaulting to p=) applies
// (spec §4.G "Record discovery" + RFC 7489 §6.3).
func (r *Record) PolicyFor(policyDomain, authorDomain string) Policy {
	if !strings.EqualFold(policyDomain, authorDomain) {
		return r.SubdomainPolicy
	}
	return r.ReceiverPolicy
}
