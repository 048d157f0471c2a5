package verify

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"strings"

	"github.com/mailauth/miltersentry/internal/dkim/taglist"
)

// ADSPScore is the outcome of an Author Domain Signing Practices lookup
// for one mailbox's Author Domain (spec §4.E "ADSP", glossary "ADSP").
type ADSPScore int

const (
	ADSPNone ADSPScore = iota
	ADSPPass
	ADSPUnknown
	ADSPAll
	ADSPDiscardable
	ADSPNXDomain
	ADSPTempError
	ADSPPermError
)

func (s ADSPScore) String() string {
	switch s {
	case ADSPPass:
		return "pass"
	case ADSPUnknown:
		return "unknown"
	case ADSPAll:
		return "all"
	case ADSPDiscardable:
		return "discardable"
	case ADSPNXDomain:
		return "nxdomain"
	case ADSPTempError:
		return "temperror"
	case ADSPPermError:
		return "permerror"
	default:
		return "none"
	}
}

// ATPSScore is the outcome of an Authorised Third-Party Signature
// delegation lookup for one (author domain, SDID) pair.
type ATPSScore int

const (
	ATPSNone ATPSScore = iota
	ATPSPass
	ATPSTempError
	ATPSPermError
)

// AuthorPolicyResult is CheckAuthorPolicy's per-mailbox outcome.
type AuthorPolicyResult struct {
	Author string
	ADSP   ADSPScore
	ATPS   map[string]ATPSScore // keyed by SDID tried
	Reason string
}

// CheckAuthorPolicy implements spec §4.E's ADSP and ATPS lookups for each
// mailbox domain in fromDomains. Only the verifier's frames whose status
// is StatusPass or StatusPassTesting are considered.
func (v *Verifier) CheckAuthorPolicy(ctx context.Context, fromDomains []string) []AuthorPolicyResult {
	var out []AuthorPolicyResult
	var passing []FrameResult
	for _, fr := range v.frames {
		if fr.result.Status == StatusPass || fr.result.Status == StatusPassTesting {
			passing = append(passing, fr.result)
		}
	}

	for _, author := range fromDomains {
		out = append(out, v.checkOneAuthor(ctx, strings.ToLower(author), passing))
	}
	return out
}

func (v *Verifier) checkOneAuthor(ctx context.Context, author string, passing []FrameResult) AuthorPolicyResult {
	res := AuthorPolicyResult{Author: author, ATPS: make(map[string]ATPSScore)}

	for _, p := range passing {
		if strings.EqualFold(p.SDID, author) {
			res.ADSP = ADSPPass
			return res
		}
	}

	if v.policy.EnableATPS {
		for _, p := range passing {
			if strings.EqualFold(p.SDID, author) {
				continue
			}
			score := v.checkATPSDelegation(ctx, author, p.SDID)
			res.ATPS[p.SDID] = score
			if score == ATPSPass {
				res.ADSP = ADSPPass
				return res
			}
		}
	}

	if !v.policy.EnableADSP {
		res.ADSP = ADSPNone
		return res
	}

	mxName := author
	if _, err := v.resolver.LookupMX(ctx, mxName); err != nil {
		if v.resolver.ErrorSymbol(err) == "nxdomain" {
			res.ADSP = ADSPNXDomain
			return res
		}
		// Other MX lookup failures don't block the ADSP TXT lookup itself;
		// yenma only special-cases NXDOMAIN here.
	}

	txts, err := v.resolver.LookupTXT(ctx, "_adsp._domainkey."+author)
	if err != nil {
		switch v.resolver.ErrorSymbol(err) {
		case "nxdomain":
			res.ADSP = ADSPNone
		case "timeout", "servfail":
			res.ADSP = ADSPTempError
		default:
			res.ADSP = ADSPPermError
			res.Reason = err.Error()
		}
		return res
	}
	if len(txts) == 0 {
		res.ADSP = ADSPNone
		return res
	}

	practice, err := parseADSPRecord(txts[0])
	if err != nil {
		res.ADSP = ADSPPermError
		res.Reason = err.Error()
		return res
	}
	switch practice {
	case "unknown":
		res.ADSP = ADSPUnknown
	case "all":
		res.ADSP = ADSPAll
	case "discardable":
		res.ADSP = ADSPDiscardable
	default:
		res.ADSP = ADSPPermError
		res.Reason = "unrecognized dkim= practice " + practice
	}
	return res
}

// parseADSPRecord decodes an ADSP TXT record. Per spec §4.D, ADSP
// requires the first tag to be dkim=; taglist.Tag.Ordinal carries the
// position needed to enforce that.
func parseADSPRecord(raw string) (string, error) {
	var practice string
	var sawFirst bool
	specs := []taglist.FieldSpec{
		{Name: "dkim", Required: true, Handle: func(t taglist.Tag) error {
			if t.Ordinal != 0 {
				return errFirstTagMustBeDKIM
			}
			practice = t.Value
			sawFirst = true
			return nil
		}},
	}
	if _, err := taglist.Decode(raw, taglist.WSP, specs); err != nil {
		return "", err
	}
	if !sawFirst {
		return "", errFirstTagMustBeDKIM
	}
	return practice, nil
}

var errFirstTagMustBeDKIM = &adspError{"adsp: dkim= must be the first tag"}

type adspError struct{ msg string }

func (e *adspError) Error() string { return e.msg }

// checkATPSDelegation queries base32(hash(sdid))._atps.<authorDomain> and
// reports whether it carries a v=ATPS1 delegation (spec §4.E "ATPS").
func (v *Verifier) checkATPSDelegation(ctx context.Context, authorDomain, sdid string) ATPSScore {
	name := atpsQueryName(sdid, authorDomain, v.policy.ATPSHashAlgorithm)
	txts, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		switch v.resolver.ErrorSymbol(err) {
		case "nxdomain":
			return ATPSNone
		case "timeout", "servfail":
			return ATPSTempError
		default:
			return ATPSPermError
		}
	}
	for _, txt := range txts {
		if strings.Contains(txt, "v=ATPS1") {
			return ATPSPass
		}
	}
	return ATPSNone
}

func hashSDID(sdid string, h ATPSHash) []byte {
	if h == ATPSHashSHA256 {
		sum := sha256.Sum256([]byte(sdid))
		return sum[:]
	}
	sum := sha1.Sum([]byte(sdid))
	return sum[:]
}

// PolicyFrameResult returns the ADSP/ATPS outcome computed for the
// mailbox at fromDomains[authorIdx] in the most recent CheckAuthorPolicy
// call's result slice, matching spec §4.E's named accessor.
func PolicyFrameResult(results []AuthorPolicyResult, authorIdx int) (author string, adsp ADSPScore, atps ATPSScore) {
	if authorIdx < 0 || authorIdx >= len(results) {
		return "", ADSPNone, ATPSNone
	}
	r := results[authorIdx]
	best := ATPSNone
	for _, s := range r.ATPS {
		if s == ATPSPass {
			best = ATPSPass
			break
		}
	}
	return r.Author, r.ADSP, best
}
