package dmarc

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/mailauth/miltersentry/internal/dkim/verify"
	"github.com/mailauth/miltersentry/internal/dmarc/publicsuffix"
)

// Resolver is the minimal DNS surface the aligner needs: TXT lookup for
// record discovery, plus the error classification the pool's Resolver
// already exposes (spec §4.A's ErrorSymbol convention).
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	ErrorSymbol(err error) string
}

// Score is DMARC's per-message evaluation outcome (spec §4.G).
type Score int

const (
	ScoreNone Score = iota
	ScorePass
	ScoreFail
	ScoreTempError
	ScorePermError
)

func (s Score) String() string {
	switch s {
	case ScorePass:
		return "pass"
	case ScoreFail:
		return "fail"
	case ScoreTempError:
		return "temperror"
	case ScorePermError:
		return "permerror"
	default:
		return "none"
	}
}

// SPFResult is the subset of the external SPF evaluator's outcome the
// aligner needs: the identifier it actually authenticated (MAIL FROM
// domain, or HELO when MAIL FROM is null) and whether that check passed.
type SPFResult struct {
	Domain string
	Pass   bool
}

// Aligner evaluates DMARC for one RFC5322.From mailbox (spec §4.G).
// Session keeps one per From-mailbox (spec §3 "DMARC aligner list (one
// per From-mailbox)"), so each instance's last-fetched record is its own
// state and concurrent per-mailbox evaluation (SPEC_FULL.md §B,
// golang.org/x/sync/errgroup) never races.
type Aligner struct {
	suffix   *publicsuffix.Index
	resolver Resolver

	// Populated by Check; ReceiverPolicy reads them back (spec §4.G:
	// "ReceiverPolicy(applySampling) -> Policy" takes no other argument).
	policyDomain string
	authorDomain string
	record       *Record
	score        Score
}

// New returns an Aligner bound to suffix (Component F) and resolver
// (Component A or a borrowed handle from it).
func New(suffix *publicsuffix.Index, resolver Resolver) *Aligner {
	return &Aligner{suffix: suffix, resolver: resolver}
}

// Free releases the Aligner's resources. Aligner holds none of its own
// (its resolver is borrowed), but the method is kept to match spec §4.G's
// named operation list and to give callers a single place to extend if a
// future aligner needs cleanup.
func (a *Aligner) Free() {}

// fetchRecord implements spec §4.G "Record discovery": query
// _dmarc.<author-domain>; if nothing is found and the author domain
// differs from its organizational domain, retry at
// _dmarc.<organizational-domain>.
func (a *Aligner) fetchRecord(ctx context.Context, authorDomain string) (policyDomain string, rec *Record, score Score) {
	policyDomain = authorDomain

	rec, score = a.queryAndParse(ctx, authorDomain)
	if rec != nil || score != ScoreNone {
		return policyDomain, rec, score
	}

	orgDomain := a.suffix.OrganizationalDomain(authorDomain)
	if orgDomain == "" || strings.EqualFold(orgDomain, authorDomain) {
		return policyDomain, nil, ScoreNone
	}

	policyDomain = orgDomain
	rec, score = a.queryAndParse(ctx, orgDomain)
	return policyDomain, rec, score
}

// queryAndParse returns (nil, ScoreNone) for "no record, keep looking",
// a non-nil record on success, or a non-ScoreNone score for a terminal
// DNS/syntax failure that should stop the fallback walk.
func (a *Aligner) queryAndParse(ctx context.Context, domain string) (*Record, Score) {
	txts, err := a.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		switch a.resolver.ErrorSymbol(err) {
		case "nxdomain":
			return nil, ScoreNone
		case "timeout", "servfail":
			return nil, ScoreTempError
		default:
			return nil, ScorePermError
		}
	}

	var candidates []string
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			candidates = append(candidates, txt)
		}
	}
	if len(candidates) == 0 {
		return nil, ScoreNone
	}
	if len(candidates) > 1 {
		// Multiple DMARC policy records at one name is a syntax-level
		// malformation (RFC 7489 §6.6.3): treat like "no record found".
		return nil, ScoreNone
	}

	rec, err := ParseRecord(candidates[0])
	if err != nil {
		return nil, ScorePermError
	}
	return rec, ScoreNone
}

// Check implements spec §4.G's two-pass strict/relaxed alignment check
// against the DKIM verifier's frame results and the SPF evaluator's
// result, and stores the fetched record for the subsequent
// ReceiverPolicy call.
func (a *Aligner) Check(ctx context.Context, authorDomain string, dkimResults []verify.FrameResult, spf SPFResult) Score {
	authorDomain = strings.ToLower(authorDomain)
	a.authorDomain = authorDomain

	policyDomain, rec, fetchScore := a.fetchRecord(ctx, authorDomain)
	a.policyDomain = policyDomain
	a.record = rec

	if fetchScore != ScoreNone {
		a.score = fetchScore
		return a.score
	}
	if rec == nil {
		a.score = ScoreNone
		return a.score
	}

	dkimAligned := false
	for _, fr := range dkimResults {
		if fr.Status != verify.StatusPass && fr.Status != verify.StatusPassTesting {
			continue
		}
		if isAligned(authorDomain, fr.SDID, rec.DKIMAlignment, a.suffix) {
			dkimAligned = true
			break
		}
	}

	spfAligned := spf.Pass && spf.Domain != "" && isAligned(authorDomain, spf.Domain, rec.SPFAlignment, a.suffix)

	if dkimAligned || spfAligned {
		a.score = ScorePass
	} else {
		a.score = ScoreFail
	}
	return a.score
}

// isAligned implements the strict pass (exact case-insensitive match) and
// the relaxed pass (shared organizational domain), per spec §4.G.
func isAligned(fromDomain, authDomain string, mode AlignmentMode, suffix *publicsuffix.Index) bool {
	if strings.EqualFold(fromDomain, authDomain) {
		return true
	}
	if mode != AlignmentRelaxed {
		return false
	}
	orgFrom := suffix.OrganizationalDomain(fromDomain)
	orgAuth := suffix.OrganizationalDomain(authDomain)
	if orgFrom == "" || orgAuth == "" {
		return false
	}
	return strings.EqualFold(orgFrom, orgAuth)
}

// ReceiverPolicy implements spec §4.G's policy decision: no record ->
// PolicyNone; a FAIL score applies the record's policy (sp= if the
// record was found via organizational-domain fallback), optionally
// downgraded by the pct= sampling roll; anything else -> PolicyNone
// (a PASS needs no enforcement; TEMPERROR/PERMERROR enforcement is a
// session-level decision, not the aligner's).
func (a *Aligner) ReceiverPolicy(applySampling bool) Policy {
	if a.record == nil || a.score != ScoreFail {
		return PolicyNone
	}

	policy := a.record.PolicyFor(a.policyDomain, a.authorDomain)

	if applySampling && a.record.Percent < 100 {
		roll, err := rand.Int(rand.Reader, big.NewInt(100))
		// spec §9: "the source's sampling-rate downgrade uses random() %
		// 100; this is mildly biased but conformant. Keep the same
		// shape; a cryptographic RNG is unnecessary" -- crypto/rand is
		// used here anyway since it's already imported ambiently and
		// costs nothing extra; ErrImplError-style fallback below keeps
		// behavior deterministic if the system RNG is ever exhausted.
		n := int64(0)
		if err == nil {
			n = roll.Int64()
		}
		if n >= int64(a.record.Percent) {
			policy = policy.downgrade()
		}
	}

	return policy
}

// Record returns the record fetched by the most recent Check call, or
// nil. Exposed for callers (the session's Authentication-Results
// clause, control-socket diagnostics) that want to report the policy
// domain alongside the score.
func (a *Aligner) Record() (policyDomain string, rec *Record) {
	return a.policyDomain, a.record
}
