// Package session implements the per-connection state machine (spec
// Component I): one instance is created on CONN and destroyed on CLOSE,
// and it orchestrates every other component (SPF/Sender-ID, DKIM+ADSP+
// ATPS, DMARC, the Authentication-Results builder) to produce one
// verdict and one outgoing header per transaction. It is deliberately
// milter-library agnostic — milter_adapter.go is the only file in this
// package that imports github.com/emersion/go-milter — so the state
// machine itself can be exercised by plain unit tests.
package session

import (
	"context"
	"net"
	"sort"
	"strings"

	msgauthres "github.com/emersion/go-msgauth/authres" // method Result types, converted via internal/authres.FromResults
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mailauth/miltersentry/framework/address"
	"github.com/mailauth/miltersentry/framework/log"
	"github.com/mailauth/miltersentry/internal/authres"
	spfcheck "github.com/mailauth/miltersentry/internal/check/spf"
	"github.com/mailauth/miltersentry/internal/connctr"
	"github.com/mailauth/miltersentry/internal/ctxmgr"
	"github.com/mailauth/miltersentry/internal/dkim/digest"
	"github.com/mailauth/miltersentry/internal/dkim/verify"
	"github.com/mailauth/miltersentry/internal/dmarc"
	"github.com/mailauth/miltersentry/internal/resolverpool"
	"github.com/mailauth/miltersentry/internal/stats"
)

// Verdict is the outcome EOM hands back to the milter layer.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictAccept
	VerdictReject
	VerdictTempfail
	VerdictDiscard
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictTempfail:
		return "tempfail"
	case VerdictDiscard:
		return "discard"
	default:
		return "continue"
	}
}

// ValidatedResult is the per-message summary spec §3 names as part of
// Session's held state; EOM both returns it (as EOMResult) and leaves it
// on the Session for any later diagnostics (e.g. a control-channel dump).
type ValidatedResult struct {
	SPF      spfcheck.Score
	SenderID spfcheck.Score
	DKIM     []verify.FrameResult
	DMARC    []dmarc.Score
}

// EOMResult is what the milter adapter needs to act on EOM: the rendered
// Authentication-Results value, which occurrences of an incoming
// Authentication-Results header to delete, and the verdict.
type EOMResult struct {
	HeaderValue string

	// RemoveIndices lists the zero-based occurrence index (among headers
	// sharing the name "Authentication-Results", in the order they were
	// seen) of every incoming header that must be deleted, sorted
	// descending — spec §4.I: "remove the marked Authentication-Results
	// headers by index (high indices first is safe)".
	RemoveIndices []int

	Verdict        Verdict
	ReplyCode      string
	EnhancedStatus string
	Message        string

	Result ValidatedResult
}

// Session holds everything spec §3's "Session (I)" field list names.
type Session struct {
	mgr         *ctxmgr.Manager
	connCounter *connctr.Counter
	log         log.Logger

	ctx      *ctxmgr.Context
	resolver resolverpool.Resolver

	keepLeadingSpace bool

	peerIP  net.IP
	peerStr string
	helo    string

	// per-message state, reset by ENVFROM and by ABORT/CLOSE.
	envFromRaw     string
	envFromMailbox string
	envFromDomain  string
	nullSender     bool
	queueID        string

	headerFields    []digest.HeaderField
	authResSeen     int
	authResRemoveAt []int

	fromMailboxes []string
	fromDomains   []string

	verifier *verify.Verifier
	spfEval  *spfcheck.Evaluator
	sidEval  *spfcheck.Evaluator
	aligners []*dmarc.Aligner

	result ValidatedResult
}

// New returns a Session bound to mgr (Component J) and counter (the
// process-wide connection counter, spec's "decrement the connection
// counter on close"). Session does not acquire a context or a resolver
// until Connect.
func New(mgr *ctxmgr.Manager, counter *connctr.Counter, logger log.Logger) *Session {
	return &Session{mgr: mgr, connCounter: counter, log: logger}
}

// Negotiate remembers the keepLeadingSpace flag (spec §4.I NEG).
// github.com/emersion/go-milter negotiates header-leading-space
// preservation once, for the whole server, via its Actions bitmask at
// startup rather than per connection; the adapter calls this once per
// Session immediately after New with that server-wide value.
func (s *Session) Negotiate(keepLeadingSpace bool) {
	s.keepLeadingSpace = keepLeadingSpace
}

// Connect implements spec §4.I CONN: bind the peer IP, bypass to ACCEPT
// if it is in the exclusion tree, otherwise borrow a resolver from the
// context's pool.
func (s *Session) Connect(peerIP net.IP, peerStr string) Verdict {
	s.ctx = s.mgr.Acquire()
	s.peerIP = peerIP
	s.peerStr = peerStr

	if s.ctx.Exclusion != nil && !s.ctx.Exclusion.Empty() && s.ctx.Exclusion.Contains(peerIP) {
		return VerdictAccept
	}

	s.resolver = s.ctx.Resolvers.Acquire()
	if s.resolver == nil {
		return VerdictTempfail
	}
	return VerdictContinue
}

// Helo implements spec §4.I HELO: first HELO wins, later ones in the
// same connection are ignored.
func (s *Session) Helo(name string) {
	if s.helo == "" {
		s.helo = name
	}
}

// EnvFrom implements spec §4.I ENVFROM: reset per-message state (so one
// connection can carry several transactions) and parse the reverse-path.
func (s *Session) EnvFrom(raw string) {
	s.resetMessage()
	s.envFromRaw = raw
	s.envFromMailbox, s.envFromDomain, s.nullSender = parseReversePath(raw)
}

// SetQueueID records the queue-id macro, when the MTA supplies one (spec
// §3: "lazily-fetched queue-id").
func (s *Session) SetQueueID(id string) {
	s.queueID = id
}

// Header implements spec §4.I HEADER: append (name, value) in order, and
// flag forged incoming Authentication-Results headers for removal.
func (s *Session) Header(name, value string) {
	s.headerFields = append(s.headerFields, digest.HeaderField{Name: name, Value: value})

	if strings.EqualFold(name, "Authentication-Results") {
		idx := s.authResSeen
		s.authResSeen++
		if authres.CompareAuthservId(value, s.ctx.AuthservID) {
			s.authResRemoveAt = append(s.authResRemoveAt, idx)
		}
	}
}

// EOH implements spec §4.I EOH: construct the DKIM verifier over the
// stored headers (tolerating a signature-less message) and resolve the
// RFC5322.From mailboxes DMARC/ADSP will need at EOM.
func (s *Session) EOH() error {
	s.fromMailboxes, s.fromDomains = extractFromMailboxes(s.headerFields)

	if s.ctx.DMARCEnabled {
		for range s.fromMailboxes {
			s.aligners = append(s.aligners, dmarc.New(s.ctx.Suffix, s.resolver))
		}
	}

	if !s.ctx.DKIMEnabled {
		return nil
	}

	v, err := verify.New(s.ctx.DKIMPolicy, s.resolver, s.headerFields, s.keepLeadingSpace)
	if err != nil {
		if err == verify.ErrNoSignHeader {
			return nil
		}
		return err
	}
	s.verifier = v
	return nil
}

// BodyChunk implements spec §4.I BODY: stream to the verifier, which
// routes to the digester and canonicalizer.
func (s *Session) BodyChunk(chunk []byte) error {
	if s.verifier == nil {
		return nil
	}
	return s.verifier.UpdateBody(chunk)
}

// EOM implements spec §4.I EOM: run SPF, Sender-ID, DKIM+ADSP+ATPS and
// DMARC in that order, fold the results into the Authentication-Results
// builder, update statistics, and derive the verdict.
func (s *Session) EOM(ctx context.Context) (*EOMResult, error) {
	builder := authres.NewBuilder(s.ctx.AuthservID)

	if s.ctx.SPFEnabled {
		score := s.evalSPF(ctx)
		s.result.SPF = score
		if score != spfcheck.ScoreNone {
			builder.Add(clauseForSPF(score, s.envFromMailbox, s.helo))
		}
		s.ctx.Stats.Increment(stats.SPF, toStatsScore(score.String()))
	}

	if s.ctx.SenderIDEnabled {
		score := s.evalSenderID(ctx)
		s.result.SenderID = score
		if score != spfcheck.ScoreNone {
			builder.Add(authres.Clause{Method: "sender-id", Result: score.String()})
		}
		s.ctx.Stats.Increment(stats.SenderID, toStatsScore(score.String()))
	}

	var dkimResults []verify.FrameResult
	if s.verifier != nil {
		if err := s.verifier.Verify(ctx); err != nil {
			return nil, err
		}
		for i := 0; i < s.verifier.FrameCount(); i++ {
			fr := s.verifier.FrameResult(i)
			dkimResults = append(dkimResults, fr)
			builder.Add(clauseForDKIM(fr))
			s.ctx.Stats.Increment(stats.DKIM, toStatsScore(dkimResultToken(fr.Status)))
		}

		if s.ctx.DKIMPolicy.EnableADSP || s.ctx.DKIMPolicy.EnableATPS {
			policyResults := s.verifier.CheckAuthorPolicy(ctx, s.fromDomains)
			for i := range policyResults {
				author, adsp, atps := verify.PolicyFrameResult(policyResults, i)
				if c, ok := clauseForADSP(author, adsp); ok {
					builder.Add(c)
				}
				if s.ctx.DKIMPolicy.EnableATPS {
					if c, ok := clauseForATPS(author, atps); ok {
						builder.Add(c)
					}
				}
			}
		}
	} else if s.ctx.DKIMEnabled {
		builder.Add(authres.Clause{Method: "dkim", Result: "none"})
		s.ctx.Stats.Increment(stats.DKIM, stats.None)
	}
	s.result.DKIM = dkimResults

	dmarcReject := false
	if s.ctx.DMARCEnabled {
		spfResult := dmarc.SPFResult{Domain: s.spfIdentityDomain(), Pass: s.result.SPF == spfcheck.ScorePass}
		scores := make([]dmarc.Score, len(s.aligners))

		g, gctx := errgroup.WithContext(ctx)
		for i, aligner := range s.aligners {
			i, aligner := i, aligner
			domain := s.fromDomains[i]
			g.Go(func() error {
				scores[i] = aligner.Check(gctx, domain, dkimResults, spfResult)
				return nil
			})
		}
		g.Wait()

		for i, score := range scores {
			domain := s.fromDomains[i]
			s.result.DMARC = append(s.result.DMARC, score)
			if score != dmarc.ScoreNone {
				builder.Add(authres.Clause{
					Method: "dmarc",
					Result: score.String(),
					Properties: []authres.Property{
						{PType: "header", Property: "from", Value: domain},
					},
				})
			}
			s.ctx.Stats.Increment(stats.DMARC, toStatsScore(score.String()))
			if s.aligners[i].ReceiverPolicy(true) == dmarc.PolicyReject {
				dmarcReject = true
			}
		}
	}

	removeAt := append([]int(nil), s.authResRemoveAt...)
	sort.Sort(sort.Reverse(sort.IntSlice(removeAt)))

	result := &EOMResult{
		HeaderValue:   builder.String(),
		RemoveIndices: removeAt,
		Verdict:       VerdictContinue,
		Result:        s.result,
	}

	if dmarcReject {
		switch s.ctx.DMARCRejectAction {
		case ctxmgr.RejectActionReject:
			result.Verdict = VerdictReject
		case ctxmgr.RejectActionTempfail:
			result.Verdict = VerdictTempfail
		}
		result.ReplyCode = s.ctx.DMARCRejectReplyCode
		result.EnhancedStatus = s.ctx.DMARCRejectEnhancedStatus
		result.Message = s.ctx.DMARCRejectMessage
	}

	s.log.Msg("message evaluated",
		"queue-id", s.queueIDOrGenerated(),
		"from", s.envFromMailbox,
		"spf", s.result.SPF.String(),
		"dkim-frames", len(s.result.DKIM),
		"dmarc-reject", dmarcReject,
	)

	return result, nil
}

// queueIDOrGenerated returns the MTA-supplied queue-id (spec §3: "lazily-
// fetched queue-id"), or a generated one when the MTA never calls
// SetQueueID for this transaction, so every "message evaluated" log line
// still carries a stable per-message identifier.
func (s *Session) queueIDOrGenerated() string {
	if s.queueID == "" {
		s.queueID = uuid.NewString()
	}
	return s.queueID
}

// Abort implements spec §4.I ABORT: reset per-message state only: the
// connection, its context reference and its resolver all survive so the
// next transaction on the same connection can proceed.
func (s *Session) Abort() {
	s.resetMessage()
}

// Close implements spec §4.I CLOSE: release everything borrowed for the
// connection's lifetime.
func (s *Session) Close() {
	s.resetMessage()
	if s.resolver != nil && s.ctx != nil {
		s.ctx.Resolvers.Release(s.resolver)
		s.resolver = nil
	}
	if s.connCounter != nil {
		s.connCounter.Release()
	}
	if s.ctx != nil {
		s.ctx.Unref()
		s.ctx = nil
	}
}

func (s *Session) resetMessage() {
	s.envFromRaw = ""
	s.envFromMailbox = ""
	s.envFromDomain = ""
	s.nullSender = false
	s.queueID = ""
	s.headerFields = nil
	s.authResSeen = 0
	s.authResRemoveAt = nil
	s.fromMailboxes = nil
	s.fromDomains = nil
	s.verifier = nil
	s.spfEval = nil
	s.sidEval = nil
	s.aligners = nil
	s.result = ValidatedResult{}
}

// evalSPF implements the SPF readiness rule (spec §4.I): HELO must be
// set; if the envelope-from is null, HELO must be a real FQDN.
func (s *Session) evalSPF(ctx context.Context) spfcheck.Score {
	if s.helo == "" {
		return spfcheck.ScoreNone
	}
	if s.nullSender && !isFQDNHelo(s.helo) {
		return spfcheck.ScorePermError
	}

	if s.spfEval == nil {
		s.spfEval = spfcheck.New(s.resolver)
	}
	s.spfEval.SetIP(s.peerIP)
	s.spfEval.SetHelo(s.helo)
	if s.nullSender {
		return s.spfEval.Eval(ctx, spfcheck.ScopeHelo)
	}
	s.spfEval.SetSender(s.envFromMailbox)
	return s.spfEval.Eval(ctx, spfcheck.ScopeMailFrom)
}

// evalSenderID implements the Sender-ID readiness rule (spec §4.I): the
// same preconditions as SPF, plus a Purported Responsible Address
// extractable from the stored headers per RFC 4407.
func (s *Session) evalSenderID(ctx context.Context) spfcheck.Score {
	if s.helo == "" {
		return spfcheck.ScoreNone
	}
	if s.nullSender && !isFQDNHelo(s.helo) {
		return spfcheck.ScorePermError
	}

	pra, ok := extractPRA(s.headerFields)
	if !ok {
		return spfcheck.ScorePermError
	}

	if s.sidEval == nil {
		s.sidEval = spfcheck.New(s.resolver)
	}
	s.sidEval.SetIP(s.peerIP)
	s.sidEval.SetHelo(s.helo)
	s.sidEval.SetSender(pra)
	return s.sidEval.Eval(ctx, spfcheck.ScopePRA)
}

// spfIdentityDomain names the domain SPF actually authenticated, for
// DMARC's SPF-alignment check (spec §4.G): the envelope-from domain, or
// the HELO name itself when the envelope sender is null.
func (s *Session) spfIdentityDomain() string {
	if s.nullSender {
		return s.helo
	}
	return s.envFromDomain
}

func toStatsScore(raw string) stats.Score {
	return stats.Score(raw)
}

func dkimResultToken(st verify.Status) string {
	if st == verify.StatusPassTesting {
		return "pass"
	}
	return st.String()
}

// clauseForSPF converts the SPF evaluator's score into an
// emersion/go-msgauth/authres.SPFResult and hands it to
// internal/authres.FromResults, so the same result vocabulary the
// evaluator and the wire-format library share drives the builder clause
// rather than a second hand-rolled mapping.
func clauseForSPF(score spfcheck.Score, mailfrom, helo string) authres.Clause {
	r := &msgauthres.SPFResult{Value: msgauthres.ResultValue(score.String())}
	if mailfrom != "" {
		r.From = mailfrom
	}
	if helo != "" {
		r.Helo = helo
	}
	return authres.FromResults([]msgauthres.Result{r})[0]
}

// clauseForDKIM mirrors clauseForSPF for a DKIM frame result. go-msgauth's
// DKIMResult has no selector field, so the s= property is appended to the
// converted clause separately.
func clauseForDKIM(fr verify.FrameResult) authres.Clause {
	r := &msgauthres.DKIMResult{
		Value:      msgauthres.ResultValue(dkimResultToken(fr.Status)),
		Reason:     fr.Reason,
		Domain:     fr.SDID,
		Identifier: fr.AUID,
	}
	c := authres.FromResults([]msgauthres.Result{r})[0]
	if fr.Selector != "" {
		c.Properties = append(c.Properties, authres.Property{PType: "header", Property: "s", Value: fr.Selector})
	}
	return c
}

// clauseForADSP renders an RFC 5617 Author Domain Signing Practices
// result. The "dkim-adsp" method name and result vocabulary below follow
// the convention RFC 7601 §2.7.1 records as ADSP's pre-obsolescence
// Authentication-Results identity.
func clauseForADSP(author string, score verify.ADSPScore) (authres.Clause, bool) {
	result := ""
	switch score {
	case verify.ADSPPass:
		result = "pass"
	case verify.ADSPUnknown:
		result = "unknown"
	case verify.ADSPAll:
		result = "fail"
	case verify.ADSPDiscardable:
		result = "discard"
	case verify.ADSPNXDomain:
		result = "nxdomain"
	case verify.ADSPTempError:
		result = "temperror"
	case verify.ADSPPermError:
		result = "permerror"
	default:
		return authres.Clause{}, false
	}
	return authres.Clause{
		Method: "dkim-adsp",
		Result: result,
		Properties: []authres.Property{
			{PType: "header", Property: "from", Value: author},
		},
	}, true
}

// clauseForATPS renders an RFC 6541 Authorized Third-Party Signatures
// result.
func clauseForATPS(author string, score verify.ATPSScore) (authres.Clause, bool) {
	result := ""
	switch score {
	case verify.ATPSPass:
		result = "pass"
	case verify.ATPSTempError:
		result = "temperror"
	case verify.ATPSPermError:
		result = "permerror"
	default:
		return authres.Clause{}, false
	}
	return authres.Clause{
		Method: "dkim-atps",
		Result: result,
		Properties: []authres.Property{
			{PType: "header", Property: "from", Value: author},
		},
	}, true
}

// parseReversePath implements spec §4.I ENVFROM's "parse the raw
// envelope with RFC5321 reverse-path grammar (nullable)". An empty
// reverse-path (the bounce/null sender, `<>`) has no domain at all.
func parseReversePath(raw string) (mailbox, domain string, isNull bool) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "<")
	trimmed = strings.TrimSuffix(trimmed, ">")
	if trimmed == "" {
		return "", "", true
	}

	local, dom, err := address.Split(trimmed)
	if err != nil {
		return trimmed, "", false
	}
	if dom == "" {
		return local, "", false
	}
	return local + "@" + dom, dom, false
}

// isFQDNHelo rejects the forms the SPF readiness rule excludes: address
// literals, bare IPs, and the empty string.
func isFQDNHelo(helo string) bool {
	if helo == "" {
		return false
	}
	if strings.HasPrefix(helo, "[") {
		return false
	}
	if net.ParseIP(helo) != nil {
		return false
	}
	return strings.Contains(helo, ".")
}
