package verify

import (
	"context"
	"crypto/rsa"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mailauth/miltersentry/internal/dkim/digest"
)

// Resolver is the minimal DNS surface the verifier needs: key-record and
// ADSP/ATPS TXT lookups, and the MX check ADSP uses to confirm an Author
// Domain exists.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	ErrorSymbol(err error) string
}

// ErrNoSignHeader is returned by New when the message carries no
// DKIM-Signature header at all (spec §4.E: "New(...) -> Verifier |
// NoSignHeader | error").
var ErrNoSignHeader = errors.New("dkim: message has no DKIM-Signature header")

// Status is a per-frame or per-session outcome.
type Status int

const (
	StatusNeutral Status = iota
	StatusPass
	StatusPassTesting
	StatusFail
	StatusTempError
	StatusPermError
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusPassTesting:
		return "pass(testing)"
	case StatusFail:
		return "fail"
	case StatusTempError:
		return "temperror"
	case StatusPermError:
		return "permerror"
	default:
		return "neutral"
	}
}

// FrameResult is the outcome of one DKIM-Signature frame.
type FrameResult struct {
	SDID     string
	Selector string
	AUID     string
	Status   Status
	Reason   string
}

// frame is one parsed DKIM-Signature occurrence together with its
// in-progress digester.
type frame struct {
	headerName string
	rawValue   string
	sf         *signatureFields
	digester   *digest.Digester
	result     FrameResult
	done       bool // result is final; UpdateBody/Verify are no-ops
}

// Verifier owns every DKIM-Signature frame found in one message (spec
// §4.E).
type Verifier struct {
	policy           Policy
	resolver         Resolver
	headers          []digest.HeaderField
	keepLeadingSpace bool
	frames           []*frame
}

// New scans headers for DKIM-Signature occurrences (case-insensitive, up
// to policy.SignHeaderLimit) and parses each into a frame. Parse failures
// mark that frame PERMERROR without aborting construction; they surface
// later via FrameResult. Returns ErrNoSignHeader if headers carries no
// DKIM-Signature at all.
func New(policy Policy, resolver Resolver, headers []digest.HeaderField, keepLeadingSpace bool) (*Verifier, error) {
	v := &Verifier{policy: policy, resolver: resolver, headers: headers, keepLeadingSpace: keepLeadingSpace}

	count := 0
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "DKIM-Signature") {
			continue
		}
		count++
		if policy.SignHeaderLimit > 0 && count > policy.SignHeaderLimit {
			v.frames = append(v.frames, &frame{
				headerName: h.Name,
				done:       true,
				result:     FrameResult{Status: StatusPermError, Reason: "exceeds signheader_limit"},
			})
			continue
		}

		fr := &frame{headerName: h.Name, rawValue: h.Value}
		sf, err := parseSignatureFields(h.Value)
		if err != nil {
			fr.done = true
			fr.result = FrameResult{Status: StatusPermError, Reason: err.Error()}
		} else {
			fr.sf = sf
			fr.digester = digest.New(sf.hashAlgo, sf.pubkeyAlgo, sf.headerCanon, sf.bodyCanon, sf.bodyLimit)
			fr.result = FrameResult{SDID: sf.sdid, Selector: sf.selector, AUID: sf.auid}
		}
		v.frames = append(v.frames, fr)
	}

	if count == 0 {
		return nil, ErrNoSignHeader
	}
	return v, nil
}

// UpdateBody feeds one body chunk to every still-open frame's digester.
func (v *Verifier) UpdateBody(chunk []byte) error {
	for _, fr := range v.frames {
		if fr.done || fr.digester == nil {
			continue
		}
		if err := fr.digester.UpdateBody(chunk); err != nil {
			fr.done = true
			fr.result = FrameResult{SDID: fr.sf.sdid, Selector: fr.sf.selector, AUID: fr.sf.auid,
				Status: StatusPermError, Reason: err.Error()}
		}
	}
	return nil
}

// FrameCount returns the number of DKIM-Signature frames found (including
// ones already marked done due to parse errors or the signheader limit).
func (v *Verifier) FrameCount() int { return len(v.frames) }

// FrameResult returns the current result for frame i. Before Verify runs
// it reflects only parse-time failures; SDID/Selector/AUID are populated.
func (v *Verifier) FrameResult(i int) FrameResult { return v.frames[i].result }

// Verify finalizes every open frame's body digest, fetches its key, and
// scores it. It never returns an error for a single frame's cryptographic
// or DNS failure — those are recorded in FrameResult — only for resource
// exhaustion (spec §4.E: "allocation/impl errors propagate as
// session-level failure").
func (v *Verifier) Verify(ctx context.Context) error {
	now := time.Now()
	for _, fr := range v.frames {
		if fr.done {
			continue
		}
		if err := fr.digester.FinalizeBody(); err != nil {
			return fmt.Errorf("dkim: %w", err)
		}
		v.verifyFrame(ctx, fr, now)
	}
	return nil
}

func (v *Verifier) verifyFrame(ctx context.Context, fr *frame, now time.Time) {
	sf := fr.sf
	res := FrameResult{SDID: sf.sdid, Selector: sf.selector, AUID: sf.auid}

	if i := sf.auidDomain(); i != "" && !domainMatchesSDID(i, sf.sdid) {
		res.Status, res.Reason = StatusPermError, "DOMAIN_MISMATCH: i= is not d= or a subdomain of d="
		fr.result, fr.done = res, true
		return
	}

	if sf.hasExpiration && !v.policy.AcceptExpired {
		if now.After(time.Unix(sf.expiration, 0).Add(v.policy.ClockSkew)) {
			res.Status, res.Reason = StatusPermError, "SIGNATURE_EXPIRED"
			fr.result, fr.done = res, true
			return
		}
	}
	if sf.hasTimestamp && !v.policy.AcceptFutureTimestamp {
		if time.Unix(sf.timestamp, 0).After(now.Add(v.policy.ClockSkew)) {
			res.Status, res.Reason = StatusPermError, "FUTURE_TIMESTAMP"
			fr.result, fr.done = res, true
			return
		}
	}

	key, status, reason := v.fetchKey(ctx, sf)
	if key == nil {
		res.Status, res.Reason = status, reason
		fr.result, fr.done = res, true
		return
	}

	if !key.coversHashAlgorithm(sf.hashAlgoName()) {
		res.Status, res.Reason = StatusPermError, "h= in key does not cover a= in signature"
		fr.result, fr.done = res, true
		return
	}
	if !key.admitsServiceType() {
		res.Status, res.Reason = StatusPermError, "s= in key does not admit email"
		fr.result, fr.done = res, true
		return
	}
	if !key.matchesGranularity(sf.auidLocalPart()) {
		res.Status, res.Reason = StatusPermError, "g= in key does not match i= local-part"
		fr.result, fr.done = res, true
		return
	}
	if key.isStrictSubdomain() && !strings.EqualFold(sf.auidDomain(), sf.sdid) {
		res.Status, res.Reason = StatusPermError, "t=s in key forbids i= subdomain of d="
		fr.result, fr.done = res, true
		return
	}
	if rsaKey, ok := key.PublicKey.(*rsa.PublicKey); ok && rsaKey.N.BitLen() < v.policy.MinRSABits {
		res.Status, res.Reason = StatusPermError, "rsa key shorter than configured minimum"
		fr.result, fr.done = res, true
		return
	}

	expectedBodyHash, err := base64.StdEncoding.DecodeString(sf.bodyHashB64)
	if err != nil {
		res.Status, res.Reason = StatusPermError, "malformed bh="
		fr.result, fr.done = res, true
		return
	}
	signature, err := base64.StdEncoding.DecodeString(sf.sigB64)
	if err != nil {
		res.Status, res.Reason = StatusPermError, "malformed b="
		fr.result, fr.done = res, true
		return
	}

	signedHeaders := selectHeaders(sf.headerNames, v.headers)
	sigHeader := digest.SignatureHeader{
		Name: fr.headerName, Value: fr.rawValue,
		BTagStart: sf.bTagStart, BTagEnd: sf.bTagEnd, KeepLeadingSpace: v.keepLeadingSpace,
	}

	digestResult, err := fr.digester.Verify(signedHeaders, sigHeader, expectedBodyHash, signature, key.PublicKey)
	if err != nil {
		res.Status, res.Reason = StatusPermError, err.Error()
		fr.result, fr.done = res, true
		return
	}

	switch digestResult {
	case digest.DigestMatch:
		if key.isTesting() {
			res.Status = StatusPassTesting
		} else {
			res.Status = StatusPass
		}
	case digest.BodyHashMismatch:
		res.Status, res.Reason = StatusFail, "body hash mismatch"
	case digest.SignatureMismatch:
		res.Status, res.Reason = StatusFail, "signature mismatch"
	default:
		res.Status, res.Reason = StatusPermError, "public key type mismatch"
	}
	fr.result, fr.done = res, true
}

// selectHeaders implements spec §4.E step 3: walk h= left to right, each
// name consuming the bottom-most remaining instance of that header.
func selectHeaders(names []string, headers []digest.HeaderField) []digest.HeaderField {
	byName := make(map[string][]int)
	for i, h := range headers {
		key := strings.ToLower(h.Name)
		byName[key] = append(byName[key], i)
	}
	consumed := make(map[string]int)

	var out []digest.HeaderField
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		idxs := byName[key]
		pos := len(idxs) - 1 - consumed[key]
		if pos < 0 {
			continue // no more instances of this header; contributes nothing
		}
		consumed[key]++
		out = append(out, headers[idxs[pos]])
	}
	return out
}

// fetchKey performs spec §4.E step 2's key-record fetch and validation,
// short of the signature-specific checks (those stay in verifyFrame to
// keep NXDOMAIN/SERVFAIL handling in one place).
func (v *Verifier) fetchKey(ctx context.Context, sf *signatureFields) (*PublicKeyRecord, Status, string) {
	name := sf.selector + "._domainkey." + sf.sdid
	txts, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		switch v.resolver.ErrorSymbol(err) {
		case "nxdomain":
			return nil, StatusPermError, "NO_KEY_FOR_SIGNATURE"
		case "timeout", "servfail":
			return nil, StatusTempError, "key fetch temporary failure"
		default:
			return nil, StatusPermError, "key fetch failed: " + err.Error()
		}
	}
	if len(txts) == 0 {
		return nil, StatusPermError, "NO_KEY_FOR_SIGNATURE"
	}

	var valid []*PublicKeyRecord
	for _, txt := range txts {
		rec, err := parsePublicKeyRecord(txt)
		if err != nil {
			continue // discarded, treated like NODATA (spec §4.E step 2)
		}
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		return nil, StatusPermError, "NO_KEY_FOR_SIGNATURE"
	}
	if len(valid) > 1 {
		return nil, StatusPermError, "MULTIPLE_DNSRR"
	}
	if valid[0].Revoked {
		return nil, StatusPermError, "KEY_REVOKED"
	}
	return valid[0], StatusNeutral, ""
}

// SessionResult aggregates every frame's result into one representative
// status: any PASS wins, else the first TEMPERROR, else the first FAIL,
// else the first PERMERROR, else NEUTRAL (no frames were signable at
// all).
func (v *Verifier) SessionResult() FrameResult {
	var firstTemp, firstFail, firstPerm *FrameResult
	for _, fr := range v.frames {
		r := fr.result
		switch r.Status {
		case StatusPass, StatusPassTesting:
			return r
		case StatusTempError:
			if firstTemp == nil {
				firstTemp = &r
			}
		case StatusFail:
			if firstFail == nil {
				firstFail = &r
			}
		case StatusPermError:
			if firstPerm == nil {
				firstPerm = &r
			}
		}
	}
	switch {
	case firstTemp != nil:
		return *firstTemp
	case firstFail != nil:
		return *firstFail
	case firstPerm != nil:
		return *firstPerm
	default:
		return FrameResult{Status: StatusNeutral}
	}
}

// atpsQueryName builds the base32(hash(sdid))._atps.<authorDomain> query
// name for ATPS delegation lookups (spec §4.E "ATPS").
func atpsQueryName(sdid, authorDomain string, h ATPSHash) string {
	sum := hashSDID(sdid, h)
	label := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum))
	return label + "._atps." + authorDomain
}
