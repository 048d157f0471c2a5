package verify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mailauth/miltersentry/internal/dkim/canon"
	"github.com/mailauth/miltersentry/internal/dkim/digest"
	"github.com/mailauth/miltersentry/internal/dkim/taglist"
)

// signatureFields is the parsed content of one DKIM-Signature header,
// prior to key fetch or digesting.
type signatureFields struct {
	version     string
	hashAlgo    digest.HashAlgorithm
	pubkeyAlgo  digest.PublicKeyAlgorithm
	rawAlgo     string
	headerCanon canon.Algorithm
	bodyCanon   canon.Algorithm
	sdid        string
	selector    string
	headerNames []string
	bodyHashB64 string
	sigB64      string
	auid        string
	bodyLimit   int64 // -1 = unset
	timestamp   int64 // 0 = unset
	expiration  int64 // 0 = unset
	hasTimestamp, hasExpiration bool

	bTagStart, bTagEnd int
}

// ErrUnsupportedAlgorithm is returned when a= names an algorithm pair the
// verifier does not implement.
var ErrUnsupportedAlgorithm = fmt.Errorf("dkim: unsupported signature algorithm")

func parseSignatureFields(raw string) (*signatureFields, error) {
	sf := &signatureFields{
		headerCanon: canon.Simple,
		bodyCanon:   canon.Simple,
		bodyLimit:   -1,
	}

	specs := []taglist.FieldSpec{
		{Name: "v", Required: true, Handle: func(t taglist.Tag) error { sf.version = t.Value; return nil }},
		{Name: "a", Required: true, Handle: func(t taglist.Tag) error {
			sf.rawAlgo = t.Value
			switch strings.ToLower(t.Value) {
			case "rsa-sha1":
				sf.hashAlgo, sf.pubkeyAlgo = digest.SHA1, digest.RSA
			case "rsa-sha256":
				sf.hashAlgo, sf.pubkeyAlgo = digest.SHA256, digest.RSA
			case "ed25519-sha256":
				sf.hashAlgo, sf.pubkeyAlgo = digest.SHA256, digest.Ed25519
			default:
				return ErrUnsupportedAlgorithm
			}
			return nil
		}},
		{Name: "c", Handle: func(t taglist.Tag) error {
			h, b, ok := strings.Cut(t.Value, "/")
			if !ok {
				h, b = t.Value, "simple"
			}
			algo, ok := canon.ParseAlgorithm(h)
			if !ok {
				return fmt.Errorf("dkim: unsupported header canonicalization %q", h)
			}
			sf.headerCanon = algo
			algo, ok = canon.ParseAlgorithm(b)
			if !ok {
				return fmt.Errorf("dkim: unsupported body canonicalization %q", b)
			}
			sf.bodyCanon = algo
			return nil
		}},
		{Name: "d", Required: true, Handle: func(t taglist.Tag) error { sf.sdid = strings.ToLower(t.Value); return nil }},
		{Name: "i", Handle: func(t taglist.Tag) error { sf.auid = t.Value; return nil }},
		{Name: "s", Required: true, Handle: func(t taglist.Tag) error { sf.selector = t.Value; return nil }},
		{Name: "h", Required: true, Handle: func(t taglist.Tag) error {
			sf.headerNames = taglist.SplitColonList(t.Value)
			return nil
		}},
		{Name: "bh", Required: true, Handle: func(t taglist.Tag) error { sf.bodyHashB64 = t.Value; return nil }},
		{Name: "b", Required: true, Handle: func(t taglist.Tag) error {
			sf.sigB64 = t.Value
			sf.bTagStart, sf.bTagEnd = t.Start, t.End
			return nil
		}},
		{Name: "l", Handle: func(t taglist.Tag) error {
			n, err := strconv.ParseInt(t.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("dkim: malformed l= value: %w", err)
			}
			sf.bodyLimit = n
			return nil
		}},
		{Name: "t", Handle: func(t taglist.Tag) error {
			n, err := strconv.ParseInt(t.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("dkim: malformed t= value: %w", err)
			}
			sf.timestamp = n
			sf.hasTimestamp = true
			return nil
		}},
		{Name: "x", Handle: func(t taglist.Tag) error {
			n, err := strconv.ParseInt(t.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("dkim: malformed x= value: %w", err)
			}
			sf.expiration = n
			sf.hasExpiration = true
			return nil
		}},
		{Name: "q"},
		{Name: "z"},
	}

	if _, err := taglist.Decode(raw, taglist.FWS, specs); err != nil {
		return nil, err
	}
	if sf.version != "1" {
		return nil, fmt.Errorf("dkim: unsupported signature version %q", sf.version)
	}
	if sf.auid == "" {
		sf.auid = "@" + sf.sdid
	}

	foundFrom := false
	for _, h := range sf.headerNames {
		if strings.EqualFold(h, "from") {
			foundFrom = true
			break
		}
	}
	if !foundFrom {
		return nil, fmt.Errorf("dkim: h= does not include From")
	}

	return sf, nil
}

// auidDomain returns the domain portion of i=, i.e. everything after the
// last '@'.
func (sf *signatureFields) auidDomain() string {
	at := strings.LastIndex(sf.auid, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(sf.auid[at+1:])
}

// auidLocalPart returns the local-part of i=, used against the key
// record's g= predicate.
func (sf *signatureFields) auidLocalPart() string {
	at := strings.LastIndex(sf.auid, "@")
	if at < 0 {
		return sf.auid
	}
	return sf.auid[:at]
}

// hashAlgoName returns the bare hash-algorithm name ("sha1"/"sha256") as
// published in a key record's h= tag (RFC 6376 §3.6.1), as distinct from
// rawAlgo which carries the full a= token ("rsa-sha256").
func (sf *signatureFields) hashAlgoName() string {
	if sf.hashAlgo == digest.SHA256 {
		return "sha256"
	}
	return "sha1"
}

// domainMatchesSDID reports whether auidDomain is sf.sdid or a subdomain
// of it, per spec §4.E step 1.
func domainMatchesSDID(auidDomain, sdid string) bool {
	auidDomain, sdid = strings.ToLower(auidDomain), strings.ToLower(sdid)
	if auidDomain == sdid {
		return true
	}
	return strings.HasSuffix(auidDomain, "."+sdid)
}
