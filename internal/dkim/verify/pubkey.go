package verify

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mailauth/miltersentry/internal/dkim/taglist"
)

// PublicKeyRecord is a parsed DKIM key record, published as a TXT RR at
// <selector>._domainkey.<d=> (spec §6).
type PublicKeyRecord struct {
	Version      string   // v=, optional, must be "DKIM1" if present
	KeyType      string   // k=, default "rsa"
	HashRestrict []string // h=, optional restriction on a= hash algorithms
	ServiceTypes []string // s=, default ["*"]
	Flags        []string // t=, y (testing) / s (strict subdomain)
	Granularity  string   // g=, default "*"
	PublicKey    crypto.PublicKey
	Revoked      bool // true when p= is present but empty
}

// ErrKeyRevoked is returned by parsePublicKeyRecord when p= is present but
// empty (spec §4.E step 2: "A record with empty p= -> KEY_REVOKED").
var ErrKeyRevoked = fmt.Errorf("dkim: key revoked (empty p=)")

func parsePublicKeyRecord(raw string) (*PublicKeyRecord, error) {
	rec := &PublicKeyRecord{KeyType: "rsa", ServiceTypes: []string{"*"}, Granularity: "*"}
	var pValue string
	var sawP bool

	specs := []taglist.FieldSpec{
		{Name: "v", Handle: func(t taglist.Tag) error { rec.Version = t.Value; return nil }},
		{Name: "k", Handle: func(t taglist.Tag) error { rec.KeyType = t.Value; return nil }},
		{Name: "h", Handle: func(t taglist.Tag) error {
			rec.HashRestrict = taglist.SplitColonList(t.Value)
			return nil
		}},
		{Name: "s", Handle: func(t taglist.Tag) error {
			rec.ServiceTypes = taglist.SplitColonList(t.Value)
			return nil
		}},
		{Name: "t", Handle: func(t taglist.Tag) error {
			rec.Flags = taglist.SplitColonList(t.Value)
			return nil
		}},
		{Name: "g", Handle: func(t taglist.Tag) error { rec.Granularity = t.Value; return nil }},
		{Name: "p", Required: true, Handle: func(t taglist.Tag) error {
			sawP = true
			pValue = t.Value
			return nil
		}},
		{Name: "n"},
	}

	if _, err := taglist.Decode(raw, taglist.WSP, specs); err != nil {
		return nil, err
	}
	if rec.Version != "" && rec.Version != "DKIM1" {
		return nil, fmt.Errorf("dkim: unsupported key record version %q", rec.Version)
	}

	if sawP && strings.TrimSpace(pValue) == "" {
		rec.Revoked = true
		return rec, nil
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(pValue), ""))
	if err != nil {
		return nil, fmt.Errorf("dkim: malformed p= value: %w", err)
	}

	switch strings.ToLower(rec.KeyType) {
	case "rsa":
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("dkim: malformed rsa public key: %w", err)
		}
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("dkim: k=rsa but embedded key is not RSA")
		}
		rec.PublicKey = rsaKey
	case "ed25519":
		if len(der) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("dkim: malformed ed25519 public key length %d", len(der))
		}
		rec.PublicKey = ed25519.PublicKey(der)
	default:
		return nil, fmt.Errorf("dkim: unsupported key type %q", rec.KeyType)
	}

	return rec, nil
}

// admitsServiceType reports whether the record's s= tag admits "email",
// per spec §4.E step 2 ("service-type list admits email").
func (r *PublicKeyRecord) admitsServiceType() bool {
	for _, s := range r.ServiceTypes {
		if s == "*" || s == "email" {
			return true
		}
	}
	return false
}

// coversHashAlgorithm reports whether the record's h= restriction (if any)
// permits name, per spec §4.E step 2 ("h=-in-key covers a=-in-signature").
// name is the bare hash-algorithm name ("sha1"/"sha256"), not the full a=
// token — a key's h= tag lists hash names only (RFC 6376 §3.6.1).
func (r *PublicKeyRecord) coversHashAlgorithm(name string) bool {
	if len(r.HashRestrict) == 0 {
		return true
	}
	for _, h := range r.HashRestrict {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func (r *PublicKeyRecord) isTesting() bool {
	for _, f := range r.Flags {
		if f == "y" {
			return true
		}
	}
	return false
}

func (r *PublicKeyRecord) isStrictSubdomain() bool {
	for _, f := range r.Flags {
		if f == "s" {
			return true
		}
	}
	return false
}

// matchesGranularity reports whether the signature's AUID local-part
// matches the key record's g= pattern (spec §4.E step 2: "g= predicate
// matches AUID local-part"). g= supports a single trailing "*" wildcard,
// per RFC 4871; an absent or bare "*" g= matches anything.
func (r *PublicKeyRecord) matchesGranularity(auidLocalPart string) bool {
	g := r.Granularity
	if g == "" || g == "*" {
		return true
	}
	if strings.HasSuffix(g, "*") {
		return strings.HasPrefix(auidLocalPart, strings.TrimSuffix(g, "*"))
	}
	return g == auidLocalPart
}
