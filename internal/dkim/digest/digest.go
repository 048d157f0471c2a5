// Package digest implements the DKIM hash-and-verify engine (spec
// Component C): it consumes canonicalized bytes, enforces the sig l= tag
// body-length limit, and dispatches signature verification to RSA or
// Ed25519, grounded on original_source/libsauth/dkim/dkimdigester.c.
package digest

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"hash"

	"github.com/mailauth/miltersentry/internal/dkim/canon"
)

type HashAlgorithm int

const (
	SHA1 HashAlgorithm = iota
	SHA256
)

func (h HashAlgorithm) cryptoHash() crypto.Hash {
	if h == SHA256 {
		return crypto.SHA256
	}
	return crypto.SHA1
}

func (h HashAlgorithm) new() hash.Hash {
	if h == SHA256 {
		return sha256.New()
	}
	return sha1.New()
}

type PublicKeyAlgorithm int

const (
	RSA PublicKeyAlgorithm = iota
	Ed25519
)

// Result is the outcome of Verify, matching spec §4.C's named outcomes.
type Result int

const (
	DigestMatch Result = iota
	BodyHashMismatch
	SignatureMismatch
	PublicKeyTypeMismatch
)

func (r Result) String() string {
	switch r {
	case DigestMatch:
		return "digest-match"
	case BodyHashMismatch:
		return "body-hash-mismatch"
	case SignatureMismatch:
		return "signature-mismatch"
	case PublicKeyTypeMismatch:
		return "public-key-type-mismatch"
	default:
		return "unknown"
	}
}

// ErrImplError is returned for the internal invariant named in spec §4.C:
// the canonicalizer produced more than the declared l= limit without
// being asked to.
var ErrImplError = errors.New("digest: canonicalizer exceeded declared body-length limit")

// HeaderField is one (name, value) pair selected for hashing, in the
// exact order the Digester should feed them.
type HeaderField struct {
	Name  string
	Value string
}

// SignatureHeader carries the raw DKIM-Signature field plus the byte
// range of its b= tag, so the Digester can elide it while hashing.
type SignatureHeader struct {
	Name            string
	Value           string
	BTagStart       int
	BTagEnd         int
	KeepLeadingSpace bool
}

// Digester hashes canonicalized header and body bytes and drives
// signature creation/verification.
type Digester struct {
	hashAlgo   HashAlgorithm
	pubkeyAlgo PublicKeyAlgorithm
	headerAlgo canon.Algorithm
	bodyAlgo   canon.Algorithm

	bodyCanon *canon.BodyCanon
	bodyHash  hash.Hash
	headerBuf []byte

	bodyLimit   int64 // -1 = unlimited
	bodyWritten int64
	finalized   bool
}

func New(hashAlgo HashAlgorithm, pubkeyAlgo PublicKeyAlgorithm, headerAlgo, bodyAlgo canon.Algorithm, bodyLimit int64) *Digester {
	return &Digester{
		hashAlgo:   hashAlgo,
		pubkeyAlgo: pubkeyAlgo,
		headerAlgo: headerAlgo,
		bodyAlgo:   bodyAlgo,
		bodyCanon:  canon.NewBodyCanon(bodyAlgo),
		bodyHash:   hashAlgo.new(),
		bodyLimit:  bodyLimit,
	}
}

// UpdateBody routes chunk through the canonicalizer and feeds the result
// to the body hash, truncating at bodyLimit if one is configured. Per
// spec §4.C, bytes beyond the limit are silently discarded, not an error
// — unless the canonicalizer itself produced more committed bytes than
// the limit allows without ever being told to stop, which is ErrImplError.
func (d *Digester) UpdateBody(chunk []byte) error {
	if d.finalized {
		return nil
	}
	out := d.bodyCanon.Body(chunk)
	return d.feedBody(out)
}

func (d *Digester) feedBody(out []byte) error {
	if d.bodyLimit < 0 {
		d.bodyHash.Write(out)
		d.bodyWritten += int64(len(out))
		return nil
	}

	if d.bodyWritten > d.bodyLimit {
		return ErrImplError
	}
	remaining := d.bodyLimit - d.bodyWritten
	if remaining <= 0 {
		return nil // already at the limit, silently discard
	}
	if int64(len(out)) > remaining {
		out = out[:remaining]
	}
	d.bodyHash.Write(out)
	d.bodyWritten += int64(len(out))
	return nil
}

// FinalizeBody flushes the body canonicalizer. Must be called once before
// Verify/Sign.
func (d *Digester) FinalizeBody() error {
	if d.finalized {
		return nil
	}
	d.finalized = true
	return d.feedBody(d.bodyCanon.FinalizeBody())
}

// BodyHash returns the finalized body hash bytes. FinalizeBody must have
// been called first.
func (d *Digester) BodyHash() []byte {
	return d.bodyHash.Sum(nil)
}

// updateHeader feeds one already-selected header field into the header
// hash using the configured header canonicalization algorithm.
func (d *Digester) updateHeader(name, value string, keepLeadingSpace bool) {
	d.headerBuf = append(d.headerBuf, canon.Header(d.headerAlgo, name, value, true, keepLeadingSpace)...)
}

// updateSignatureHeader feeds the DKIM-Signature header itself, b= elided,
// with no trailing CRLF (spec §4.C step 3 / §6).
func (d *Digester) updateSignatureHeader(sig SignatureHeader) {
	d.headerBuf = append(d.headerBuf, canon.SignHeader(d.headerAlgo, sig.Name, sig.Value, sig.KeepLeadingSpace, sig.BTagStart, sig.BTagEnd)...)
}

func (d *Digester) headerHashSum(headers []HeaderField, sig SignatureHeader) []byte {
	d.headerBuf = d.headerBuf[:0]
	for _, h := range headers {
		d.updateHeader(h.Name, h.Value, sig.KeepLeadingSpace)
	}
	d.updateSignatureHeader(sig)

	h := d.hashAlgo.new()
	h.Write(d.headerBuf)
	return h.Sum(nil)
}

// Verify dispatches to VerifyRSA or VerifyEd25519 based on the public
// key's concrete type, implementing spec §4.C step 1's pubkey-type check
// as PublicKeyTypeMismatch when the key doesn't match the signature's
// declared algorithm.
func (d *Digester) Verify(headers []HeaderField, sig SignatureHeader, expectedBodyHash, signature []byte, publicKey crypto.PublicKey) (Result, error) {
	switch pk := publicKey.(type) {
	case *rsa.PublicKey:
		return d.VerifyRSA(headers, sig, expectedBodyHash, signature, pk)
	case ed25519.PublicKey:
		return d.VerifyEd25519(headers, sig, expectedBodyHash, signature, pk), nil
	default:
		return PublicKeyTypeMismatch, nil
	}
}

// VerifyRSA implements spec §4.C's four-step algorithm for RSA keys.
// FinalizeBody must already have been called.
func (d *Digester) VerifyRSA(headers []HeaderField, sig SignatureHeader, expectedBodyHash, signature []byte, pk *rsa.PublicKey) (Result, error) {
	if d.pubkeyAlgo != RSA {
		return PublicKeyTypeMismatch, nil
	}
	bh := d.BodyHash()
	if !constantTimeEqual(bh, expectedBodyHash) {
		return BodyHashMismatch, nil
	}
	headerHash := d.headerHashSum(headers, sig)
	if err := rsa.VerifyPKCS1v15(pk, d.hashAlgo.cryptoHash(), headerHash, signature); err != nil {
		return SignatureMismatch, nil
	}
	return DigestMatch, nil
}

// VerifyEd25519 mirrors VerifyRSA for Ed25519 keys, which sign the raw
// header buffer rather than a digest.
func (d *Digester) VerifyEd25519(headers []HeaderField, sig SignatureHeader, expectedBodyHash, signature []byte, pk ed25519.PublicKey) Result {
	if d.pubkeyAlgo != Ed25519 {
		return PublicKeyTypeMismatch
	}
	bh := d.BodyHash()
	if !constantTimeEqual(bh, expectedBodyHash) {
		return BodyHashMismatch
	}

	d.headerBuf = d.headerBuf[:0]
	for _, h := range headers {
		d.updateHeader(h.Name, h.Value, sig.KeepLeadingSpace)
	}
	d.updateSignatureHeader(sig)

	if !ed25519.Verify(pk, d.headerBuf, signature) {
		return SignatureMismatch
	}
	return DigestMatch
}

// SignRSA is the symmetric counterpart used by the signing engine the
// core keeps around for tests (spec §4.C "Sign").
func (d *Digester) SignRSA(headers []HeaderField, sig SignatureHeader, sk *rsa.PrivateKey) (bodyHash, signature []byte, err error) {
	bodyHash = d.BodyHash()
	headerHash := d.headerHashSum(headers, sig)
	signature, err = rsa.SignPKCS1v15(nil, sk, d.hashAlgo.cryptoHash(), headerHash)
	return bodyHash, signature, err
}

func (d *Digester) SignEd25519(headers []HeaderField, sig SignatureHeader, sk ed25519.PrivateKey) (bodyHash, signature []byte) {
	bodyHash = d.BodyHash()
	d.headerBuf = d.headerBuf[:0]
	for _, h := range headers {
		d.updateHeader(h.Name, h.Value, sig.KeepLeadingSpace)
	}
	d.updateSignatureHeader(sig)
	signature = ed25519.Sign(sk, d.headerBuf)
	return bodyHash, signature
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
