/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dkim is the signing side of the core's digest engine (spec
// §4.C "Sign(headers, frame, privateKey)... included because the core
// contains a signing engine as well, reused for tests"): it manages
// per-domain keypairs (generating and persisting them to disk the first
// time a domain is signed for) and mints DKIM-Signature header values by
// driving Component B/C directly rather than a second signing library.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/mailauth/miltersentry/framework/dns"
	"github.com/mailauth/miltersentry/framework/log"
	"github.com/mailauth/miltersentry/internal/dkim/canon"
	"github.com/mailauth/miltersentry/internal/dkim/digest"
)

// DKIM is a generated-or-loaded keypair and its matching DNS TXT record,
// as written to the `.key`/`.dns` sidecar files (spec §3 "signing key
// store").
type DKIM struct {
	Domain     string
	DNSName    string
	DNSValue   string
	PrivateKey string
	PublicKey  string
	Expires    time.Time

	pkey crypto.Signer
}

// Modifier mints DKIM-Signature header values for outbound messages,
// generating a keypair per signing domain on first use.
type Modifier struct {
	selector        string
	keyPathTemplate string
	newKeyAlgo      string // "rsa4096", "rsa2048", or "ed25519"
	sigExpiry       time.Duration

	headerCanon canon.Algorithm
	bodyCanon   canon.Algorithm
	hashAlgo    digest.HashAlgorithm
	signHeaders []string

	log     log.Logger
	signers map[string]crypto.Signer

	table    MutableTable
	storeKeysInDB bool
}

// MutableTable is the minimal key-value store a Modifier can use instead
// of per-domain key files, when the deployment already has a database
// table to keep signing keys in (spec §3 leaves the storage backend
// unspecified). A nil table means "file storage only".
type MutableTable interface {
	Lookup(domain string) (value string, ok bool, err error)
	SetKey(domain, value string) error
}

// NewModifier builds a signing Modifier. signHeaders is stored on the
// Modifier but Sign does not read it: Sign builds h= from the names of
// the headers it is given.
func NewModifier(selector, keyPathTemplate, newKeyAlgo string, signHeaders []string, headerCanon, bodyCanon canon.Algorithm, hashAlgo digest.HashAlgorithm, sigExpiry time.Duration, logger log.Logger) *Modifier {
	return &Modifier{
		selector:        selector,
		keyPathTemplate: keyPathTemplate,
		newKeyAlgo:      newKeyAlgo,
		sigExpiry:       sigExpiry,
		headerCanon:     headerCanon,
		bodyCanon:       bodyCanon,
		hashAlgo:        hashAlgo,
		signHeaders:     signHeaders,
		log:             logger,
		signers:         map[string]crypto.Signer{},
	}
}

// UseTable switches key storage from the filesystem to a mutable table
// (e.g. a SQL-backed one wired in by the caller); passing a nil table
// reverts to file storage.
func (m *Modifier) UseTable(table MutableTable) {
	m.table = table
	m.storeKeysInDB = table != nil
}

func (m *Modifier) Name() string { return "modify.dkim" }

// SignerFor returns the signing key for domain, generating and
// persisting one the first time the domain is seen.
func (m *Modifier) SignerFor(domain string) (crypto.Signer, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return nil, fmt.Errorf("modify.dkim: unable to normalize domain %s: %w", domain, err)
	}
	if signer, ok := m.signers[normDomain]; ok {
		return signer, nil
	}
	return m.generateKeyForDomain(domain)
}

// pubkeyAlgoOf maps a crypto.Signer's concrete type to the digest
// package's PublicKeyAlgorithm enum and its `a=` wire name.
func pubkeyAlgoOf(signer crypto.Signer) (digest.PublicKeyAlgorithm, string, error) {
	switch signer.(type) {
	case *rsa.PrivateKey:
		return digest.RSA, "rsa", nil
	case ed25519.PrivateKey:
		return digest.Ed25519, "ed25519", nil
	default:
		return 0, "", fmt.Errorf("modify.dkim: unsupported signer type %T", signer)
	}
}

func hashAlgoName(h digest.HashAlgorithm) string {
	if h == digest.SHA256 {
		return "sha256"
	}
	return "sha1"
}

// Sign builds a complete `DKIM-Signature:` header value (everything after
// the colon) for the given ordered header set and message body, using
// the keypair for fromDomain. headers must already be in the exact order
// they'll be hashed (bottom-up per h=, matching Component E's own
// selection convention).
func (m *Modifier) Sign(fromDomain string, headers []digest.HeaderField, body []byte) (string, error) {
	signer, err := m.SignerFor(fromDomain)
	if err != nil {
		return "", err
	}
	pubkeyAlgo, algoName, err := pubkeyAlgoOf(signer)
	if err != nil {
		return "", err
	}

	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = h.Name
	}

	now := time.Now()
	valueNoB := fmt.Sprintf(
		"v=1; a=%s-%s; c=%s/%s; d=%s; s=%s; t=%d; x=%d; h=%s; bh=; b=",
		algoName, hashAlgoName(m.hashAlgo), m.headerCanon, m.bodyCanon, fromDomain, m.selector,
		now.Unix(), now.Add(m.sigExpiry).Unix(), strings.Join(names, ":"),
	)
	bTagIdx := strings.LastIndex(valueNoB, "b=") + len("b=")
	sig := digest.SignatureHeader{
		Name:             "DKIM-Signature",
		Value:            valueNoB,
		BTagStart:        bTagIdx,
		BTagEnd:          bTagIdx,
		KeepLeadingSpace: true,
	}

	d := digest.New(m.hashAlgo, pubkeyAlgo, m.headerCanon, m.bodyCanon, -1)
	if err := d.UpdateBody(body); err != nil {
		return "", err
	}
	if err := d.FinalizeBody(); err != nil {
		return "", err
	}
	// Hash the header with bh= filled in, as a verifier will see it.
	sig.Value = strings.Replace(valueNoB, "bh=;", "bh="+base64.StdEncoding.EncodeToString(d.BodyHash())+";", 1)
	sig.BTagStart = strings.LastIndex(sig.Value, "b=") + len("b=")
	sig.BTagEnd = sig.BTagStart

	var bodyHash, signature []byte
	switch sk := signer.(type) {
	case *rsa.PrivateKey:
		bodyHash, signature, err = d.SignRSA(headers, sig, sk)
		if err != nil {
			return "", fmt.Errorf("modify.dkim: sign: %w", err)
		}
	case ed25519.PrivateKey:
		bodyHash, signature = d.SignEd25519(headers, sig, sk)
	}

	final := fmt.Sprintf(
		"v=1; a=%s-%s; c=%s/%s; d=%s; s=%s; t=%d; x=%d; h=%s; bh=%s; b=%s",
		algoName, hashAlgoName(m.hashAlgo), m.headerCanon, m.bodyCanon, fromDomain, m.selector,
		now.Unix(), now.Add(m.sigExpiry).Unix(), strings.Join(names, ":"),
		base64.StdEncoding.EncodeToString(bodyHash), base64.StdEncoding.EncodeToString(signature),
	)
	return final, nil
}
