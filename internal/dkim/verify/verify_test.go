package verify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"testing"

	"github.com/mailauth/miltersentry/internal/dkim/canon"
	"github.com/mailauth/miltersentry/internal/dkim/digest"
)

// fakeResolver answers TXT/MX lookups from an in-memory map, avoiding any
// real network I/O in tests.
type fakeResolver struct {
	txt map[string][]string
	mx  map[string]bool // domain -> has at least one MX record
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if recs, ok := f.txt[name]; ok {
		return recs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if f.mx[name] {
		return []*net.MX{{Host: "mx." + name, Pref: 10}}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) ErrorSymbol(err error) string {
	if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
		return "nxdomain"
	}
	return "error"
}

// signMessage builds a DKIM-Signature header value and returns it along
// with the full header set, signing with sk over the given body using
// simple/simple canonicalization and rsa-sha256.
func signMessage(t *testing.T, sk *rsa.PrivateKey, sdid, selector string, headers []digest.HeaderField, body string) string {
	t.Helper()

	d := digest.New(digest.SHA256, digest.RSA, canon.Simple, canon.Simple, -1)
	if err := d.UpdateBody([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := d.FinalizeBody(); err != nil {
		t.Fatal(err)
	}

	var hNames []string
	for _, h := range headers {
		hNames = append(hNames, h.Name)
	}
	hList := ""
	for i, n := range hNames {
		if i > 0 {
			hList += ":"
		}
		hList += n
	}

	bh := base64.StdEncoding.EncodeToString(d.BodyHash())
	sigValue := fmt.Sprintf("v=1; a=rsa-sha256; c=simple/simple; d=%s; s=%s; h=%s; bh=%s; b=",
		sdid, selector, hList, bh)

	bTagStart := len(sigValue)
	sig := digest.SignatureHeader{
		Name: "DKIM-Signature", Value: sigValue, BTagStart: bTagStart, BTagEnd: bTagStart,
	}
	_, signature, err := d.SignRSA(headers, sig, sk)
	if err != nil {
		t.Fatal(err)
	}
	return sigValue + base64.StdEncoding.EncodeToString(signature)
}

func genKeyPair(t *testing.T, bits int) (*rsa.PrivateKey, string) {
	t.Helper()
	sk, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&sk.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return sk, base64.StdEncoding.EncodeToString(der)
}

func TestVerifier_ValidSignaturePasses(t *testing.T) {
	sk, pub := genKeyPair(t, 1024)

	baseHeaders := []digest.HeaderField{
		{Name: "From", Value: " alice@example.com"},
		{Name: "Subject", Value: " hello"},
	}
	sigValue := signMessage(t, sk, "example.com", "sel1", baseHeaders, "body content\r\n")

	headers := append([]digest.HeaderField{{Name: "DKIM-Signature", Value: sigValue}}, baseHeaders...)

	resolver := &fakeResolver{txt: map[string][]string{
		"sel1._domainkey.example.com": {"v=DKIM1; k=rsa; p=" + pub},
	}}

	v, err := New(DefaultPolicy(), resolver, headers, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.UpdateBody([]byte("body content\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := v.FrameResult(0)
	if got.Status != StatusPass {
		t.Errorf("got status %v, reason %q, want pass", got.Status, got.Reason)
	}
}

// TestVerifier_KeyHashRestrictionAdmitsSignature covers spec §4.E step 2's
// "h=-in-key covers a=-in-signature" check against a key record that
// restricts h= to the bare hash name the signature actually uses
// (rsa-sha256's hash half is "sha256", not the full a= token).
func TestVerifier_KeyHashRestrictionAdmitsSignature(t *testing.T) {
	sk, pub := genKeyPair(t, 1024)
	baseHeaders := []digest.HeaderField{{Name: "From", Value: " alice@example.com"}}
	sigValue := signMessage(t, sk, "example.com", "sel1", baseHeaders, "body content\r\n")
	headers := append([]digest.HeaderField{{Name: "DKIM-Signature", Value: sigValue}}, baseHeaders...)

	resolver := &fakeResolver{txt: map[string][]string{
		"sel1._domainkey.example.com": {"v=DKIM1; k=rsa; h=sha256; p=" + pub},
	}}

	v, err := New(DefaultPolicy(), resolver, headers, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.UpdateBody([]byte("body content\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := v.FrameResult(0)
	if got.Status != StatusPass {
		t.Errorf("got status %v, reason %q, want pass", got.Status, got.Reason)
	}
}

func TestVerifier_BodyTamperFails(t *testing.T) {
	sk, pub := genKeyPair(t, 1024)
	baseHeaders := []digest.HeaderField{{Name: "From", Value: " alice@example.com"}}
	sigValue := signMessage(t, sk, "example.com", "sel1", baseHeaders, "original body\r\n")
	headers := append([]digest.HeaderField{{Name: "DKIM-Signature", Value: sigValue}}, baseHeaders...)

	resolver := &fakeResolver{txt: map[string][]string{
		"sel1._domainkey.example.com": {"v=DKIM1; k=rsa; p=" + pub},
	}}

	v, err := New(DefaultPolicy(), resolver, headers, false)
	if err != nil {
		t.Fatal(err)
	}
	v.UpdateBody([]byte("tampered body\r\n"))
	if err := v.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := v.FrameResult(0); got.Status != StatusFail {
		t.Errorf("got status %v, want fail", got.Status)
	}
}

func TestVerifier_NoKeyYieldsPermError(t *testing.T) {
	sk, _ := genKeyPair(t, 1024)
	baseHeaders := []digest.HeaderField{{Name: "From", Value: " alice@example.com"}}
	sigValue := signMessage(t, sk, "example.com", "sel1", baseHeaders, "body\r\n")
	headers := append([]digest.HeaderField{{Name: "DKIM-Signature", Value: sigValue}}, baseHeaders...)

	resolver := &fakeResolver{txt: map[string][]string{}}

	v, err := New(DefaultPolicy(), resolver, headers, false)
	if err != nil {
		t.Fatal(err)
	}
	v.UpdateBody([]byte("body\r\n"))
	if err := v.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := v.FrameResult(0)
	if got.Status != StatusPermError || got.Reason != "NO_KEY_FOR_SIGNATURE" {
		t.Errorf("got %v/%q, want permerror/NO_KEY_FOR_SIGNATURE", got.Status, got.Reason)
	}
}

func TestVerifier_RevokedKeyYieldsPermError(t *testing.T) {
	sk, _ := genKeyPair(t, 1024)
	baseHeaders := []digest.HeaderField{{Name: "From", Value: " alice@example.com"}}
	sigValue := signMessage(t, sk, "example.com", "sel1", baseHeaders, "body\r\n")
	headers := append([]digest.HeaderField{{Name: "DKIM-Signature", Value: sigValue}}, baseHeaders...)

	resolver := &fakeResolver{txt: map[string][]string{
		"sel1._domainkey.example.com": {"v=DKIM1; k=rsa; p="},
	}}

	v, err := New(DefaultPolicy(), resolver, headers, false)
	if err != nil {
		t.Fatal(err)
	}
	v.UpdateBody([]byte("body\r\n"))
	if err := v.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := v.FrameResult(0); got.Status != StatusPermError || got.Reason != "KEY_REVOKED" {
		t.Errorf("got %v/%q, want permerror/KEY_REVOKED", got.Status, got.Reason)
	}
}

func TestVerifier_NoSignatureHeaderReturnsSentinel(t *testing.T) {
	_, err := New(DefaultPolicy(), &fakeResolver{}, []digest.HeaderField{{Name: "From", Value: "a@b.com"}}, false)
	if err != ErrNoSignHeader {
		t.Errorf("got %v, want ErrNoSignHeader", err)
	}
}

func TestVerifier_MissingFromInHIsPermError(t *testing.T) {
	headers := []digest.HeaderField{
		{Name: "DKIM-Signature", Value: "v=1; a=rsa-sha256; c=simple/simple; d=example.com; s=sel1; h=subject; bh=AAAA; b=AAAA"},
		{Name: "Subject", Value: " hi"},
	}
	v, err := New(DefaultPolicy(), &fakeResolver{}, headers, false)
	if err != nil {
		t.Fatal(err)
	}
	got := v.FrameResult(0)
	if got.Status != StatusPermError {
		t.Errorf("got %v, want permerror for missing from in h=", got.Status)
	}
}

func TestCheckAuthorPolicy_DirectAlignmentPasses(t *testing.T) {
	sk, pub := genKeyPair(t, 1024)
	baseHeaders := []digest.HeaderField{{Name: "From", Value: " alice@example.com"}}
	sigValue := signMessage(t, sk, "example.com", "sel1", baseHeaders, "body\r\n")
	headers := append([]digest.HeaderField{{Name: "DKIM-Signature", Value: sigValue}}, baseHeaders...)

	resolver := &fakeResolver{
		txt: map[string][]string{"sel1._domainkey.example.com": {"v=DKIM1; k=rsa; p=" + pub}},
		mx:  map[string]bool{"example.com": true},
	}

	v, err := New(DefaultPolicy(), resolver, headers, false)
	if err != nil {
		t.Fatal(err)
	}
	v.UpdateBody([]byte("body\r\n"))
	if err := v.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}

	results := v.CheckAuthorPolicy(context.Background(), []string{"example.com"})
	if len(results) != 1 || results[0].ADSP != ADSPPass {
		t.Errorf("got %+v, want ADSPPass", results)
	}
}

func TestCheckAuthorPolicy_ADSPAllWhenNoAlignment(t *testing.T) {
	resolver := &fakeResolver{
		txt: map[string][]string{"_adsp._domainkey.example.com": {"dkim=all"}},
		mx:  map[string]bool{"example.com": true},
	}
	v, err := New(DefaultPolicy(), resolver, []digest.HeaderField{
		{Name: "DKIM-Signature", Value: "v=1; a=rsa-sha256; c=simple/simple; d=other.com; s=sel1; h=from; bh=AAAA; b=AAAA"},
		{Name: "From", Value: " alice@example.com"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	results := v.CheckAuthorPolicy(context.Background(), []string{"example.com"})
	if len(results) != 1 || results[0].ADSP != ADSPAll {
		t.Errorf("got %+v, want ADSPAll", results)
	}
}
