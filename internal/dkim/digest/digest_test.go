package digest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/mailauth/miltersentry/internal/dkim/canon"
)

func signAndVerifyRSA(t *testing.T, body string, headers []HeaderField, sig SignatureHeader) (Result, error) {
	t.Helper()
	sk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	signer := New(SHA256, RSA, canon.Relaxed, canon.Relaxed, -1)
	if err := signer.UpdateBody([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := signer.FinalizeBody(); err != nil {
		t.Fatal(err)
	}
	bh, signature, err := signer.SignRSA(headers, sig, sk)
	if err != nil {
		t.Fatal(err)
	}

	verifier := New(SHA256, RSA, canon.Relaxed, canon.Relaxed, -1)
	if err := verifier.UpdateBody([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := verifier.FinalizeBody(); err != nil {
		t.Fatal(err)
	}
	return verifier.VerifyRSA(headers, sig, bh, signature, &sk.PublicKey)
}

func TestDigester_SignVerifyRSAInverse(t *testing.T) {
	headers := []HeaderField{{Name: "From", Value: " alice@example.com"}}
	sig := SignatureHeader{Name: "DKIM-Signature", Value: " v=1; b=; d=example.com", BTagStart: -1, BTagEnd: -1}

	result, err := signAndVerifyRSA(t, "hello world\r\n", headers, sig)
	if err != nil {
		t.Fatal(err)
	}
	if result != DigestMatch {
		t.Fatalf("expected DigestMatch, got %v", result)
	}
}

func TestDigester_BodyTamperYieldsMismatch(t *testing.T) {
	headers := []HeaderField{{Name: "From", Value: " alice@example.com"}}
	sig := SignatureHeader{Name: "DKIM-Signature", Value: " v=1; b=; d=example.com", BTagStart: -1, BTagEnd: -1}

	sk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	signer := New(SHA256, RSA, canon.Relaxed, canon.Relaxed, -1)
	_ = signer.UpdateBody([]byte("hello world\r\n"))
	_ = signer.FinalizeBody()
	bh, signature, err := signer.SignRSA(headers, sig, sk)
	if err != nil {
		t.Fatal(err)
	}

	verifier := New(SHA256, RSA, canon.Relaxed, canon.Relaxed, -1)
	_ = verifier.UpdateBody([]byte("goodbye world\r\n"))
	_ = verifier.FinalizeBody()
	result, err := verifier.VerifyRSA(headers, sig, bh, signature, &sk.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if result != BodyHashMismatch {
		t.Fatalf("expected BodyHashMismatch, got %v", result)
	}
}

func TestDigester_HeaderTamperYieldsSignatureMismatch(t *testing.T) {
	sig := SignatureHeader{Name: "DKIM-Signature", Value: " v=1; b=; d=example.com", BTagStart: -1, BTagEnd: -1}

	sk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	signHeaders := []HeaderField{{Name: "From", Value: " alice@example.com"}}
	signer := New(SHA256, RSA, canon.Relaxed, canon.Relaxed, -1)
	_ = signer.UpdateBody([]byte("body\r\n"))
	_ = signer.FinalizeBody()
	bh, signature, err := signer.SignRSA(signHeaders, sig, sk)
	if err != nil {
		t.Fatal(err)
	}

	tamperedHeaders := []HeaderField{{Name: "From", Value: " mallory@evil.example"}}
	verifier := New(SHA256, RSA, canon.Relaxed, canon.Relaxed, -1)
	_ = verifier.UpdateBody([]byte("body\r\n"))
	_ = verifier.FinalizeBody()
	result, err := verifier.VerifyRSA(tamperedHeaders, sig, bh, signature, &sk.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if result != SignatureMismatch {
		t.Fatalf("expected SignatureMismatch, got %v", result)
	}
}

func TestDigester_Ed25519SignVerifyInverse(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	headers := []HeaderField{{Name: "From", Value: " alice@example.com"}}
	sig := SignatureHeader{Name: "DKIM-Signature", Value: " v=1; b=; d=example.com", BTagStart: -1, BTagEnd: -1}

	signer := New(SHA256, Ed25519, canon.Relaxed, canon.Relaxed, -1)
	_ = signer.UpdateBody([]byte("body\r\n"))
	_ = signer.FinalizeBody()
	bh, signature := signer.SignEd25519(headers, sig, priv)

	verifier := New(SHA256, Ed25519, canon.Relaxed, canon.Relaxed, -1)
	_ = verifier.UpdateBody([]byte("body\r\n"))
	_ = verifier.FinalizeBody()
	result := verifier.VerifyEd25519(headers, sig, bh, signature, pub)
	if result != DigestMatch {
		t.Fatalf("expected DigestMatch, got %v", result)
	}
}

func TestDigester_BodyLengthLimitTruncates(t *testing.T) {
	// Per spec §9's resolved open question: canonicalize first, then
	// truncate to exactly the limit; an appended trailing CRLF that
	// would exceed the limit is dropped rather than hashed.
	d := New(SHA256, RSA, canon.Simple, canon.Simple, 5)
	if err := d.UpdateBody([]byte("abcdefghij")); err != nil {
		t.Fatal(err)
	}
	if err := d.FinalizeBody(); err != nil {
		t.Fatal(err)
	}

	h := sha256.Sum256([]byte("abcde"))
	if string(d.BodyHash()) != string(h[:]) {
		t.Fatalf("truncated hash does not match hash of first 5 canonicalized bytes")
	}
}

func TestDigester_PublicKeyTypeMismatch(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	d := New(SHA256, RSA, canon.Simple, canon.Simple, -1)
	_ = d.FinalizeBody()
	sig := SignatureHeader{Name: "DKIM-Signature", Value: "v=1", BTagStart: -1, BTagEnd: -1}
	result, err := d.Verify(nil, sig, d.BodyHash(), nil, pub)
	if err != nil {
		t.Fatal(err)
	}
	if result != PublicKeyTypeMismatch {
		t.Fatalf("expected PublicKeyTypeMismatch, got %v", result)
	}
}
