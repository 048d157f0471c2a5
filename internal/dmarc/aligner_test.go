package dmarc

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/mailauth/miltersentry/internal/dkim/verify"
	"github.com/mailauth/miltersentry/internal/dmarc/publicsuffix"
)

type fakeResolver struct {
	txt map[string][]string
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if recs, ok := f.txt[name]; ok {
		return recs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) ErrorSymbol(err error) string {
	if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
		return "nxdomain"
	}
	return "servfail"
}

func buildSuffix(t *testing.T) *publicsuffix.Index {
	t.Helper()
	idx, err := publicsuffix.Build(bufio.NewReader(strings.NewReader("com\n")), nil)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestAlignerNoRecord(t *testing.T) {
	a := New(buildSuffix(t), &fakeResolver{txt: map[string][]string{}})
	score := a.Check(context.Background(), "example.com", nil, SPFResult{})
	if score != ScoreNone {
		t.Fatalf("expected ScoreNone, got %v", score)
	}
	if p := a.ReceiverPolicy(true); p != PolicyNone {
		t.Fatalf("expected PolicyNone with no record, got %v", p)
	}
}

func TestAlignerStrictDKIMMismatchRelaxedPass(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"_dmarc.mail.example.com": {"v=DMARC1; p=reject; adkim=s"},
	}}
	a := New(buildSuffix(t), r)
	dkimResults := []verify.FrameResult{{SDID: "example.com", Status: verify.StatusPass}}
	score := a.Check(context.Background(), "mail.example.com", dkimResults, SPFResult{})
	if score != ScoreFail {
		t.Fatalf("strict adkim should not align mail.example.com with example.com: got %v", score)
	}

	r2 := &fakeResolver{txt: map[string][]string{
		"_dmarc.mail.example.com": {"v=DMARC1; p=reject; adkim=r"},
	}}
	a2 := New(buildSuffix(t), r2)
	score2 := a2.Check(context.Background(), "mail.example.com", dkimResults, SPFResult{})
	if score2 != ScorePass {
		t.Fatalf("relaxed adkim should align via organizational domain: got %v", score2)
	}
}

func TestAlignerOrgDomainFallback(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject; sp=quarantine"},
	}}
	a := New(buildSuffix(t), r)
	score := a.Check(context.Background(), "mail.example.com", nil, SPFResult{})
	if score != ScoreFail {
		t.Fatalf("expected fail (no aligned identifiers), got %v", score)
	}
	if p := a.ReceiverPolicy(false); p != PolicyQuarantine {
		t.Fatalf("expected sp= to apply via org-domain fallback, got %v", p)
	}
}

func TestAlignerSPFAlignment(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	a := New(buildSuffix(t), r)
	score := a.Check(context.Background(), "example.com", nil, SPFResult{Domain: "example.com", Pass: true})
	if score != ScorePass {
		t.Fatalf("expected pass via SPF alignment, got %v", score)
	}
	if p := a.ReceiverPolicy(false); p != PolicyNone {
		t.Fatalf("pass should never enforce a policy, got %v", p)
	}
}

func TestAlignerSamplingDowngradesOneStep(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject; pct=0"},
	}}
	a := New(buildSuffix(t), r)
	score := a.Check(context.Background(), "example.com", nil, SPFResult{})
	if score != ScoreFail {
		t.Fatalf("expected fail, got %v", score)
	}
	if p := a.ReceiverPolicy(true); p != PolicyQuarantine {
		t.Fatalf("pct=0 should always downgrade reject by one step, got %v", p)
	}
}

func TestAlignerNXDomainYieldsNone(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{}}
	a := New(buildSuffix(t), r)
	// A name with no TXT entry in this fake yields an IsNotFound error,
	// which its ErrorSymbol maps to "nxdomain"; SERVFAIL needs a resolver
	// that actually signals it (see TestAlignerServfail).
	score := a.Check(context.Background(), "nowhere.invalid", nil, SPFResult{})
	if score != ScoreNone {
		t.Fatalf("expected ScoreNone for a clean NXDOMAIN, got %v", score)
	}
}

type servfailResolver struct{}

func (servfailResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return nil, &net.DNSError{Err: "server misbehaving", Name: name, IsTemporary: true}
}

func (servfailResolver) ErrorSymbol(err error) string { return "servfail" }

func TestAlignerServfail(t *testing.T) {
	a := New(buildSuffix(t), servfailResolver{})
	score := a.Check(context.Background(), "example.com", nil, SPFResult{})
	if score != ScoreTempError {
		t.Fatalf("expected ScoreTempError on SERVFAIL, got %v", score)
	}
}
