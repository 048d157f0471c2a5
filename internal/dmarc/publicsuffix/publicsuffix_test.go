package publicsuffix

import (
	"strings"
	"testing"
)

const samplePSL = `
// normal rules
com
co.uk

// wildcard rule
*.ck

// exception to the wildcard
!www.ck
`

func buildSample(t *testing.T) *Index {
	t.Helper()
	idx, err := Build(strings.NewReader(samplePSL), nil)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestOrganizationalDomain_NormalRule(t *testing.T) {
	idx := buildSample(t)
	got := idx.OrganizationalDomain("mail.example.com")
	if got != "example.com" {
		t.Errorf("got %q, want example.com", got)
	}
}

func TestOrganizationalDomain_MultiLabelNormalRule(t *testing.T) {
	idx := buildSample(t)
	got := idx.OrganizationalDomain("www.example.co.uk")
	if got != "example.co.uk" {
		t.Errorf("got %q, want example.co.uk", got)
	}
}

func TestOrganizationalDomain_WildcardRule(t *testing.T) {
	idx := buildSample(t)
	// "*.ck" makes any "X.ck" a public suffix, so the registrable
	// (organizational) domain of foo.bar.ck is the full three labels.
	got := idx.OrganizationalDomain("foo.bar.ck")
	if got != "foo.bar.ck" {
		t.Errorf("got %q, want foo.bar.ck", got)
	}
}

func TestOrganizationalDomain_ExceptionRule(t *testing.T) {
	idx := buildSample(t)
	got := idx.OrganizationalDomain("www.ck")
	if got != "www.ck" {
		t.Errorf("got %q, want www.ck", got)
	}
}

func TestOrganizationalDomain_NoMatchFallsBackToLastTwoLabels(t *testing.T) {
	idx := buildSample(t)
	got := idx.OrganizationalDomain("sub.unknown-tld.example.nosuchtld")
	want := "example.nosuchtld"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestOrganizationalDomain_DuplicateRuleKeepsFirst(t *testing.T) {
	var dups []string
	idx, err := Build(strings.NewReader("com\ncom\n"), func(rule string) {
		dups = append(dups, rule)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(dups) != 1 {
		t.Fatalf("expected exactly one duplicate notice, got %d", len(dups))
	}
	if got := idx.OrganizationalDomain("example.com"); got != "example.com" {
		t.Errorf("got %q, want example.com", got)
	}
}

func TestOrganizationalDomain_TooShortDomainReturnsEmpty(t *testing.T) {
	idx := buildSample(t)
	if got := idx.OrganizationalDomain("com"); got != "" {
		t.Errorf("expected empty for bare TLD, got %q", got)
	}
}
