package authres

import "testing"

func TestBuilder_NoClausesRendersNone(t *testing.T) {
	b := NewBuilder("mx.example.net")
	if got, want := b.String(), "mx.example.net; none"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuilder_SingleClause(t *testing.T) {
	b := NewBuilder("mx.example.net")
	b.Add(Clause{
		Method: "spf", Result: "pass",
		Properties: []Property{{PType: "smtp", Property: "mailfrom", Value: "alice@example.org"}},
	})
	got := b.String()
	want := "mx.example.net; spf=pass smtp.mailfrom=alice@example.org"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuilder_FoldsLongLines(t *testing.T) {
	b := NewBuilder("mx.example.net")
	for i := 0; i < 5; i++ {
		b.Add(Clause{
			Method: "dkim", Result: "pass",
			Properties: []Property{{PType: "header", Property: "i", Value: "@really-long-subdomain.example.com"}},
		})
	}
	got := b.String()
	if len(got) == 0 {
		t.Fatal("empty output")
	}
	foundFold := false
	for i := 0; i+2 < len(got); i++ {
		if got[i] == '\r' && got[i+1] == '\n' && got[i+2] == '\t' {
			foundFold = true
			break
		}
	}
	if !foundFold {
		t.Error("expected at least one fold point in a long Authentication-Results value")
	}
}

func TestCompareAuthservId_ExactMatch(t *testing.T) {
	if !CompareAuthservId("mx.example.net; spf=pass", "mx.example.net") {
		t.Error("expected match")
	}
}

func TestCompareAuthservId_CaseInsensitive(t *testing.T) {
	if !CompareAuthservId("MX.Example.NET; spf=pass", "mx.example.net") {
		t.Error("expected case-insensitive match")
	}
}

func TestCompareAuthservId_VersionSuffixIgnored(t *testing.T) {
	if !CompareAuthservId("mx.example.net 1; spf=pass", "mx.example.net") {
		t.Error("expected match ignoring the version integer")
	}
}

func TestCompareAuthservId_Mismatch(t *testing.T) {
	if CompareAuthservId("mx.evil.example; spf=pass", "mx.example.net") {
		t.Error("expected no match")
	}
}
