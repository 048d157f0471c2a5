package config

import (
	"strings"
	"testing"
	"time"

	"github.com/mailauth/miltersentry/internal/ctxmgr"
)

func TestRead_SkipsBlankLinesAndComments(t *testing.T) {
	f, err := Read(strings.NewReader(`
# a comment

AuthResult.ServId: mx.example.net
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.str(KeyAuthservID, ""); got != "mx.example.net" {
		t.Fatalf("got %q", got)
	}
}

func TestRead_MissingSeparatorFails(t *testing.T) {
	_, err := Read(strings.NewReader("not a valid line"))
	if err == nil {
		t.Fatal("expected an error for a line with no ':' separator")
	}
}

func TestToSnapshot_Defaults(t *testing.T) {
	f, err := Read(strings.NewReader("AuthResult.ServId: mx.example.net\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, err := f.ToSnapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap.AuthservID != "mx.example.net" {
		t.Errorf("authserv-id: got %q", snap.AuthservID)
	}
	if !snap.SPFEnabled || !snap.DKIMEnabled || !snap.DMARCEnabled {
		t.Error("expected SPF/DKIM/DMARC to default to enabled")
	}
	if snap.DMARCRejectAction != ctxmgr.RejectActionReject {
		t.Error("expected the default reject action to be REJECT")
	}
	if snap.ResolverPoolSize != 256 {
		t.Errorf("resolver pool size: got %d", snap.ResolverPoolSize)
	}
}

func TestToSnapshot_TimeSuffixes(t *testing.T) {
	f, err := Read(strings.NewReader("Dkim.MaxClockSkew: 2d\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, err := f.ToSnapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.DKIMPolicy.ClockSkew != 48*time.Hour {
		t.Errorf("got %s, want 48h", snap.DKIMPolicy.ClockSkew)
	}
}

func TestToSnapshot_ExclusionBlocksSplit(t *testing.T) {
	f, err := Read(strings.NewReader("Service.ExclusionBlocks: 127.0.0.1, 10.0.0.0/8\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, err := f.ToSnapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.ExclusionPrefixes) != 2 {
		t.Fatalf("got %d prefixes, want 2: %v", len(snap.ExclusionPrefixes), snap.ExclusionPrefixes)
	}
}

func TestToSnapshot_InvalidBooleanFails(t *testing.T) {
	f, err := Read(strings.NewReader("SPF.Verify: maybe\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.ToSnapshot(); err == nil {
		t.Fatal("expected an error for an invalid boolean value")
	}
}

func TestControlAccess_Split(t *testing.T) {
	f, err := Read(strings.NewReader("Service.ControlAccess: 127.0.0.1, ::1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.ControlAccess(); len(got) != 2 {
		t.Fatalf("got %v, want 2 entries", got)
	}
}

func TestMilterSocket_Default(t *testing.T) {
	f, err := Read(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.MilterSocket(); got != "unix:///var/run/miltersentryd.sock" {
		t.Errorf("got %q", got)
	}
}
