package ctxmgr

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/mailauth/miltersentry/internal/resolverpool"
)

type fakeResolver struct{ freed bool }

func (f *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) { return nil, nil }
func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) { return nil, nil }
func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error)  { return nil, nil }
func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error)  { return nil, nil }
func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return nil, nil
}
func (f *fakeResolver) SetTimeout(d time.Duration)   {}
func (f *fakeResolver) SetRetryCount(n int)          {}
func (f *fakeResolver) ErrorSymbol(err error) string { return "" }
func (f *fakeResolver) Free()                        { f.freed = true }

func testSnapshot() PolicySnapshot {
	return PolicySnapshot{
		AuthservID:       "mx.example.net",
		ResolverPoolSize: 2,
		ResolverInit: func() (resolverpool.Resolver, error) {
			return &fakeResolver{}, nil
		},
	}
}

func TestBuild_DMARCRequiresPublicSuffixList(t *testing.T) {
	snap := testSnapshot()
	snap.DMARCEnabled = true

	if _, err := Build(snap, nil); err == nil {
		t.Fatal("expected an error when DMARC is enabled without a public suffix list")
	}
}

func TestBuild_DMARCAutoEnablesSPFAndDKIM(t *testing.T) {
	snap := testSnapshot()
	snap.DMARCEnabled = true
	snap.PublicSuffixPath = writeTempPSL(t)

	ctx, err := Build(snap, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ctx.SPFEnabled || !ctx.DKIMEnabled {
		t.Fatal("expected DMARC to auto-enable SPF and DKIM")
	}
}

func TestBuild_RejectActionRequiresMatchingReplyCode(t *testing.T) {
	snap := testSnapshot()
	snap.DMARCRejectAction = RejectActionReject
	snap.DMARCRejectReplyCode = "450"

	if _, err := Build(snap, nil); err == nil {
		t.Fatal("expected reject action with a 4xx reply code to fail")
	}

	snap.DMARCRejectReplyCode = "550"
	if _, err := Build(snap, nil); err != nil {
		t.Fatalf("unexpected error with matching 5xx reply code: %v", err)
	}
}

func TestBuild_TransplantsUnreloadableFields(t *testing.T) {
	snap := testSnapshot()
	snap.ConfigFile = "/etc/miltersentryd.conf"

	first, err := Build(snap, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.Stats.Increment("spf", "pass")

	snap2 := testSnapshot()
	// A reload's snapshot need not repeat the config file path; Build
	// should carry it and the live stats counters forward from prev.
	second, err := Build(snap2, first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ConfigFile != "/etc/miltersentryd.conf" {
		t.Fatalf("expected transplanted config file path, got %q", second.ConfigFile)
	}
	if second.Stats != first.Stats {
		t.Fatal("expected stats counters to be transplanted, not rebuilt")
	}
}

func TestRefUnref_DestroysAtZero(t *testing.T) {
	snap := testSnapshot()
	ctx, err := Build(snap, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx.Ref()
	ctx.Unref()
	if ctx.refcount != 1 {
		t.Fatalf("expected refcount 1 after matched ref/unref, got %d", ctx.refcount)
	}
	ctx.Unref()
	if ctx.refcount != 0 {
		t.Fatalf("expected refcount 0, got %d", ctx.refcount)
	}
}

func writeTempPSL(t *testing.T) string {
	t.Helper()
	f := t.TempDir() + "/public_suffix_list.dat"
	if err := os.WriteFile(f, []byte("com\n"), 0o644); err != nil {
		t.Fatalf("writing temp PSL: %v", err)
	}
	return f
}
