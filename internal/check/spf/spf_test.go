package spf

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	txt map[string][]string
}

func (f *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return nil, nil
}
func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return nil, nil
}
func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return nil, nil
}
func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f.txt[name], nil
}
func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return nil, nil
}

func TestEvalUnready(t *testing.T) {
	e := New(&fakeResolver{})
	if score := e.Eval(context.Background(), ScopeMailFrom); score != ScoreNone {
		t.Fatalf("expected ScoreNone before SetIP/SetHelo, got %v", score)
	}
}

func TestEvalPass(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org.": {"v=spf1 ip4:192.0.2.0/24 -all"},
	}}
	e := New(r)
	e.SetIP(net.ParseIP("192.0.2.25"))
	e.SetHelo("mail.example.org")
	e.SetSender("alice@example.org")

	score := e.Eval(context.Background(), ScopeMailFrom)
	if score != ScorePass {
		t.Fatalf("expected pass, got %v (%s)", score, e.Explanation())
	}
}

func TestEvalFail(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org.": {"v=spf1 ip4:192.0.2.0/24 -all"},
	}}
	e := New(r)
	e.SetIP(net.ParseIP("198.51.100.9"))
	e.SetHelo("mail.example.org")
	e.SetSender("alice@example.org")

	score := e.Eval(context.Background(), ScopeMailFrom)
	if score != ScoreFail {
		t.Fatalf("expected fail, got %v", score)
	}
}
