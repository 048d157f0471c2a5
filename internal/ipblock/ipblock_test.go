package ipblock

import (
	"net"
	"testing"
)

func TestSet_ContainsCIDRAndBareIP(t *testing.T) {
	s, err := Build([]string{"127.0.0.1", "10.0.0.0/8", "::1"})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"192.168.0.1", false},
		{"::1", true},
	}
	for _, c := range cases {
		got := s.Contains(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("Contains(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestSet_EmptyOnNilOrNoPrefixes(t *testing.T) {
	var nilSet *Set
	if !nilSet.Empty() {
		t.Error("nil set should be empty")
	}
	s, err := Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Empty() {
		t.Error("set built from no prefixes should be empty")
	}
	if s.Contains(net.ParseIP("1.2.3.4")) {
		t.Error("empty set should contain nothing")
	}
}

func TestBuild_RejectsMalformedPrefix(t *testing.T) {
	if _, err := Build([]string{"not-an-ip"}); err == nil {
		t.Error("expected error for malformed prefix")
	}
}
