// Package ipblock implements the IP-exclusion tree named in spec §3/§4.I
// ("if the peer is in the exclusion-block tree, return ACCEPT") and the
// control-socket host-access list named in spec §4.K, grounded on
// original_source/yenma/ipaddrblocktree.c. Both are the same data
// structure: an immutable, sorted set of CIDR prefixes with a
// linear-scan containment test, built once per Context/listener and
// never mutated afterward.
package ipblock

import (
	"net"
	"sort"
)

// Set is an immutable sorted collection of CIDR prefixes.
type Set struct {
	nets []*net.IPNet
}

// Build parses each CIDR string in prefixes (bare IPs are treated as
// /32 or /128) and returns an immutable Set.
func Build(prefixes []string) (*Set, error) {
	nets := make([]*net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		_, ipnet, err := net.ParseCIDR(withMask(p))
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipnet)
	}
	sort.Slice(nets, func(i, j int) bool {
		return nets[i].String() < nets[j].String()
	})
	return &Set{nets: nets}, nil
}

func withMask(p string) string {
	if ip := net.ParseIP(p); ip != nil {
		if ip.To4() != nil {
			return p + "/32"
		}
		return p + "/128"
	}
	return p
}

// Contains reports whether ip falls within any configured prefix. This is
// a linear scan over a typically small exclusion list; the set is
// immutable so no locking is required (spec §5: "lock-free read").
func (s *Set) Contains(ip net.IP) bool {
	if s == nil {
		return false
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no members, for callers that want to
// skip the check entirely.
func (s *Set) Empty() bool {
	return s == nil || len(s.nets) == 0
}
