// Package resolverpool implements a bounded pool of DNS resolver handles
// (spec Component A), each able to have its timeout and retry count
// overridden independently of the others.
package resolverpool

import (
	"context"
	"net"
	"time"

	fwdns "github.com/mailauth/miltersentry/framework/dns"
	"github.com/miekg/dns"
)

// Resolver extends framework/dns.Resolver with the knobs the pool needs to
// apply per spec §9's dynamic-dispatch note: "the resolver is an interface
// with a fixed method set ... SetTimeout, SetRetryCount, ErrorSymbol, Free".
type Resolver interface {
	fwdns.Resolver

	SetTimeout(d time.Duration)
	SetRetryCount(n int)

	// ErrorSymbol maps a lookup error to a short, stable string suitable
	// for log fields and statistics ("servfail", "nxdomain", "timeout", ...).
	ErrorSymbol(err error) string

	// Free releases any resources the resolver holds (e.g. an open UDP
	// socket). It is safe to call more than once.
	Free()
}

// Initializer constructs a fresh Resolver. The pool calls it whenever no
// pooled handle is available.
type Initializer func() (Resolver, error)

// stdResolver adapts net.Resolver (and optionally a miekg/dns.Client for
// resolvers that need full control over EDNS0/retry behavior) to Resolver.
type stdResolver struct {
	net.Resolver
	client     *dns.Client
	servers    []string
	timeout    time.Duration
	retryCount int
}

// NewDefault builds the default blocking resolver used when no other
// Initializer is configured. It sends TXT lookups to servers via
// github.com/miekg/dns so timeout and retry count can be tuned per spec's
// "timeout & retry defaults"; with no servers given, and for every other
// lookup type (MX included), it uses net.Resolver.
func NewDefault(servers []string) Initializer {
	return func() (Resolver, error) {
		return &stdResolver{
			client:     new(dns.Client),
			servers:    servers,
			timeout:    5 * time.Second,
			retryCount: 2,
		}, nil
	}
}

func (r *stdResolver) SetTimeout(d time.Duration) {
	r.timeout = d
	r.client.Timeout = d
}

func (r *stdResolver) SetRetryCount(n int) { r.retryCount = n }

func (r *stdResolver) ErrorSymbol(err error) string {
	if err == nil {
		return ""
	}
	if dnsErr, ok := err.(*net.DNSError); ok {
		switch {
		case dnsErr.IsNotFound:
			return "nxdomain"
		case dnsErr.IsTimeout:
			return "timeout"
		case dnsErr.Temporary():
			return "servfail"
		}
	}
	return "error"
}

func (r *stdResolver) Free() {}

func (r *stdResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return r.lookupWithRetry(ctx, name, dns.TypeTXT)
}

func (r *stdResolver) lookupWithRetry(ctx context.Context, name string, qtype uint16) ([]string, error) {
	if len(r.servers) == 0 {
		return r.Resolver.LookupTXT(ctx, name)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	var lastErr error
	for attempt := 0; attempt <= r.retryCount; attempt++ {
		for _, server := range r.servers {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			resp, _, err := r.client.ExchangeContext(cctx, m, server)
			cancel()
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode == dns.RcodeNameError {
				return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
			}
			if resp.Rcode == dns.RcodeServerFailure {
				lastErr = &net.DNSError{Err: "server failure", Name: name, IsTemporary: true}
				continue
			}
			out := make([]string, 0, len(resp.Answer))
			for _, rr := range resp.Answer {
				if txt, ok := rr.(*dns.TXT); ok {
					out = append(out, joinTXT(txt.Txt))
				}
			}
			return out, nil
		}
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no servers configured", Name: name}
	}
	return nil, lastErr
}

func joinTXT(chunks []string) string {
	if len(chunks) == 1 {
		return chunks[0]
	}
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out
}
