package session

import (
	"context"
	"net"
	"net/textproto"

	"github.com/emersion/go-milter"

	"github.com/mailauth/miltersentry/framework/log"
	"github.com/mailauth/miltersentry/internal/connctr"
	"github.com/mailauth/miltersentry/internal/ctxmgr"
)

// MilterAdapter implements github.com/emersion/go-milter's Milter
// interface over a Session, translating its callback shape — Connect,
// Helo, MailFrom, RcptTo, Header, Headers, BodyChunk, Body — onto spec
// §4.I's state names: CONN, HELO, ENVFROM, HEADER, EOH, BODY, EOM. The
// library calls Headers once after the last Header and before any
// BodyChunk, which is exactly EOH; it calls Body once after the last
// BodyChunk, which is exactly EOM.
type MilterAdapter struct {
	s *Session
}

// NewFactory returns a milter.Server.NewMilter constructor: one fresh
// Session per connection, all sharing mgr and counter across the
// process's lifetime. keepLeadingSpace is negotiated once for the whole
// server (spec §4.I NEG), matching how the library's header-whitespace
// behavior is fixed at Server.Actions rather than renegotiated per
// connection.
func NewFactory(mgr *ctxmgr.Manager, counter *connctr.Counter, logger log.Logger, keepLeadingSpace bool) func() milter.Milter {
	return func() milter.Milter {
		counter.Acquire()
		s := New(mgr, counter, logger)
		s.Negotiate(keepLeadingSpace)
		return &MilterAdapter{s: s}
	}
}

func verdictResponse(v Verdict) milter.Response {
	switch v {
	case VerdictAccept:
		return milter.RespAccept
	case VerdictReject:
		return milter.RespReject
	case VerdictTempfail:
		return milter.RespTempFail
	case VerdictDiscard:
		return milter.RespDiscard
	default:
		return milter.RespContinue
	}
}

func (a *MilterAdapter) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	return verdictResponse(a.s.Connect(addr, host)), nil
}

func (a *MilterAdapter) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	a.s.Helo(name)
	return milter.RespContinue, nil
}

func (a *MilterAdapter) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	a.s.EnvFrom(from)
	return milter.RespContinue, nil
}

func (a *MilterAdapter) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (a *MilterAdapter) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	a.s.Header(name, value)
	return milter.RespContinue, nil
}

func (a *MilterAdapter) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	if err := a.s.EOH(); err != nil {
		return milter.RespTempFail, nil
	}
	return milter.RespContinue, nil
}

func (a *MilterAdapter) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	if err := a.s.BodyChunk(chunk); err != nil {
		return milter.RespTempFail, nil
	}
	return milter.RespContinue, nil
}

func (a *MilterAdapter) Body(m *milter.Modifier) (milter.Response, error) {
	result, err := a.s.EOM(context.Background())
	if err != nil {
		return milter.RespTempFail, nil
	}

	// idx is 0-based among same-name occurrences (Session.Header counts
	// Authentication-Results headers from 0), matching how go-milter's own
	// Authentication-Results-removal examples enumerate h["Authentication-
	// Results"] with "for i, field := range fields" and pass i straight to
	// ChangeHeader — the library re-indexes per-name internally rather
	// than taking the raw 1-based milter-wire hdridx. High indices first,
	// per spec §4.I, so an earlier deletion never shifts the occurrence
	// index a later one was computed against.
	for _, idx := range result.RemoveIndices {
		if err := m.ChangeHeader(idx, "Authentication-Results", ""); err != nil {
			return nil, err
		}
	}
	if err := m.InsertHeader(0, "Authentication-Results", result.HeaderValue); err != nil {
		return nil, err
	}

	return verdictResponse(result.Verdict), nil
}

// Close releases the Session's borrowed context and resolver. The
// confirmed subset of the Milter interface has no dedicated "connection
// closed" callback; Close is implemented defensively as the common
// optional-interface pattern (checked with a type assertion by the
// server after the wire connection ends) so cleanup still runs if the
// library supports it.
func (a *MilterAdapter) Close() error {
	a.s.Close()
	return nil
}
