/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package spf adapts blitiri.com.ar/go/spf to the evaluator shape the
// core assumes for both SPF and Sender ID (spec §1: "The spec assumes an
// SPF engine exposing SetIP, SetSender, SetHelo, Eval(scope) -> score,
// Explanation()"). Sender ID (RFC 4406) walks the same mechanism
// language against the Purported Responsible Address instead of MAIL
// FROM; since no Sender-ID-specific library appears anywhere in the
// retrieval pack, the "pra" scope reuses the same SPF engine against the
// PRA mailbox, which is the pragmatic approximation spec §1 invites by
// naming this collaborator only by interface.
package spf

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"
	fwdns "github.com/mailauth/miltersentry/framework/dns"
)

// Scope selects which identity the evaluator checks, per spec §4.I's
// "SPF readiness rule" / "Sender-ID ... requires that the Purported
// Responsible Address can be extracted".
type Scope string

const (
	ScopeMailFrom Scope = "mfrom"
	ScopeHelo     Scope = "helo"
	ScopePRA      Scope = "pra"
)

// Score mirrors RFC 7208 §2.6's named results. ScoreNone is also what
// Eval returns when the IP or HELO has not been set.
type Score int

const (
	ScoreNone Score = iota
	ScoreNeutral
	ScorePass
	ScoreFail
	ScoreSoftFail
	ScoreTempError
	ScorePermError
)

func (s Score) String() string {
	switch s {
	case ScoreNeutral:
		return "neutral"
	case ScorePass:
		return "pass"
	case ScoreFail:
		return "fail"
	case ScoreSoftFail:
		return "softfail"
	case ScoreTempError:
		return "temperror"
	case ScorePermError:
		return "permerror"
	default:
		return "none"
	}
}

func fromLibResult(r spf.Result) Score {
	switch r {
	case spf.Pass:
		return ScorePass
	case spf.Fail:
		return ScoreFail
	case spf.SoftFail:
		return ScoreSoftFail
	case spf.Neutral:
		return ScoreNeutral
	case spf.TempError:
		return ScoreTempError
	case spf.PermError:
		return ScorePermError
	default:
		return ScoreNone
	}
}

// Resolver is the DNS surface the evaluator needs; Component A's pool
// handles satisfy it directly (they embed framework/dns.Resolver).
type Resolver interface {
	fwdns.Resolver
}

// Evaluator is a per-session SPF/Sender-ID engine handle (spec §3
// "Session ... SPF/Sender-ID evaluator handles"). It is not safe for
// concurrent use by more than one scope evaluation at a time; Session
// keeps one Evaluator per scope it needs.
type Evaluator struct {
	resolver Resolver

	ip     net.IP
	sender string
	helo   string

	lastErr error
}

// New returns an Evaluator bound to resolver. Neither SetIP, SetSender,
// nor SetHelo has been called yet; Eval on an incomplete Evaluator
// returns ScoreNone (spec §4.I's readiness rule is enforced by the
// caller before invoking Eval, but Eval fails safe regardless).
func New(resolver Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

func (e *Evaluator) SetIP(ip net.IP)         { e.ip = ip }
func (e *Evaluator) SetSender(mailbox string) { e.sender = mailbox }
func (e *Evaluator) SetHelo(helo string)      { e.helo = helo }

// Eval runs the check for scope and returns its score. scope selects the
// identity checked: ScopeMailFrom/ScopeHelo check the configured sender
// or HELO string as MAIL FROM; ScopePRA checks the caller-supplied PRA
// mailbox (Session is expected to have called SetSender with the PRA
// mailbox before evaluating ScopePRA).
func (e *Evaluator) Eval(ctx context.Context, scope Scope) Score {
	if e.ip == nil || e.helo == "" {
		e.lastErr = nil
		return ScoreNone
	}

	sender := e.sender
	if scope == ScopeHelo || sender == "" {
		sender = "postmaster@" + fwdns.FQDN(e.helo)
	}

	res, err := spf.CheckHostWithSender(e.ip, fwdns.FQDN(e.helo), sender,
		spf.WithContext(ctx), spf.WithResolver(e.resolver))
	e.lastErr = err
	return fromLibResult(res)
}

// Explanation returns the most recent Eval call's error detail, if any
// (RFC 7208's exp= modifier is a sender-controlled string the evaluator
// has no particular reason to surface beyond the library error, since
// the core logs/records the score, not a human-facing explanation).
func (e *Evaluator) Explanation() string {
	if e.lastErr == nil {
		return ""
	}
	return e.lastErr.Error()
}
