// Package ctxmgr implements the Context Manager (spec Component J): a
// reference-counted, immutable "active configuration" that every session
// borrows for its lifetime and that RELOAD atomically swaps out from
// under them. Grounded on original_source/yenma/yenmacontext.c, whose
// YenmaContext struct and buildPolicies function this package's Context
// and Build mirror field-for-field.
package ctxmgr

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mailauth/miltersentry/internal/dkim/verify"
	"github.com/mailauth/miltersentry/internal/dmarc/publicsuffix"
	"github.com/mailauth/miltersentry/internal/ipblock"
	"github.com/mailauth/miltersentry/internal/resolverpool"
	"github.com/mailauth/miltersentry/internal/stats"
)

// RejectAction selects what a DMARC "reject" enforcement policy does at
// the SMTP level (spec §3 "DMARC settings ... reject-action enum, reject
// reply-code strings").
type RejectAction int

const (
	RejectActionNone RejectAction = iota
	RejectActionReject
	RejectActionTempfail
)

// PolicySnapshot is the input to Build: the result of reading
// configuration (spec §6 "Configuration"), independent of how that
// configuration was loaded. Every Reload call constructs a fresh
// PolicySnapshot and calls Build with it.
type PolicySnapshot struct {
	AuthservID string
	ConfigFile string

	ResolverPoolSize   int
	ResolverInit       resolverpool.Initializer
	ResolverTimeout    time.Duration
	ResolverRetryCount int

	SPFEnabled      bool
	SenderIDEnabled bool

	DKIMEnabled bool
	DKIMPolicy  verify.Policy

	DMARCEnabled              bool
	DMARCRejectAction         RejectAction
	DMARCRejectReplyCode      string
	DMARCRejectEnhancedStatus string
	DMARCRejectMessage        string

	PublicSuffixPath  string
	ExclusionPrefixes []string

	// Stats is supplied once by the caller at the very first Build (it
	// wraps a Prometheus registerer that must only be registered against
	// once); every later Build transplants the previous Context's Stats
	// instead of this field, per spec §4.J's unreloadable-fields rule.
	Stats *stats.Counters
}

// Context is the authentication context described in spec §3: immutable
// after Build returns, reference-counted, shared by every in-flight
// session that observed it as "current" at connect time.
type Context struct {
	refcount int64

	AuthservID string

	SPFEnabled      bool
	SenderIDEnabled bool
	DKIMEnabled     bool
	DKIMPolicy      verify.Policy

	DMARCEnabled              bool
	DMARCRejectAction         RejectAction
	DMARCRejectReplyCode      string
	DMARCRejectEnhancedStatus string
	DMARCRejectMessage        string

	Suffix    *publicsuffix.Index
	Resolvers *resolverpool.Pool
	Exclusion *ipblock.Set
	Stats     *stats.Counters

	// ConfigFile is unreloadable: transplanted from the previous Context
	// by Build rather than re-read from the snapshot that triggered a
	// reload (it names the file RELOAD itself re-reads from).
	ConfigFile string
}

// Build constructs a new Context from snap. prev is the Context being
// replaced (nil for the very first Build at startup); when non-nil, its
// unreloadable fields (statistics counters, config-file path) are
// transplanted into the result regardless of what snap carries, so that
// RELOAD never resets live counters (spec §4.J step 5's "transplanted
// into new before step 3 so old does not free them").
//
// Mirrors yenmacontext.c's YenmaContext_buildPolicies: DMARC verification
// implies SPF and DKIM must also run (a DMARC alignment check needs both
// results); ADSP implies DKIM; the Public Suffix List is mandatory when
// DMARC is enabled; and the configured reject action must agree with the
// reply-code's leading digit (5xx for REJECT, 4xx for TEMPFAIL).
func Build(snap PolicySnapshot, prev *Context) (*Context, error) {
	if snap.DMARCEnabled {
		snap.SPFEnabled = true
		snap.DKIMEnabled = true
	}
	if snap.DKIMPolicy.EnableADSP {
		snap.DKIMEnabled = true
	}

	if snap.DMARCEnabled && snap.PublicSuffixPath == "" {
		return nil, fmt.Errorf("ctxmgr: public suffix list path is required when DMARC is enabled")
	}

	var suffix *publicsuffix.Index
	if snap.PublicSuffixPath != "" {
		f, err := os.Open(snap.PublicSuffixPath)
		if err != nil {
			return nil, fmt.Errorf("ctxmgr: open public suffix list: %w", err)
		}
		suffix, err = publicsuffix.Build(f, nil)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("ctxmgr: parse public suffix list: %w", err)
		}
	}

	switch snap.DMARCRejectAction {
	case RejectActionReject:
		if !strings.HasPrefix(snap.DMARCRejectReplyCode, "5") {
			return nil, fmt.Errorf("ctxmgr: dmarc reject action requires a 5xx reply code, got %q", snap.DMARCRejectReplyCode)
		}
	case RejectActionTempfail:
		if !strings.HasPrefix(snap.DMARCRejectReplyCode, "4") {
			return nil, fmt.Errorf("ctxmgr: dmarc tempfail action requires a 4xx reply code, got %q", snap.DMARCRejectReplyCode)
		}
	}

	excl, err := ipblock.Build(snap.ExclusionPrefixes)
	if err != nil {
		return nil, fmt.Errorf("ctxmgr: exclusion list: %w", err)
	}

	init := snap.ResolverInit
	if init == nil {
		init = resolverpool.NewDefault(nil)
	}
	pool := resolverpool.New(snap.ResolverPoolSize, init,
		resolverpool.WithTimeout(snap.ResolverTimeout),
		resolverpool.WithRetryCount(snap.ResolverRetryCount))

	ctx := &Context{
		refcount: 1,

		AuthservID: snap.AuthservID,

		SPFEnabled:      snap.SPFEnabled,
		SenderIDEnabled: snap.SenderIDEnabled,
		DKIMEnabled:     snap.DKIMEnabled,
		DKIMPolicy:      snap.DKIMPolicy,

		DMARCEnabled:              snap.DMARCEnabled,
		DMARCRejectAction:         snap.DMARCRejectAction,
		DMARCRejectReplyCode:      snap.DMARCRejectReplyCode,
		DMARCRejectEnhancedStatus: snap.DMARCRejectEnhancedStatus,
		DMARCRejectMessage:        snap.DMARCRejectMessage,

		Suffix:    suffix,
		Resolvers: pool,
		Exclusion: excl,

		ConfigFile: snap.ConfigFile,
	}

	if prev != nil {
		ctx.Stats = prev.Stats
		ctx.ConfigFile = prev.ConfigFile
	} else {
		ctx.Stats = snap.Stats
	}
	if ctx.Stats == nil {
		ctx.Stats = stats.New(nil)
	}

	return ctx, nil
}

// Ref increments the context's reference count and returns it, for
// chaining at the call site (spec §4.J: "Ref increments").
func (c *Context) Ref() *Context {
	atomic.AddInt64(&c.refcount, 1)
	return c
}

// Unref decrements the reference count and destroys the context's owned
// resources once it reaches zero (spec §4.J: "Unref decrements and, on
// reaching zero, destroys"). Destruction only closes the resolver pool;
// Stats, Suffix and Exclusion are either transplanted forward by a later
// Build or were never anything but passive immutable data.
func (c *Context) Unref() {
	if atomic.AddInt64(&c.refcount, -1) == 0 {
		c.Resolvers.Close()
	}
}
