// Package verify implements the DKIM Verifier (spec Component E): it owns
// the per-message set of signature frames, drives each through sanity
// checks, key fetch, digest and signature verification, and performs the
// ADSP/ATPS author-policy lookups. Grounded on
// original_source/libsauth/dkim/dkimverifier.c and dkimadsp.c/dkimatps.c.
package verify

import "time"

// Policy is the subset of the authentication context (spec §3 "J") that
// governs DKIM verification.
type Policy struct {
	// SignHeaderLimit caps the number of DKIM-Signature headers examined;
	// further signatures are ignored (spec §4.E).
	SignHeaderLimit int

	// MinRSABits rejects RSA keys shorter than this, per spec §4.E step 2.
	MinRSABits int

	// ClockSkew tolerates this much drift when checking t=/x= timestamps.
	ClockSkew time.Duration

	// AcceptExpired disables the x= expiration check.
	AcceptExpired bool
	// AcceptFutureTimestamp disables the t=-in-the-future check.
	AcceptFutureTimestamp bool

	// RFC4871Compat carries the configuration's RFC 4871 compatibility
	// switch (spec §3 "J": "RFC4871-compat flag"). The verifier does not
	// read it, so setting it does not change how signatures are checked.
	RFC4871Compat bool

	// ATPSHashAlgorithm selects the hash used for
	// base32(hash(sdid))._atps.<author-domain> lookups. RFC 6541 mandates
	// SHA-1; any other value is used as set, and nothing logs or warns
	// about it.
	ATPSHashAlgorithm ATPSHash

	// EnableADSP/EnableATPS gate the optional author-policy lookups.
	EnableADSP bool
	EnableATPS bool
}

// ATPSHash names the hash algorithm used to derive an ATPS query name.
type ATPSHash int

const (
	ATPSHashSHA1 ATPSHash = iota
	ATPSHashSHA256
)

// DefaultPolicy returns reasonable defaults matching yenma's shipped
// configuration.
func DefaultPolicy() Policy {
	return Policy{
		SignHeaderLimit:   5,
		MinRSABits:        1024,
		ClockSkew:         5 * time.Minute,
		ATPSHashAlgorithm: ATPSHashSHA1,
		EnableADSP:        true,
		EnableATPS:        true,
	}
}
