// Package errors implements the error taxonomy shared by every metadata-plane
// component: a wrap-with-context, builder-style pattern (a base error
// carrying a cause, a code, and a lazily-allocated detail bag) collapsing
// the per-domain error types into a single Kind taxonomy, since the
// propagation policy (retry budgets for Again, resend-on-RingChange,
// poison-on-Io) dispatches on Kind rather than on which subsystem raised
// the error.
package errors

// Kind categorizes a failure so callers can branch on it without parsing
// messages. This is the authoritative taxonomy: Arg, NoEntry, Exists, Again,
// RingChange, Recover, Io, Corrupt, NoMem, Hwait.
type Kind string

const (
	// KindArg marks a malformed request or a missing required field.
	KindArg Kind = "ARG"

	// KindNoEntry marks a lookup that found no match: CBHT miss with no
	// create flag, bitmap bit unset, mdisk range miss.
	KindNoEntry Kind = "NO_ENTRY"

	// KindExists marks an idempotent re-creation: mkfs of an existing
	// filesystem, a duplicate ITB insert folded to success.
	KindExists Kind = "EXISTS"

	// KindAgain marks transient lock contention. Callers retry locally up
	// to a bounded budget before surfacing it.
	KindAgain Kind = "AGAIN"

	// KindRingChange marks a directory that moved to a different owner
	// since the request was issued.
	KindRingChange Kind = "RING_CHANGE"

	// KindRecover marks an unclean prior shutdown detected by R2; the
	// caller must run recovery before proceeding.
	KindRecover Kind = "RECOVER"

	// KindIO marks a storage or network I/O failure.
	KindIO Kind = "IO"

	// KindCorrupt marks an on-disk structure that failed a header or
	// length check.
	KindCorrupt Kind = "CORRUPT"

	// KindNoMem marks an allocation failure. Surfaces immediately, never
	// retried.
	KindNoMem Kind = "NO_MEM"

	// KindHwait marks a destination not yet ready; the caller may sleep
	// and retry with backoff.
	KindHwait Kind = "HWAIT"

	// KindInternal marks a bug or invariant violation that doesn't fit any
	// of the above.
	KindInternal Kind = "INTERNAL"
)

// Retryable reports whether the propagation policy in §7 allows a bounded
// local retry for this kind, as opposed to surfacing immediately.
func (k Kind) Retryable() bool {
	switch k {
	case KindAgain, KindHwait:
		return true
	default:
		return false
	}
}
