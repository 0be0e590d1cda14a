// Package errs defines the error taxonomy shared by every kernel package.
//
// Every fallible operation in this module returns an Err_t by value instead
// of the standard error interface: the hot path (handle lookups, page
// faults, VMAR mutation) runs far more often than it fails, and a sentinel
// integer avoids an allocation on every call. Conversion to the syscall
// ABI's signed word happens exactly once, in the dispatcher that builds the
// word the trampoline returns.
package errs

// Err_t is a signed error code. Zero means success; a non-zero value names
// one of the kinds below. Negating the constant yields the syscall ABI's
// "negative return = error" convention directly.
type Err_t int

// / Error kinds. Names match the abstract taxonomy in the specification;
// / values are private to this kernel (they are not wire-compatible with
// / any particular ABI's errno numbering).
const (
	EBADHANDLE    Err_t = iota + 1 /// BAD_HANDLE: handle value not present in the table
	EWRONGTYPE                     /// WRONG_TYPE: handle refers to the wrong object class
	EACCESSDENIED                  /// ACCESS_DENIED: handle rights insufficient
	EINVAL                         /// INVALID_ARGS: bad range, alignment, or option combination
	EBADSTATE                      /// BAD_STATE: object lifecycle does not permit this operation
	ENOMEM                         /// NO_MEMORY: resource exhaustion, not retried internally
	ENOTSUPPORTED                  /// NOT_SUPPORTED: operation undefined for this object variant
	EUNAVAILABLE                   /// UNAVAILABLE: transient resource unavailable (distinct from NO_MEMORY)
	ETIMEDOUT                      /// TIMED_OUT: deadline passed before a wait completed
	ECANCELED                      /// CANCELED: wait aborted because the thread is dying
	EINTERNAL                      /// INTERNAL: a broken invariant; load/operation refused, no panic
	EFAULT                         /// additional: user address not mapped / not accessible
	ENOHEAP                        /// additional: bounded-copy budget exhausted (see package budget)
	ENAMETOOLONG                   /// additional: a string exceeded its declared maximum length
)

var names = map[Err_t]string{
	EBADHANDLE:    "BAD_HANDLE",
	EWRONGTYPE:    "WRONG_TYPE",
	EACCESSDENIED: "ACCESS_DENIED",
	EINVAL:        "INVALID_ARGS",
	EBADSTATE:     "BAD_STATE",
	ENOMEM:        "NO_MEMORY",
	ENOTSUPPORTED: "NOT_SUPPORTED",
	EUNAVAILABLE:  "UNAVAILABLE",
	ETIMEDOUT:     "TIMED_OUT",
	ECANCELED:     "CANCELED",
	EINTERNAL:     "INTERNAL",
	EFAULT:        "FAULT",
	ENOHEAP:       "NO_HEAP",
	ENAMETOOLONG:  "NAME_TOO_LONG",
}

// / String renders the error kind for diagnostics. It never allocates in the
// / success case.
func (e Err_t) String() string {
	if e == 0 {
		return "OK"
	}
	k := e
	if k < 0 {
		k = -k
	}
	if s, ok := names[k]; ok {
		return s
	}
	return "UNKNOWN_ERR"
}

// / Error implements the standard error interface so Err_t can be wrapped at
// / package boundaries that must interoperate with idiomatic Go (tests,
// / embedders). The kernel core itself never relies on this.
func (e Err_t) Error() string {
	return e.String()
}

// / Neg returns the syscall-ABI encoding of e: zero stays zero, any failure
// / kind becomes its negative. Call this exactly once, where the syscall
// / dispatcher builds its result word.
func (e Err_t) Neg() int64 {
	if e == 0 {
		return 0
	}
	v := int64(e)
	if v > 0 {
		v = -v
	}
	return v
}
