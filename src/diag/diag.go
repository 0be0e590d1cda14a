// Package diag captures call-stack information for INTERNAL errors without
// ever writing to stdout/stderr itself -- the kernel core does not log (see
// spec §1); it only captures data an embedder can choose to print.
//
// Grounded on the teacher's caller.Callerdump and caller.Distinct_caller_t:
// CaptureStack is the moral equivalent of Callerdump, returning a string
// instead of calling fmt.Printf directly so INTERNAL-error diagnostics stay
// silent until an embedder chooses to surface them. DistinctCaller keeps
// the teacher's once-per-call-chain suppression idea but is restructured
// around a hash/maphash digest of the call chain and a mutex-guarded set of
// seen digests, rather than the teacher's hand-rolled LCG mix over a
// mutex-guarded map -- the two packages serve the same purpose without
// sharing an implementation.
package diag

import (
	"fmt"
	"hash/maphash"
	"runtime"
	"strings"
	"sync"
)

// / CaptureStack returns a formatted call stack starting at the given skip
// / depth, the moral equivalent of the teacher's Callerdump but returned
// / rather than printed so INTERNAL-error diagnostics stay silent until an
// / embedder chooses to surface them.
func CaptureStack(skip int) string {
	var b strings.Builder
	for i := skip; ; i++ {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\t<-")
		}
		fmt.Fprintf(&b, "%s:%d\n", f, l)
	}
	return b.String()
}

// / DistinctCaller tracks whether a call chain has already been reported,
// / so a broken invariant hit millions of times (e.g. a racing page fault)
// / produces one diagnostic instead of flooding whatever sink the embedder
// / wired up.
type DistinctCaller struct {
	Enabled bool
	// Whitelist of fully-qualified function names whose call chains should
	// never be reported (e.g. known-benign retry loops).
	Whitelist map[string]bool

	once sync.Once
	seed maphash.Seed
	mu   sync.Mutex
	seen map[uint64]struct{}
}

// / Len returns the number of unique caller paths recorded.
func (dc *DistinctCaller) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}

// / Distinct reports whether the current call chain is new. It returns true
// / along with a formatted stack trace the first time a chain is observed;
// / subsequent calls from the same chain return false.
func (dc *DistinctCaller) Distinct() (bool, string) {
	if !dc.Enabled {
		return false, ""
	}
	dc.once.Do(func() { dc.seed = maphash.MakeSeed() })

	pcs := make([]uintptr, 32)
	for {
		n := runtime.Callers(3, pcs)
		if n == 0 {
			return false, ""
		}
		if n < len(pcs) {
			pcs = pcs[:n]
			break
		}
		pcs = make([]uintptr, len(pcs)*2)
	}

	var h maphash.Hash
	h.SetSeed(dc.seed)
	var trace strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if dc.Whitelist[fr.Function] {
			return false, ""
		}
		h.WriteString(fr.Function)
		if trace.Len() > 0 {
			trace.WriteString("\t")
		}
		fmt.Fprintf(&trace, "%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	digest := h.Sum64()

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.seen == nil {
		dc.seen = make(map[uint64]struct{})
	}
	if _, dup := dc.seen[digest]; dup {
		return false, ""
	}
	dc.seen[digest] = struct{}{}
	return true, trace.String()
}
