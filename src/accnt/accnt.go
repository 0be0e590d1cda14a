// Package accnt tracks per-process user/system CPU time, the same
// counters the teacher's Accnt_t keeps per Proc_t for a wait4-style
// rusage report.
//
// Adapted from the teacher: this kernel has no I/O-wait or sleep
// scheduling classes to subtract from system time (Io_time/Sleep_time in
// the original), and nothing in this module crosses a syscall-ABI
// boundary that needs a packed rusage byte buffer -- that encoding lives
// with whatever syscall dispatcher eventually consumes Usage, which is
// out of scope here (spec.md §1). So accounting is exposed as a typed
// Usage snapshot instead of a hand-packed []uint8.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// / Accnt_t accumulates user/system CPU time for one process. Userns and
// / Sysns are nanosecond counters updated from multiple threads
// / concurrently via atomic add; Add/Usage also take the mutex, so a merge
// / and a snapshot never interleave. Utadd/Systadd do not take it, so a
// / snapshot taken during concurrent updates may pair values read at
// / slightly different moments.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

// / Usage is a point-in-time (user, system) CPU time snapshot, the shape a
// / zx_object_get_info(ZX_INFO_TASK_RUNTIME)-style query or a wait4 rusage
// / report would build on.
type Usage struct {
	User time.Duration
	Sys  time.Duration
}

// / Utadd credits delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// / Systadd credits delta nanoseconds of system time. Called once per
// / syscall-trampoline round trip (package trampoline) with the elapsed
// / time spent on the kernel side of the world switch.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// / Finish credits the system time elapsed since startNs (a
// / time.Now().UnixNano() reading) and is a convenience wrapper around
// / Systadd for callers that only have a start timestamp.
func (a *Accnt_t) Finish(startNs int64) {
	a.Systadd(time.Now().UnixNano() - startNs)
}

// / Add merges n's counters into a, e.g. folding a dead thread's share of
// / accounting into the owning process's total.
func (a *Accnt_t) Add(n *Accnt_t) {
	addUser := atomic.LoadInt64(&n.Userns)
	addSys := atomic.LoadInt64(&n.Sysns)
	a.mu.Lock()
	atomic.AddInt64(&a.Userns, addUser)
	atomic.AddInt64(&a.Sysns, addSys)
	a.mu.Unlock()
}

// / Usage returns a consistent snapshot of accumulated user/system time.
func (a *Accnt_t) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{
		User: time.Duration(atomic.LoadInt64(&a.Userns)),
		Sys:  time.Duration(atomic.LoadInt64(&a.Sysns)),
	}
}
