// Package limits tracks system-wide resource ceilings: the counters a
// kernel decrements on every allocation-like operation and refuses once
// exhausted, rather than allowing unbounded growth to exhaust real memory.
//
// Grounded on the teacher's limits.Syslimit_t/Sysatomic_t, which applies
// the identical lock-free take/give pattern to its own filesystem and
// network ceilings (Vnodes, Futexes, Arpents...). Those concerns are out of
// scope here (spec Non-goals); the pattern is kept and re-pointed at the
// ceilings this kernel actually has: jobs, processes, threads, handles, and
// committed VMO pages.
package limits

import (
	"sync/atomic"
)

// / Sysatomic_t is a numeric limit that can be atomically taken and given
// / back. A negative post-take value means the limit was exceeded; Taken
// / then rolls the attempt back, so a failed take leaves the counter at its
// / prior value (a concurrent Remaining may briefly observe the negative
// / value before the rollback).
type Sysatomic_t int64

// / Taken tries to decrement the limit by n, returning true on success. On
// / failure the counter is restored to its prior value.
func (s *Sysatomic_t) Taken(n uint) bool {
	d := int64(n)
	g := atomic.AddInt64((*int64)(s), -d)
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), d)
	return false
}

// / Take decrements the limit by one.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// / Given increases the limit by n, undoing a prior Taken.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64((*int64)(s), int64(n))
}

// / Give increases the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

// / Remaining reports the current value without mutating it.
func (s *Sysatomic_t) Remaining() int64 {
	return atomic.LoadInt64((*int64)(s))
}

// / Syslimit_t holds the system-wide ceilings this kernel enforces. Each
// / field is consumed from its initial value down to zero as objects are
// / created; object destruction gives the quantum back.
type Syslimit_t struct {
	// Jobs bounds the total live job count (spec §3 job tree).
	Jobs Sysatomic_t
	// Processes bounds the total live process count across all jobs.
	Processes Sysatomic_t
	// Threads bounds the total live thread count across all processes.
	Threads Sysatomic_t
	// Handles bounds the sum of every process's handle-table occupancy.
	Handles Sysatomic_t
	// CommittedPages bounds the total number of physical frames all VMOs in
	// the system may have committed at once.
	CommittedPages Sysatomic_t
	// Btis bounds the number of live bus-transaction-initiator objects.
	Btis Sysatomic_t
}

// / Syslimit holds the default system-wide limits, installed at package
// / init and replaceable by an embedder before any kernel object is created.
var Syslimit = MkSysLimit()

// / MkSysLimit returns a fresh set of default limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Jobs:           1024,
		Processes:      1 << 16,
		Threads:        1 << 18,
		Handles:        1 << 20,
		CommittedPages: 1 << 22, // 16GB worth of 4K frames
		Btis:           256,
	}
}
