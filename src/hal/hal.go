// Package hal defines the platform hardware-abstraction-layer contract the
// kernel core consumes. It is deliberately interfaces-only: the core never
// assumes a particular CPU architecture, hypervisor, or bare-metal driver
// sits underneath it. A concrete implementation (e.g. package simhal) is
// supplied by whoever embeds this module.
//
// Grounded on the teacher's mem.Page_i interface (the one place biscuit
// itself draws a line between "the physical allocator" and "everyone who
// consumes it"); generalized here to the full HAL surface the spec
// describes: physical-memory copy, page-table install/remove, world
// switch, monotonic time, and frame allocation.
package hal

import (
	"errs"
	"time"
)

// / Pa_t is a physical address, opaque to everything above the HAL.
type Pa_t uintptr

// / PageSize is the platform's MMU page size. The core assumes a single,
// / fixed page size; huge/super pages are a HAL-internal optimization, not
// / a concept the core's VMO/VMAR model needs to know about.
const PageSize = 4096

// / MMUFlags describes the permission bits a PageTable installs, derived by
// / the caller from either ELF segment flags or VMAR permission ceilings.
// / No implicit READ is ever added by the core -- see vmar.Perms.
type MMUFlags uint

const (
	FlagRead MMUFlags = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
)

// / PmemReadWriter performs synchronous copies between kernel-supplied
// / buffers and physical memory. Calls must be atomic from the caller's
// / point of view (spec §4.A).
type PmemReadWriter interface {
	PmemRead(pa Pa_t, buf []byte) errs.Err_t
	PmemWrite(pa Pa_t, buf []byte) errs.Err_t
}

// / PageTable installs or removes contiguous page-table mappings. Each call
// / must be atomic per the core's point of view: no partial set of pages
// / observable by a concurrent fault handler.
type PageTable interface {
	MapCont(vaddr uintptr, paddrs []Pa_t, flags MMUFlags) errs.Err_t
	UnmapCont(vaddr uintptr, npages int) errs.Err_t
}

// / WorldSwitcher brackets a syscall trampoline round trip. Implementations
// / must make the transition available as a scoped acquisition: every
// / ToKernel must be mirrored by exactly one ToUser, including on panic
// / unwind (see trampoline.Enter).
type WorldSwitcher interface {
	SwitchToKernel()
	SwitchToUser()
}

// / Timer reports monotonic time since the platform booted.
type Timer interface {
	Now() time.Duration
}

// / FrameAllocator backs paged VMOs with physical frames. AllocFrames may
// / return fewer than n frames along with a NO_MEMORY error; it never
// / blocks -- callers that need to wait consult package oom instead.
type FrameAllocator interface {
	AllocFrames(n int) ([]Pa_t, errs.Err_t)
	FreeFrames(paddrs []Pa_t)
}

// / Platform aggregates the full HAL surface the core needs. Most
// / components only depend on the narrower interfaces above; Platform
// / exists so an embedder can hand a single value to the bits of the core
// / (the loader, the trampoline) that need several facets at once.
type Platform interface {
	PmemReadWriter
	PageTable
	WorldSwitcher
	Timer
	FrameAllocator
}

// / Config carries boot-time parameters the core needs but has no business
// / parsing from a file itself (file I/O and CLI parsing are out of scope,
// / spec §1). An embedder builds one however it likes and passes it in.
type Config struct {
	// UserMin is the lowest virtual address a process's root VMAR may use.
	UserMin uintptr
	// UserMax is one past the highest virtual address a process's root
	// VMAR may use.
	UserMax uintptr
	// MaxHandlesPerProcess bounds a single process's handle table.
	MaxHandlesPerProcess int
}
