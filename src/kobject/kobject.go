// Package kobject implements the task hierarchy: Job, Process, and
// Thread, their lifecycle state machines, and the job tree that spec.md
// §3 requires ("a single root Job exists per kernel instance; all
// processes are descendants").
//
// Grounded on the teacher's accnt.Accnt_t (embedded per Process exactly as
// the teacher embeds it per Proc_t) and tinfo.Tnote_t's state/killed
// fields, generalized into an explicit lifecycle enum. tinfo.Current's
// goroutine-local lookup via the patched runtime (runtime.Gptr/Setgptr)
// has no equivalent in a standard Go toolchain; every operation that
// needs "the calling thread" takes a *Thread parameter explicitly instead
// (see package trampoline).
package kobject

import (
	"sync"

	"accnt"
	"errs"
	"hal"
	"koid"
	"handle"
	"limits"
	"rights"
	"vmar"
)

// / Flavor distinguishes which syscall ABI flavor a process was created
// / under -- spec.md §6: "a flavor bit is encoded in the process creation
// / variant (create_linux vs default)".
type Flavor int

const (
	FlavorZircon Flavor = iota
	FlavorLinux
)

// / ThreadState is a Thread's lifecycle position, spec.md §3.
type ThreadState int

const (
	Initial ThreadState = iota
	Running
	Suspended
	Dying
	Dead
)

func (s ThreadState) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Running:
		return "RUNNING"
	case Suspended:
		return "SUSPENDED"
	case Dying:
		return "DYING"
	case Dead:
		return "DEAD"
	}
	return "UNKNOWN"
}

// / Job is a node in the task tree. Every Process is created under some
// / Job; jobs may nest.
type Job struct {
	koid.KernelObject

	mu        sync.Mutex
	parent    *Job
	children  []*Job
	processes []*Process
}

var (
	rootOnce sync.Once
	root     *Job
)

// / Root returns the kernel instance's singleton root job, creating it on
// / first call.
func Root() *Job {
	rootOnce.Do(func() {
		root = &Job{}
		root.Init("root-job")
		koid.Register(&root.KernelObject, "job")
	})
	return root
}

// / CreateChildJob creates a child job under j. Fails NO_MEMORY once the
// / system-wide job ceiling (limits.Syslimit.Jobs) is exhausted.
func (j *Job) CreateChildJob(name string) (*Job, errs.Err_t) {
	if !limits.Syslimit.Jobs.Take() {
		return nil, errs.ENOMEM
	}
	child := &Job{parent: j}
	child.Init(name)
	koid.Register(&child.KernelObject, "job")

	j.mu.Lock()
	j.children = append(j.children, child)
	j.mu.Unlock()
	return child, 0
}

// / CreateProcess creates a Process under j with an empty handle table
// / and an empty root VMAR spanning the HAL-supplied user address range.
// / Fails NO_MEMORY once the system-wide process ceiling
// / (limits.Syslimit.Processes) is exhausted; the quantum is given back by
// / Exit.
func (j *Job) CreateProcess(name string, flavor Flavor, cfg hal.Config, pt hal.Platform) (*Process, errs.Err_t) {
	if cfg.UserMax <= cfg.UserMin {
		return nil, errs.EINVAL
	}
	if !limits.Syslimit.Processes.Take() {
		return nil, errs.ENOMEM
	}
	p := &Process{
		Job:     j,
		Flavor:  flavor,
		Handles: handle.NewTable(cfg.MaxHandlesPerProcess),
		Accnt:   &accnt.Accnt_t{},
	}
	p.RootVmar = vmar.NewRoot(pt, cfg.UserMin, cfg.UserMax-cfg.UserMin, toMMUFromRights(rights.DefaultVmar))
	p.Init(name)
	koid.Register(&p.KernelObject, "process")

	j.mu.Lock()
	j.processes = append(j.processes, p)
	j.mu.Unlock()
	return p, 0
}

// toMMUFromRights is a small adapter: rights.Rights (handle-table capability bits)
// and hal.MMUFlags (page-table permission bits) intentionally share no
// representation -- a handle right like DUPLICATE has no MMU meaning --
// so a root VMAR's permission ceiling is derived, not cast, from the
// subset of rights that do correspond to memory access.
func toMMUFromRights(r rights.Rights) hal.MMUFlags {
	var f hal.MMUFlags
	if r.Has(rights.Read) {
		f |= hal.FlagRead
	}
	if r.Has(rights.Write) {
		f |= hal.FlagWrite
	}
	if r.Has(rights.Execute) {
		f |= hal.FlagExec
	}
	return f
}

// / Process owns a handle table, a root VMAR, and a set of threads.
type Process struct {
	koid.KernelObject

	Job      *Job
	Flavor   Flavor
	Handles  *handle.Table
	RootVmar *vmar.Vmar
	Accnt    *accnt.Accnt_t

	mu      sync.Mutex
	threads []*Thread
	exited  bool
	retcode int
}

// / CreateThread creates a Thread under p in state Initial. Fails
// / NO_MEMORY once the system-wide thread ceiling (limits.Syslimit.Threads)
// / is exhausted; the quantum is given back once the thread reaches Dead.
func (p *Process) CreateThread(name string) (*Thread, errs.Err_t) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil, errs.EBADSTATE
	}
	p.mu.Unlock()

	if !limits.Syslimit.Threads.Take() {
		return nil, errs.ENOMEM
	}

	t := &Thread{Process: p, state: Initial}
	t.Init(name)
	koid.Register(&t.KernelObject, "thread")

	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
	return t, 0
}

// / Exit raises PROCESS_TERMINATED once every thread has reached Dead, and
// / rejects any further Thread.Start on this process.
func (p *Process) Exit(retcode int) {
	p.mu.Lock()
	p.exited = true
	p.retcode = retcode
	threads := append([]*Thread(nil), p.threads...)
	p.mu.Unlock()

	for _, t := range threads {
		t.kill()
	}

	for _, t := range threads {
		if t.State() != Dead {
			return
		}
	}
	limits.Syslimit.Processes.Give()
	p.SetSignals(koid.SignalTerminated, 0)
}

// / Retcode returns the value passed to Exit, valid only once the
// / PROCESS_TERMINATED signal is observed.
func (p *Process) Retcode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retcode
}

// / Usage reports the process's accumulated user/system CPU time, the
// / data a zx_object_get_info(ZX_INFO_TASK_RUNTIME)-style query or a
// / wait4-style rusage report builds on.
func (p *Process) Usage() accnt.Usage {
	return p.Accnt.Usage()
}

// / Thread owns architectural entry state: PC, SP, TLS, and the first two
// / argument registers a freshly started thread receives.
type Thread struct {
	koid.KernelObject

	Process *Process

	mu    sync.Mutex
	state ThreadState

	entry, sp, tls, arg0, arg1 uintptr

	// sysMu serializes trampoline.Enter per thread: spec.md §4.H requires
	// "one outstanding syscall" per thread even though Enter itself is
	// re-entrant across different threads.
	sysMu sync.Mutex
}

// / SyscallLock acquires this thread's syscall-trampoline serialization
// / lock. Called by package trampoline; not meant for general use.
func (t *Thread) SyscallLock() {
	t.sysMu.Lock()
}

// / SyscallUnlock releases the lock SyscallLock acquired.
func (t *Thread) SyscallUnlock() {
	t.sysMu.Unlock()
}

// / State returns the thread's current lifecycle state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// / Start installs register state and transitions Initial -> Running. It
// / fails BAD_STATE if the thread has already left Initial.
func (t *Thread) Start(entry, sp, arg0, arg1 uintptr) errs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Initial {
		return errs.EBADSTATE
	}
	t.entry, t.sp, t.arg0, t.arg1 = entry, sp, arg0, arg1
	t.state = Running
	return 0
}

// / Entry reports the register state Start installed, for the syscall
// / trampoline / dispatcher's first context switch into user code.
func (t *Thread) Entry() (entry, sp, arg0, arg1 uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry, t.sp, t.arg0, t.arg1
}

// / Suspend transitions Running -> Suspended under explicit request.
func (t *Thread) Suspend() errs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Running {
		return errs.EBADSTATE
	}
	t.state = Suspended
	t.SetSignals(koid.SignalSuspended, 0)
	return 0
}

// / Resume transitions Suspended -> Running.
func (t *Thread) Resume() errs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Suspended {
		return errs.EBADSTATE
	}
	t.state = Running
	t.SetSignals(0, koid.SignalSuspended)
	return 0
}

// kill drives a thread through Dying -> Dead, waking anything blocked on
// its signals with CANCELED semantics (spec.md §5: "a thread marked Dying
// cancels all outstanding waits").
func (t *Thread) kill() {
	t.mu.Lock()
	if t.state == Dead {
		t.mu.Unlock()
		return
	}
	t.state = Dying
	t.mu.Unlock()

	t.mu.Lock()
	t.state = Dead
	t.mu.Unlock()
	limits.Syslimit.Threads.Give()
	t.SetSignals(koid.SignalTerminated, 0)
}
