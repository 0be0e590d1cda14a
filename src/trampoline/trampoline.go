// Package trampoline implements the syscall trampoline contract: the
// narrow boundary that flips the HAL's world switch, builds a dispatch
// context bound to the calling thread, forwards to an injected
// dispatcher, and flips back -- exactly spec.md §4.H, with the dispatcher
// body itself explicitly out of this module's scope.
//
// Grounded on the design note in spec.md §9 ("syscall world switch must be
// represented as a scoped acquisition so that every exit path, including
// panics/aborts in the dispatcher, restores user state") and on the
// teacher's Accnt_t.Systadd call convention, which Enter uses to charge the
// time spent in the dispatcher to the owning process's system-time counter.
package trampoline

import (
	"hal"
	"kobject"
)

// / Context is what a Dispatcher sees: the calling thread and the raw
// / syscall arguments, per spec.md §6's ABI, (num, a0..a5) -> signed word.
type Context struct {
	Thread *kobject.Thread
	Num    uint32
	Args   [6]uintptr
}

// / Dispatcher is the syscall dispatcher body, injected by the embedder
// / and never implemented by this module (spec.md §1 Non-goals). It
// / returns the syscall ABI's signed result word directly.
type Dispatcher interface {
	Dispatch(ctx Context) int64
}

// / Trampoline brackets every syscall entry with the platform's world
// / switch.
type Trampoline struct {
	World hal.WorldSwitcher
	Clock hal.Timer
	Disp  Dispatcher
}

// / Enter is the trampoline's single entry point. It serializes against
// / any other outstanding syscall on the same thread, performs the
// / kernel/user world switch as a scoped acquisition (SwitchToUser always
// / runs, even if Dispatch panics), and charges the elapsed time to the
// / thread's process accounting.
func (tr *Trampoline) Enter(th *kobject.Thread, num uint32, a0, a1, a2, a3, a4, a5 uintptr) int64 {
	th.SyscallLock()
	defer th.SyscallUnlock()

	start := tr.Clock.Now()
	tr.World.SwitchToKernel()
	defer func() {
		tr.World.SwitchToUser()
		elapsed := tr.Clock.Now() - start
		if th.Process != nil && th.Process.Accnt != nil {
			th.Process.Accnt.Systadd(elapsed.Nanoseconds())
		}
	}()

	ctx := Context{Thread: th, Num: num, Args: [6]uintptr{a0, a1, a2, a3, a4, a5}}
	return tr.Disp.Dispatch(ctx)
}
