package trampoline_test

import (
	"testing"

	"hal"
	"kobject"
	"simhal"
	"trampoline"
)

type fakeDispatcher struct {
	ret   int64
	panic bool
}

func (f *fakeDispatcher) Dispatch(ctx trampoline.Context) int64 {
	if f.panic {
		panic("dispatcher exploded")
	}
	return f.ret
}

func newThread(t *testing.T, sim *simhal.Sim) *kobject.Thread {
	t.Helper()
	proc, err := kobject.Root().CreateProcess("trampoline-test", kobject.FlavorZircon,
		hal.Config{UserMin: 0x1000, UserMax: 0x10000, MaxHandlesPerProcess: 8}, sim)
	if err != 0 {
		t.Fatalf("CreateProcess: %v", err)
	}
	th, err := proc.CreateThread("t")
	if err != 0 {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func TestEnterReturnsDispatchResult(t *testing.T) {
	sim, err := simhal.New(8)
	if err != nil {
		t.Fatalf("simhal.New: %v", err)
	}
	defer sim.Close()

	th := newThread(t, sim)
	tr := &trampoline.Trampoline{World: sim, Clock: sim, Disp: &fakeDispatcher{ret: 42}}

	if got := tr.Enter(th, 1, 0, 0, 0, 0, 0, 0); got != 42 {
		t.Fatalf("Enter = %d, want 42", got)
	}
}

func TestEnterChargesSystemTime(t *testing.T) {
	sim, err := simhal.New(8)
	if err != nil {
		t.Fatalf("simhal.New: %v", err)
	}
	defer sim.Close()

	th := newThread(t, sim)
	tr := &trampoline.Trampoline{World: sim, Clock: sim, Disp: &fakeDispatcher{ret: 0}}
	before := th.Process.Accnt.Sysns

	tr.Enter(th, 1, 0, 0, 0, 0, 0, 0)

	if th.Process.Accnt.Sysns < before {
		t.Fatalf("Sysns went backwards: %d -> %d", before, th.Process.Accnt.Sysns)
	}
}

// TestEnterRestoresWorldOnPanic is the scoped-acquisition contract spec.md
// §9 requires: SwitchToUser must run even if the injected dispatcher
// panics, so a later syscall on the same thread is not stuck believing the
// kernel is still mid-world-switch.
func TestEnterRestoresWorldOnPanic(t *testing.T) {
	sim, err := simhal.New(8)
	if err != nil {
		t.Fatalf("simhal.New: %v", err)
	}
	defer sim.Close()

	th := newThread(t, sim)
	tr := &trampoline.Trampoline{World: sim, Clock: sim, Disp: &fakeDispatcher{panic: true}}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the dispatcher panic to propagate out of Enter")
			}
		}()
		tr.Enter(th, 1, 0, 0, 0, 0, 0, 0)
	}()

	// If SwitchToUser did not run, this second Enter would panic with
	// "already in kernel" instead of completing normally.
	tr.Disp = &fakeDispatcher{ret: 7}
	if got := tr.Enter(th, 2, 0, 0, 0, 0, 0, 0); got != 7 {
		t.Fatalf("Enter after recovered panic = %d, want 7", got)
	}
}

func TestEnterSerializesPerThread(t *testing.T) {
	sim, err := simhal.New(8)
	if err != nil {
		t.Fatalf("simhal.New: %v", err)
	}
	defer sim.Close()

	th := newThread(t, sim)
	tr := &trampoline.Trampoline{World: sim, Clock: sim, Disp: &fakeDispatcher{ret: 1}}

	th.SyscallLock()
	done := make(chan struct{})
	go func() {
		tr.Enter(th, 1, 0, 0, 0, 0, 0, 0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Enter completed while the thread's syscall lock was already held")
	default:
	}
	th.SyscallUnlock()
	<-done
}
