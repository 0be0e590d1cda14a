// Package koid implements the kernel-object base every concrete object in
// this kernel embeds: koid allocation, a name, a level-triggered signal
// bitset, and the waiter bookkeeping that lets zx_object_wait_one-style
// blocking calls observe a signal transition without busy-polling.
//
// Grounded on the teacher's own layering instinct -- every biscuit object
// (Proc_t, Thread_t) carries its identity and accounting fields inline
// rather than through a shared base type, because Go has no inheritance;
// KernelObject plays the role a Zircon C++ base class would, using
// embedding the way the teacher embeds sync.Mutex into Accnt_t.
package koid

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"

	"hashtable"
	"name"
)

// / Signals is a bitset of level-triggered condition flags. Bit layout is
// / private to this kernel; the names below are the ones spec.md's
// / object-wait descriptions use.
type Signals uint32

const (
	SignalReadable Signals = 1 << iota
	SignalWritable
	SignalPeerClosed
	SignalTerminated
	SignalSuspended
)

var next atomic.Uint64

// / Alloc returns a fresh koid. The sequence starts at 1; 0 is never
// / issued so it can serve as a "no object" sentinel in callers that store
// / koids in plain fields instead of pointers.
func Alloc() uint64 {
	return next.Add(1)
}

// / KernelObject is the base every Job/Process/Thread/Vmo/Vmar/Bti/Pmt
// / embeds. Zero value is not valid; call Init before use.
type KernelObject struct {
	koid uint64
	nm   name.Name

	sig atomic.Uint32

	mu      sync.Mutex
	waiters []chan struct{}
}

// / Init assigns a fresh koid and the given name. Called once by the
// / concrete object's constructor.
func (k *KernelObject) Init(nm string) {
	k.koid = Alloc()
	k.nm = name.Set(nm)
}

// / Koid returns this object's koid.
func (k *KernelObject) Koid() uint64 {
	return k.koid
}

// / Name returns this object's name.
func (k *KernelObject) Name() string {
	return k.nm.String()
}

// / SetName replaces this object's name.
func (k *KernelObject) SetName(nm string) {
	k.nm = name.Set(nm)
}

// / Signals returns the currently asserted signal bits.
func (k *KernelObject) Signals() Signals {
	return Signals(k.sig.Load())
}

// / SetSignals atomically ORs in set and ANDs out clear, in that order, and
// / wakes every waiter blocked in WaitOne -- level-triggered, so a waiter
// / that checks Signals() again after waking always sees a consistent
// / snapshot rather than racing the edge.
func (k *KernelObject) SetSignals(set, clear Signals) {
	for {
		old := k.sig.Load()
		nv := (old | uint32(set)) &^ uint32(clear)
		if k.sig.CompareAndSwap(old, nv) {
			break
		}
	}
	k.wake()
}

func (k *KernelObject) wake() {
	k.mu.Lock()
	ws := k.waiters
	k.waiters = nil
	k.mu.Unlock()
	for _, c := range ws {
		close(c)
	}
}

// / WaitOne blocks until any bit in mask is asserted, canceled is closed,
// / or the object is destroyed (Destroy asserts SignalTerminated, which
// / ends the wait whatever mask asks for).
// / It returns the signal snapshot observed at wake time.
func (k *KernelObject) WaitOne(mask Signals, canceled <-chan struct{}) Signals {
	mask |= SignalTerminated
	for {
		if cur := k.Signals(); cur&mask != 0 {
			return cur
		}
		c := make(chan struct{})
		k.mu.Lock()
		k.waiters = append(k.waiters, c)
		k.mu.Unlock()

		// Re-check after registering: SetSignals may have run and found
		// no waiters between our first load and the append above.
		if cur := k.Signals(); cur&mask != 0 {
			return cur
		}
		select {
		case <-c:
		case <-canceled:
			return k.Signals()
		}
	}
}

// / Destroy asserts SignalTerminated, releases every blocked waiter, and
// / removes the object from the debug registry Register added it to.
func (k *KernelObject) Destroy() {
	k.SetSignals(SignalTerminated, 0)
	Unregister(k.koid)
}

// registry backs WriteProfile: every live KernelObject is listed under its
// caller-supplied kind (e.g. "process", "vmo") so a debug harness can dump
// a population snapshot without the core ever importing an introspection
// tool of its own.
var registry = hashtable.MkHash[uint64, string](1024)

// / Register records k under kind in the debug registry. Concrete
// / constructors call this after Init; it is optional -- nothing in the
// / core depends on the registry being populated.
func Register(k *KernelObject, kind string) {
	registry.Set(k.koid, kind)
}

// / Unregister removes a koid from the debug registry. Called by Destroy;
// / safe to call on a koid that was never registered.
func Unregister(koid uint64) {
	if _, ok := registry.Get(koid); ok {
		registry.Del(koid)
	}
}

// / WriteProfile writes a pprof-format profile of every currently
// / registered kernel object, one sample per object tagged with its koid
// / and kind, and a single value counting occurrences. This mirrors the
// / teacher's use of github.com/google/pprof for ad hoc population
// / snapshots; it is strictly a debugging aid and never called by the core.
func WriteProfile(w io.Writer) error {
	vt := &profile.ValueType{Type: "objects", Unit: "count"}
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{vt},
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
	}
	kindFn := map[string]*profile.Function{}
	kindLoc := map[string]*profile.Location{}
	var fid, lid uint64

	getLoc := func(kind string) *profile.Location {
		if l, ok := kindLoc[kind]; ok {
			return l
		}
		fid++
		fn := &profile.Function{ID: fid, Name: kind}
		kindFn[kind] = fn
		p.Function = append(p.Function, fn)

		lid++
		loc := &profile.Location{
			ID:   lid,
			Line: []profile.Line{{Function: fn}},
		}
		kindLoc[kind] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	registry.Iter(func(koidv uint64, kind string) bool {
		loc := getLoc(kind)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label:    map[string][]string{"koid": {uitoa(koidv)}},
		})
		return false
	})
	return p.Write(w)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
