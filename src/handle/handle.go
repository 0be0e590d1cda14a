// Package handle implements the per-process handle table: the mapping
// from an opaque 32-bit handle value to a strong reference on some kernel
// object plus the rights that value carries.
//
// Grounded on the teacher's fd.Fd_t/Cwd_t (a per-process table of opaque
// references guarded by a mutex) generalized from file descriptors --
// small sequential integers -- to handle values, which spec.md requires be
// "non-colliding but otherwise unpredictable to user space". Values here
// are drawn from crypto/rand and retried on collision rather than handed
// out in sequence.
package handle

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"errs"
	"limits"
	"rights"
)

// / Object is satisfied by every concrete kernel object a handle can name.
// / Handle itself is generic over nothing more specific than this so the
// / table can hold processes, threads, VMOs, VMARs, jobs, BTIs, and PMTs
// / side by side; callers recover the concrete type via GetAs.
type Object interface {
	Koid() uint64
}

// / Handle is a strong reference to a kernel object plus the rights this
// / particular reference carries. Two handles may name the same object
// / with different rights (e.g. after Duplicate with a narrower mask).
type Handle struct {
	Obj    Object
	Rights rights.Rights
}

// / Table is a per-process handle table. Zero value is ready to use.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*Handle
	limit   int
}

// / NewTable returns an empty table that refuses to grow past limit
// / entries (0 means unlimited).
func NewTable(limit int) *Table {
	return &Table{entries: make(map[uint32]*Handle), limit: limit}
}

// / Add installs obj/rights under a fresh, unpredictable, non-zero handle
// / value and returns it. Fails NO_MEMORY against either this table's
// / per-process limit or the system-wide ceiling (limits.Syslimit.Handles);
// / the system-wide quantum is given back by Remove.
func (t *Table) Add(obj Object, r rights.Rights) (uint32, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit > 0 && len(t.entries) >= t.limit {
		return 0, errs.ENOMEM
	}
	if !limits.Syslimit.Handles.Take() {
		return 0, errs.ENOMEM
	}
	if t.entries == nil {
		t.entries = make(map[uint32]*Handle)
	}

	for {
		v := randHandle()
		if v == 0 {
			continue
		}
		if _, taken := t.entries[v]; taken {
			continue
		}
		t.entries[v] = &Handle{Obj: obj, Rights: r}
		return v, 0
	}
}

// / Get looks up a handle value and returns its object and rights.
func (t *Table) Get(v uint32) (Object, rights.Rights, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[v]
	if !ok {
		return nil, 0, errs.EBADHANDLE
	}
	return h.Obj, h.Rights, 0
}

// / GetWithRights is Get plus a rights check: it fails ACCESS_DENIED
// / unless the handle carries every bit in required.
func (t *Table) GetWithRights(v uint32, required rights.Rights) (Object, errs.Err_t) {
	obj, have, err := t.Get(v)
	if err != 0 {
		return nil, err
	}
	if !have.Has(required) {
		return nil, errs.EACCESSDENIED
	}
	return obj, 0
}

// / Remove drops a handle value from the table. The referenced object
// / remains alive as long as any other strong reference exists -- the
// / table never owns object destruction, only the reference it holds.
func (t *Table) Remove(v uint32) errs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[v]; !ok {
		return errs.EBADHANDLE
	}
	delete(t.entries, v)
	limits.Syslimit.Handles.Give()
	return 0
}

// / Duplicate creates a second handle value naming the same object, with
// / rights narrowed to r & source-rights. Fails ACCESS_DENIED unless the
// / source handle carries DUPLICATE, and INVALID_ARGS if r asks for bits
// / the source handle does not have.
func (t *Table) Duplicate(v uint32, r rights.Rights) (uint32, errs.Err_t) {
	obj, have, err := t.Get(v)
	if err != 0 {
		return 0, err
	}
	if !have.Has(rights.Duplicate) {
		return 0, errs.EACCESSDENIED
	}
	if !have.Has(r) {
		return 0, errs.EINVAL
	}
	return t.Add(obj, r)
}

// / GetAs looks up v and asserts its object is of concrete type T, failing
// / WRONG_TYPE if it names some other kernel object class. Generic free
// / function rather than a Table method because Go methods cannot
// / introduce their own type parameters.
func GetAs[T Object](t *Table, v uint32) (T, rights.Rights, errs.Err_t) {
	var zero T
	obj, r, err := t.Get(v)
	if err != 0 {
		return zero, 0, err
	}
	cast, ok := obj.(T)
	if !ok {
		return zero, 0, errs.EWRONGTYPE
	}
	return cast, r, 0
}

// / Len reports the current occupancy, for resource-limit accounting.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func randHandle() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("handle: crypto/rand unavailable: " + err.Error())
	}
	return binary.LittleEndian.Uint32(b[:])
}
