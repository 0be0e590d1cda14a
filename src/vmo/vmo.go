// Package vmo implements the two VM object variants: Paged, a lazily
// committed page-indexed store with copy-on-write children, and
// Physical, a thin wrapper around a fixed contiguous physical range used
// for device-visible memory (see package bti).
//
// Grounded on the teacher's mem.Physmem_t (refcounted physical frames,
// Dmap-style direct access to a frame's bytes) and vm.Vm_t's Sys_pgfault
// (the VANON/copy-on-write-claim logic a write fault performs), adapted
// to route every frame operation through hal.FrameAllocator/PmemReadWriter
// instead of biscuit's x86 direct-map window.
package vmo

import (
	"sync"

	"errs"
	"hal"
	"koid"
	"limits"
	"oom"
)

// / Kind distinguishes the two VMO variants spec.md §3/§4.E describes.
type Kind int

const (
	Paged Kind = iota
	Physical
)

type pageEntry struct {
	pa      hal.Pa_t
	present bool
}

// / InvalidateFunc is called when committed/mapped pages in [pageOff,
// / pageOff+n) change shape under a mapping (set_len shrink, decommit).
// / Package vmar registers one of these per mapping instead of vmo
// / importing vmar's Mapping type directly -- the back-reference spec.md
// / §9 calls out as needing a "weak/generational" link.
type InvalidateFunc func(pageOff, n int)

type mappingRef struct {
	id    uint64
	fn    InvalidateFunc
}

// / Vmo is a VM object: either Paged or Physical. Zero value is not valid;
// / use New or NewPhysical.
type Vmo struct {
	koid.KernelObject

	mu sync.Mutex

	kind      Kind
	resizable bool

	platform hal.PmemReadWriter
	frames   hal.FrameAllocator

	// Paged fields.
	pages  []pageEntry
	parent *Vmo
	// parentPage is the page index in parent that this child's page 0
	// corresponds to; snapshot-at-creation semantics per spec.md §4.E.
	parentPage int

	// Physical fields.
	physBase hal.Pa_t

	numChildren int
	mappings    map[uint64]mappingRef
	nextMapID   uint64

	// frozen holds, for a page index this VMO has forked away from under
	// forkSharedPageLocked, the frame a COW child's lookupAncestor must
	// keep observing -- the frame v.pages[idx] pointed to the moment the
	// first child was created, permanently detached from further parent
	// writes. Absent entries mean "no fork has happened yet"; v.pages[idx]
	// is both the live and the historical frame until one does.
	frozen map[int]hal.Pa_t
}

// / New creates a Paged VMO of the given page count. Frames are lazy:
// / committed_bytes starts at zero.
func New(platform hal.PmemReadWriter, frames hal.FrameAllocator, pages int, resizable bool) *Vmo {
	v := &Vmo{
		kind:      Paged,
		platform:  platform,
		frames:    frames,
		pages:     make([]pageEntry, pages),
		resizable: resizable,
		mappings:  make(map[uint64]mappingRef),
	}
	v.Init("vmo")
	return v
}

// / NewPhysical creates a Physical VMO over the fixed range
// / [paddr, paddr+pages*PageSize).
func NewPhysical(platform hal.PmemReadWriter, paddr hal.Pa_t, pages int) *Vmo {
	v := &Vmo{
		kind:     Physical,
		platform: platform,
		physBase: paddr,
		pages:    make([]pageEntry, pages),
		mappings: make(map[uint64]mappingRef),
	}
	v.Init("vmo-phys")
	return v
}

// / Kind reports which variant this VMO is.
func (v *Vmo) Kind() Kind {
	return v.kind
}

// / Len returns the VMO's length in bytes.
func (v *Vmo) Len() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int64(len(v.pages)) * hal.PageSize
}

// / NumChildren reports the live COW-child count.
func (v *Vmo) NumChildren() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.numChildren
}

// / NumMappings reports the live mapping-registration count.
func (v *Vmo) NumMappings() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.mappings)
}

// / CommittedBytes reports the number of resident (committed) bytes. For
// / a Physical VMO this always equals Len().
func (v *Vmo) CommittedBytes() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == Physical {
		return int64(len(v.pages)) * hal.PageSize
	}
	n := int64(0)
	for _, p := range v.pages {
		if p.present {
			n += hal.PageSize
		}
	}
	return n
}

// / AppendMapping registers an invalidation callback and returns an
// / opaque id used to unregister it later.
func (v *Vmo) AppendMapping(fn InvalidateFunc) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextMapID++
	id := v.nextMapID
	v.mappings[id] = mappingRef{id: id, fn: fn}
	return id
}

// / RemoveMapping unregisters a previously-registered invalidation callback.
func (v *Vmo) RemoveMapping(id uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.mappings, id)
}

func (v *Vmo) notifyInvalidate(pageOff, n int) {
	for _, m := range v.mappings {
		m.fn(pageOff, n)
	}
}

// / Read copies len(buf) bytes starting at offset. An uncommitted page of a
// / COW child reads the nearest ancestor's copy of that page; any other
// / uncommitted page reads as zero, matching the teacher's decommit
// / behavior ("zeroes future reads until recommitted").
func (v *Vmo) Read(offset int64, buf []byte) errs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.boundsLocked(offset, len(buf)); err != 0 {
		return err
	}
	return v.copyLocked(offset, buf, false)
}

// / Write copies buf into the VMO at offset, committing (and copy-down
// / COW-cloning) every page it touches first.
func (v *Vmo) Write(offset int64, buf []byte) errs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.boundsLocked(offset, len(buf)); err != 0 {
		return err
	}
	if v.kind == Physical {
		pa := v.physBase + hal.Pa_t(offset)
		return v.platform.PmemWrite(pa, buf)
	}
	first := int(offset / hal.PageSize)
	last := int((offset + int64(len(buf)) - 1) / hal.PageSize)
	for idx := first; idx <= last; idx++ {
		if _, err := v.commitPageLocked(idx); err != 0 {
			return err
		}
		if err := v.forkSharedPageLocked(idx); err != 0 {
			return err
		}
	}
	return v.copyLocked(offset, buf, true)
}

// forkSharedPageLocked protects a live COW child's snapshot-at-creation
// view: a parent write to a page that was already present before the
// child existed must never mutate that page's frame in place, since
// lookupAncestor reads it straight out of v.pages. The first such write
// moves the frame this page currently resident in aside into v.frozen and
// gives the parent a fresh private frame to write into instead; later
// writes to the same index see frozen already populated and proceed
// directly, matching ordinary commit-once semantics.
func (v *Vmo) forkSharedPageLocked(idx int) errs.Err_t {
	if v.numChildren == 0 || !v.pages[idx].present {
		return 0
	}
	if v.frozen == nil {
		v.frozen = make(map[int]hal.Pa_t)
	}
	if _, already := v.frozen[idx]; already {
		return 0
	}
	oldPa := v.pages[idx].pa
	newPa, err := v.allocFrame()
	if err != 0 {
		return err
	}
	if !limits.Syslimit.CommittedPages.Take() {
		v.frames.FreeFrames([]hal.Pa_t{newPa})
		return errs.ENOMEM
	}
	buf := make([]byte, hal.PageSize)
	if rerr := v.platform.PmemRead(oldPa, buf); rerr != 0 {
		v.frames.FreeFrames([]hal.Pa_t{newPa})
		limits.Syslimit.CommittedPages.Give()
		return rerr
	}
	if werr := v.platform.PmemWrite(newPa, buf); werr != 0 {
		v.frames.FreeFrames([]hal.Pa_t{newPa})
		limits.Syslimit.CommittedPages.Give()
		return werr
	}
	v.frozen[idx] = oldPa
	v.pages[idx].pa = newPa
	return 0
}

func (v *Vmo) boundsLocked(offset int64, n int) errs.Err_t {
	if offset < 0 || n < 0 || offset+int64(n) > int64(len(v.pages))*hal.PageSize {
		return errs.EINVAL
	}
	return 0
}

func (v *Vmo) copyLocked(offset int64, buf []byte, write bool) errs.Err_t {
	if v.kind == Physical {
		pa := v.physBase + hal.Pa_t(offset)
		if write {
			return v.platform.PmemWrite(pa, buf)
		}
		return v.platform.PmemRead(pa, buf)
	}
	remaining := buf
	cur := offset
	for len(remaining) > 0 {
		idx := int(cur / hal.PageSize)
		inPage := int(cur % hal.PageSize)
		chunk := hal.PageSize - inPage
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		pa, present := v.pages[idx].pa, v.pages[idx].present
		if write {
			// Caller already committed every touched page.
			if err := v.platform.PmemWrite(pa+hal.Pa_t(inPage), remaining[:chunk]); err != 0 {
				return err
			}
		} else if present {
			if err := v.platform.PmemRead(pa+hal.Pa_t(inPage), remaining[:chunk]); err != 0 {
				return err
			}
		} else if ancestorPa, ok := v.lookupAncestor(idx); ok {
			if err := v.platform.PmemRead(ancestorPa+hal.Pa_t(inPage), remaining[:chunk]); err != 0 {
				return err
			}
		} else {
			clear(remaining[:chunk])
		}
		remaining = remaining[chunk:]
		cur += int64(chunk)
	}
	return 0
}

// lookupAncestor walks the COW parent chain for a page this VMO itself
// has never committed, without mutating anything: a pure read observes
// whatever the nearest ancestor holding the page has. It holds at most
// one ancestor's lock at a time and releases each before acquiring the
// next, so this child-to-root walk never nests with CreateChild's
// parent-only lock acquisition.
func (v *Vmo) lookupAncestor(idx int) (hal.Pa_t, bool) {
	p := v.parent
	pidx := v.parentPage + idx
	for p != nil {
		p.mu.Lock()
		if fz, ok := p.frozen[pidx]; ok {
			p.mu.Unlock()
			return fz, true
		}
		if pidx >= 0 && pidx < len(p.pages) && p.pages[pidx].present {
			pa := p.pages[pidx].pa
			p.mu.Unlock()
			return pa, true
		}
		next, nidx := p.parent, p.parentPage+pidx
		p.mu.Unlock()
		p, pidx = next, nidx
	}
	return 0, false
}

// / Resident reports the frame already backing page idx without
// / committing anything, for a VMAR's initial map_at page-table install
// / ("calls the HAL to install page-table entries for pages already
// / committed in the VMO", spec.md §4.F) -- uncommitted pages are left for
// / the lazy page-fault path instead of being forced resident here.
func (v *Vmo) Resident(idx int) (hal.Pa_t, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == Physical {
		return v.physBase + hal.Pa_t(idx)*hal.PageSize, true
	}
	if idx < 0 || idx >= len(v.pages) {
		return 0, false
	}
	return v.pages[idx].pa, v.pages[idx].present
}

// / PageCount reports the VMO's length in pages.
func (v *Vmo) PageCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pages)
}

// / CommitPage materializes a frame for page idx, copying down the
// / nearest ancestor's content if this is a COW child, and is idempotent:
// / calling it twice returns the same physical address. Used directly by
// / a VMAR's page-fault resolution path.
func (v *Vmo) CommitPage(idx int) (hal.Pa_t, errs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.commitPageLocked(idx)
}

func (v *Vmo) commitPageLocked(idx int) (hal.Pa_t, errs.Err_t) {
	if v.kind == Physical {
		return v.physBase + hal.Pa_t(idx)*hal.PageSize, 0
	}
	if idx < 0 || idx >= len(v.pages) {
		return 0, errs.EINVAL
	}
	if v.pages[idx].present {
		return v.pages[idx].pa, 0
	}
	if !limits.Syslimit.CommittedPages.Take() {
		return 0, errs.ENOMEM
	}
	pa, err := v.allocFrame()
	if err != 0 {
		limits.Syslimit.CommittedPages.Give()
		return 0, err
	}
	if ancestorPa, ok := v.lookupAncestor(idx); ok {
		buf := make([]byte, hal.PageSize)
		if err := v.platform.PmemRead(ancestorPa, buf); err != 0 {
			v.frames.FreeFrames([]hal.Pa_t{pa})
			limits.Syslimit.CommittedPages.Give()
			return 0, err
		}
		if err := v.platform.PmemWrite(pa, buf); err != 0 {
			v.frames.FreeFrames([]hal.Pa_t{pa})
			limits.Syslimit.CommittedPages.Give()
			return 0, err
		}
	}
	v.pages[idx] = pageEntry{pa: pa, present: true}
	return pa, 0
}

func (v *Vmo) allocFrame() (hal.Pa_t, errs.Err_t) {
	for {
		pas, err := v.frames.AllocFrames(1)
		if err == 0 {
			return pas[0], 0
		}
		if err != errs.ENOMEM {
			return 0, err
		}
		if !oom.Notify(1) {
			return 0, errs.ENOMEM
		}
	}
}

// / Commit materializes frames for every page in [offset, offset+len).
// / Both bounds must be page-aligned.
func (v *Vmo) Commit(offset, length int64) errs.Err_t {
	if offset%hal.PageSize != 0 || length%hal.PageSize != 0 {
		return errs.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == Physical {
		return errs.ENOTSUPPORTED
	}
	first := int(offset / hal.PageSize)
	n := int(length / hal.PageSize)
	for idx := first; idx < first+n; idx++ {
		if _, err := v.commitPageLocked(idx); err != 0 {
			return err
		}
	}
	return 0
}

// / Decommit releases frames in [offset, offset+len) and arranges for
// / future reads of that range to observe zero until recommitted. Both
// / bounds must be page-aligned.
func (v *Vmo) Decommit(offset, length int64) errs.Err_t {
	if offset%hal.PageSize != 0 || length%hal.PageSize != 0 {
		return errs.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == Physical {
		return errs.ENOTSUPPORTED
	}
	first := int(offset / hal.PageSize)
	n := int(length / hal.PageSize)
	for idx := first; idx < first+n && idx < len(v.pages); idx++ {
		if v.pages[idx].present {
			v.frames.FreeFrames([]hal.Pa_t{v.pages[idx].pa})
			v.pages[idx] = pageEntry{}
			limits.Syslimit.CommittedPages.Give()
		}
	}
	v.notifyInvalidate(first, n)
	return 0
}

// / SetLen resizes a Paged, resizable VMO. Shrinking releases and
// / decommits trailing frames and invalidates any mapping covering them.
func (v *Vmo) SetLen(length int64) errs.Err_t {
	if length%hal.PageSize != 0 {
		return errs.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == Physical || !v.resizable {
		return errs.ENOTSUPPORTED
	}
	newPages := int(length / hal.PageSize)
	old := len(v.pages)
	if newPages < old {
		for idx := newPages; idx < old; idx++ {
			if v.pages[idx].present {
				v.frames.FreeFrames([]hal.Pa_t{v.pages[idx].pa})
				limits.Syslimit.CommittedPages.Give()
			}
		}
		v.notifyInvalidate(newPages, old-newPages)
		v.pages = v.pages[:newPages]
	} else if newPages > old {
		v.pages = append(v.pages, make([]pageEntry, newPages-old)...)
	}
	return 0
}

// / Info is a point-in-time snapshot of a VMO's introspection fields, the
// / Go shape of zCore's ZxInfoVmo (original_source/zircon-object/src/vm/vmo
// / /mod.rs's get_info()): koid/name/size, the parent's koid (0 if none),
// / live child/mapping counts, committed bytes, and whether this VMO is a
// / COW clone / resizable / Physical. There is no flags bitset here --
// / unlike the Rust struct, each condition is its own named bool, since Go
// / has no repr(C) packed-flags idiom to imitate.
type Info struct {
	Koid           uint64
	Name           string
	Size           int64
	ParentKoid     uint64
	NumChildren    int
	NumMappings    int
	CommittedBytes int64
	IsCowClone     bool
	Resizable      bool
	Physical       bool
}

// / Info builds an Info snapshot under the same lock Read/Write take, so
// / concurrent mutation never produces a torn view across the returned
// / fields.
func (v *Vmo) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	info := Info{
		Koid:        v.Koid(),
		Name:        v.Name(),
		Size:        int64(len(v.pages)) * hal.PageSize,
		NumChildren: v.numChildren,
		NumMappings: len(v.mappings),
		IsCowClone:  v.parent != nil,
		Resizable:   v.resizable,
		Physical:    v.kind == Physical,
	}
	if v.parent != nil {
		info.ParentKoid = v.parent.Koid()
	}
	if v.kind == Physical {
		info.CommittedBytes = info.Size
	} else {
		for _, p := range v.pages {
			if p.present {
				info.CommittedBytes += hal.PageSize
			}
		}
	}
	return info
}

// / CreateChild returns a snapshot-at-creation COW child covering
// / [offset, offset+len) of the parent. Both must be page-aligned.
func (v *Vmo) CreateChild(offset, length int64) (*Vmo, errs.Err_t) {
	if offset%hal.PageSize != 0 || length%hal.PageSize != 0 {
		return nil, errs.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == Physical {
		return nil, errs.ENOTSUPPORTED
	}
	first := int(offset / hal.PageSize)
	n := int(length / hal.PageSize)
	if first+n > len(v.pages) {
		return nil, errs.EINVAL
	}
	child := &Vmo{
		kind:       Paged,
		platform:   v.platform,
		frames:     v.frames,
		pages:      make([]pageEntry, n),
		parent:     v,
		parentPage: first,
		mappings:   make(map[uint64]mappingRef),
	}
	child.Init("vmo-child")
	v.numChildren++
	return child, 0
}
