// Package vmar implements the VM address region tree: a recursive
// partitioning of a process's virtual address space into sub-VMARs and
// mappings, and the page-fault resolution path that ties a mapping back
// to its VMO through the HAL's page-table install call.
//
// Grounded on the teacher's vm.Vm_t/Sys_pgfault: the VANON/VFILE copy and
// permission checks there (isguard, iswrite, writeok) are the same shape
// as MapAt's flag-versus-ceiling check and PageFault's commit-on-demand
// below, generalized from biscuit's single flat Vm_t to spec.md's
// recursive VMAR tree and re-pointed at hal.PageTable instead of x86 PTEs
// biscuit pokes directly.
package vmar

import (
	"sync"

	"errs"
	"hal"
	"koid"
	"vmo"
)

// / Perms projects segment-style read/write/execute bits into the HAL's
// / MMU flag bits. Shared by package elfload so "no implicit READ is
// / added" (spec.md §4.F) has exactly one implementation.
func Perms(read, write, execute bool) hal.MMUFlags {
	var f hal.MMUFlags
	if read {
		f |= hal.FlagRead
	}
	if write {
		f |= hal.FlagWrite
	}
	if execute {
		f |= hal.FlagExec
	}
	return f
}

type childKind int

const (
	childSubVmar childKind = iota
	childMapping
)

type child struct {
	kind   childKind
	offset uintptr // offset from the owning VMAR's base
	size   uintptr
	sub    *Vmar
	mp     *Mapping
}

// / Mapping is a window projecting [vmoOffset, vmoOffset+len) of a VMO
// / into [vaddr, vaddr+len) of its owning VMAR.
type Mapping struct {
	Vmo       *vmo.Vmo
	VmoOffset int64
	Vaddr     uintptr
	Length    uintptr
	Flags     hal.MMUFlags

	owner *Vmar
	mapID uint64
}

// / Vmar is a node in the VMAR tree. The root VMAR of a process covers
// / that process's entire user address range (spec.md §3).
type Vmar struct {
	koid.KernelObject

	mu sync.Mutex

	pt   hal.PageTable
	base uintptr
	size uintptr
	perm hal.MMUFlags

	parent   *Vmar
	children []*child
}

// / NewRoot creates a root VMAR covering [base, base+size) with the given
// / permission ceiling, installed on pt.
func NewRoot(pt hal.PageTable, base, size uintptr, ceiling hal.MMUFlags) *Vmar {
	v := &Vmar{pt: pt, base: base, size: size, perm: ceiling}
	v.Init("vmar-root")
	return v
}

// / Base and Size report this VMAR's virtual-address range.
func (v *Vmar) Base() uintptr { return v.base }
func (v *Vmar) Size() uintptr { return v.size }

// / CreateChild reserves a sub-VMAR of size bytes. If offset is nil, the
// / VMAR picks any free page-aligned sub-range; if non-nil, that exact
// / offset is used or INVALID_ARGS/overlap failures are returned. The
// / child inherits the parent's permission ceiling.
func (v *Vmar) CreateChild(offset *uintptr, size uintptr) (*Vmar, errs.Err_t) {
	if size == 0 || size%hal.PageSize != 0 {
		return nil, errs.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var off uintptr
	if offset != nil {
		if *offset%hal.PageSize != 0 || *offset+size > v.size {
			return nil, errs.EINVAL
		}
		off = *offset
		if v.overlapsLocked(off, size) {
			return nil, errs.EINVAL
		}
	} else {
		found, ok := v.findFreeLocked(size)
		if !ok {
			return nil, errs.ENOMEM
		}
		off = found
	}

	sub := &Vmar{pt: v.pt, base: v.base + off, size: size, perm: v.perm, parent: v}
	sub.Init("vmar")
	v.children = append(v.children, &child{kind: childSubVmar, offset: off, size: size, sub: sub})
	return sub, 0
}

func (v *Vmar) overlapsLocked(off, size uintptr) bool {
	end := off + size
	for _, c := range v.children {
		if off < c.offset+c.size && c.offset < end {
			return true
		}
	}
	return false
}

// findFreeLocked does a simple sorted first-fit scan; the VMAR tree is
// small per process (tens of entries), so this need not be a fancier
// interval structure.
func (v *Vmar) findFreeLocked(size uintptr) (uintptr, bool) {
	sorted := append([]*child(nil), v.children...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].offset < sorted[i].offset {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	cursor := uintptr(0)
	for _, c := range sorted {
		if c.offset-cursor >= size {
			return cursor, true
		}
		if c.offset+c.size > cursor {
			cursor = c.offset + c.size
		}
	}
	if v.size-cursor >= size {
		return cursor, true
	}
	return 0, false
}

// / MapAt installs a mapping of [vmoOffset, vmoOffset+length) of vmoObj at
// / vaddrOffset within this VMAR. All three quantities must be
// / page-aligned; flags exceeding this VMAR's permission ceiling fail
// / ACCESS_DENIED. Pages the VMO already has resident are installed in the
// / page table immediately; the rest fault in lazily via PageFault.
func (v *Vmar) MapAt(vaddrOffset uintptr, vmoObj *vmo.Vmo, vmoOffset int64, length uintptr, flags hal.MMUFlags) (*Mapping, errs.Err_t) {
	if vaddrOffset%hal.PageSize != 0 || vmoOffset%hal.PageSize != 0 || length%hal.PageSize != 0 || length == 0 {
		return nil, errs.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if vaddrOffset+length > v.size {
		return nil, errs.EINVAL
	}
	if flags&v.perm != flags {
		return nil, errs.EACCESSDENIED
	}
	if v.overlapsLocked(vaddrOffset, length) {
		return nil, errs.EINVAL
	}

	mp := &Mapping{Vmo: vmoObj, VmoOffset: vmoOffset, Vaddr: v.base + vaddrOffset, Length: length, Flags: flags, owner: v}
	mp.mapID = vmoObj.AppendMapping(func(pageOff, n int) {
		v.invalidateRange(mp, pageOff, n)
	})
	v.children = append(v.children, &child{kind: childMapping, offset: vaddrOffset, size: length, mp: mp})

	npages := int(length / hal.PageSize)
	base := int(vmoOffset / hal.PageSize)
	for i := 0; i < npages; i++ {
		if pa, ok := vmoObj.Resident(base + i); ok {
			vaddr := mp.Vaddr + uintptr(i)*hal.PageSize
			if err := v.pt.MapCont(vaddr, []hal.Pa_t{pa}, flags|hal.FlagUser); err != 0 {
				return nil, err
			}
		}
	}
	return mp, 0
}

func (v *Vmar) invalidateRange(mp *Mapping, vmoPageOff, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	mapFirst := int(mp.VmoOffset / hal.PageSize)
	mapLast := mapFirst + int(mp.Length/hal.PageSize)
	lo := vmoPageOff
	hi := vmoPageOff + n
	if lo < mapFirst {
		lo = mapFirst
	}
	if hi > mapLast {
		hi = mapLast
	}
	for idx := lo; idx < hi; idx++ {
		vaddr := mp.Vaddr + uintptr(idx-mapFirst)*hal.PageSize
		v.pt.UnmapCont(vaddr, 1)
	}
}

// / Unmap removes the mapping covering [vaddrOffset, vaddrOffset+length).
// / A request that only partially covers a mapping fails INVALID_ARGS;
// / spec.md leaves splitting a partially-unmapped region as VMO-permission
// / dependent, and no VMO variant in this kernel permits it yet.
func (v *Vmar) Unmap(vaddrOffset uintptr, length uintptr) errs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, c := range v.children {
		if c.kind != childMapping {
			continue
		}
		if c.offset == vaddrOffset && c.size == uintptr(length) {
			c.mp.Vmo.RemoveMapping(c.mp.mapID)
			v.pt.UnmapCont(c.mp.Vaddr, int(c.size/hal.PageSize))
			v.children = append(v.children[:i], v.children[i+1:]...)
			return 0
		}
		if vaddrOffset < c.offset+c.size && c.offset < vaddrOffset+length {
			return errs.EINVAL
		}
	}
	return errs.EINVAL
}

// / Destroy recursively destroys children in reverse creation order, then
// / unmaps any remaining entries in this VMAR.
func (v *Vmar) Destroy() {
	v.mu.Lock()
	children := v.children
	v.children = nil
	v.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		c := children[i]
		switch c.kind {
		case childSubVmar:
			c.sub.Destroy()
		case childMapping:
			c.mp.Vmo.RemoveMapping(c.mp.mapID)
			v.pt.UnmapCont(c.mp.Vaddr, int(c.size/hal.PageSize))
		}
	}
	v.KernelObject.Destroy()
}

// / PageFault resolves a fault at absolute virtual address vaddr. write
// / reports whether the faulting access was a store. It finds the
// / covering mapping (descending through sub-VMARs, releasing each
// / parent's lock before taking the child's, so two VMAR locks are never
// / held at once), checks the mapping's flags, commits the backing page,
// / and installs it.
func (v *Vmar) PageFault(vaddr uintptr, write bool) errs.Err_t {
	v.mu.Lock()
	if vaddr < v.base || vaddr >= v.base+v.size {
		v.mu.Unlock()
		return errs.EINVAL
	}
	off := vaddr - v.base
	for _, c := range v.children {
		if off < c.offset || off >= c.offset+c.size {
			continue
		}
		switch c.kind {
		case childSubVmar:
			sub := c.sub
			v.mu.Unlock()
			return sub.PageFault(vaddr, write)
		case childMapping:
			mp := c.mp
			v.mu.Unlock()
			if write && mp.Flags&hal.FlagWrite == 0 {
				return errs.EACCESSDENIED
			}
			if !write && mp.Flags&hal.FlagRead == 0 {
				return errs.EACCESSDENIED
			}
			pageInMapping := int((off - c.offset) / hal.PageSize)
			vmoPage := int(mp.VmoOffset/hal.PageSize) + pageInMapping
			pa, err := mp.Vmo.CommitPage(vmoPage)
			if err != 0 {
				return err
			}
			pageVaddr := v.base + c.offset + uintptr(pageInMapping)*hal.PageSize
			return v.pt.MapCont(pageVaddr, []hal.Pa_t{pa}, mp.Flags|hal.FlagUser)
		}
	}
	v.mu.Unlock()
	return errs.EINVAL
}
