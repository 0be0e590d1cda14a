// Package bti implements the Bus Transaction Initiator and Pinned Memory
// Token objects: the handle-visible glue that exposes a VMO range to a
// DMA-capable device (spec.md §9, Glossary).
//
// Grounded on the teacher's circbuf.Circbuf_t (head/tail ring buffer with
// Full/Empty/Left/Used and Advhead/Advtail bookkeeping); descRing below
// applies the identical ring-buffer shape to queueing IOMMU descriptors
// for a device rather than bytes for a daemon's pipe.
//
// The wire encoding of an individual descriptor is an explicit open
// question (spec.md §9: "the encoding of IOMMU descriptors is unspecified
// here and an implementer must consult the upstream Zircon ABI before
// fixing it"). descRing stores opaque fixed-size slots sized
// DescSize/MaxDescLen and does not interpret their contents; see
// DESIGN.md for the resolution taken in this module.
package bti

import (
	"sync"

	"errs"
	"hal"
	"koid"
	"limits"
	"rights"
	"vmo"
)

// / PinOptions controls how Bti.Pin interprets a range.
type PinOptions uint32

const (
	Contiguous PinOptions = 1 << iota
	PermRead
	PermWrite
	Compress
)

// / DescSize and MaxDescLen mirror the teacher's IOMMU_DESC_SIZE (1 byte)
// / and IOMMU_MAX_DESC_LEN (4096) constants. The byte layout within a
// / descriptor slot is the open question spec.md §9 names.
const (
	DescSize   = 1
	MaxDescLen = 4096
)

// descRing is a fixed-capacity ring of raw descriptor bytes, shaped
// exactly like circbuf.Circbuf_t's head/tail accounting.
type descRing struct {
	buf        []byte
	head, tail int
}

func newDescRing() *descRing {
	return &descRing{buf: make([]byte, MaxDescLen)}
}

func (r *descRing) full() bool  { return r.head-r.tail == len(r.buf) }
func (r *descRing) empty() bool { return r.head == r.tail }
func (r *descRing) left() int   { return len(r.buf) - (r.head - r.tail) }

func (r *descRing) push(desc []byte) errs.Err_t {
	if len(desc) > r.left() {
		return errs.ENOMEM
	}
	for _, b := range desc {
		r.buf[r.head%len(r.buf)] = b
		r.head++
	}
	return 0
}

// / Bti is a Bus Transaction Initiator: a device's view onto kernel
// / memory, created by the embedder's platform glue (bus enumeration is
// / out of this module's scope) and then used to pin VMO ranges.
type Bti struct {
	koid.KernelObject

	mu     sync.Mutex
	ring   *descRing
	closed bool
}

// / New creates a Bti with an empty descriptor ring. Fails NO_MEMORY once
// / the system-wide BTI ceiling (limits.Syslimit.Btis) is exhausted; the
// / quantum is given back by Close.
func New(name string) (*Bti, errs.Err_t) {
	if !limits.Syslimit.Btis.Take() {
		return nil, errs.ENOMEM
	}
	b := &Bti{ring: newDescRing()}
	b.Init(name)
	koid.Register(&b.KernelObject, "bti")
	return b, 0
}

// / Close releases b's system-wide BTI ceiling quantum. Calling Close twice
// / is a no-op.
func (b *Bti) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	limits.Syslimit.Btis.Give()
	b.KernelObject.Destroy()
}

// / Pmt is a Pinned Memory Token: the handle-visible result of Bti.Pin,
// / naming the device-visible addresses backing a pinned VMO range.
type Pmt struct {
	koid.KernelObject

	Bti         *Bti
	Vmo         *vmo.Vmo
	DeviceAddrs []hal.Pa_t

	unpinned bool
	mu       sync.Mutex
}

// / Pin validates opts, commits the requested VMO range, and returns a
// / Pmt naming the device-visible addresses. CONTIGUOUS is only
// / satisfiable by a Physical VMO (a Paged VMO's frames are not
// / guaranteed contiguous); COMPRESS|CONTIGUOUS together is always
// / INVALID_ARGS (spec.md §8 Scenario 5).
func (b *Bti) Pin(v *vmo.Vmo, offset, size int64, opts PinOptions, have rights.Rights) (*Pmt, errs.Err_t) {
	if opts&Compress != 0 && opts&Contiguous != 0 {
		return nil, errs.EINVAL
	}
	if !have.Has(rights.Map) {
		return nil, errs.EACCESSDENIED
	}
	if opts&PermRead != 0 && !have.Has(rights.Read) {
		return nil, errs.EACCESSDENIED
	}
	if opts&PermWrite != 0 && !have.Has(rights.Write) {
		return nil, errs.EACCESSDENIED
	}
	if offset%hal.PageSize != 0 || size%hal.PageSize != 0 || size == 0 {
		return nil, errs.EINVAL
	}
	if opts&Contiguous != 0 && v.Kind() != vmo.Physical {
		return nil, errs.ENOTSUPPORTED
	}

	npages := int(size / hal.PageSize)
	first := int(offset / hal.PageSize)
	addrs := make([]hal.Pa_t, 0, npages)
	if opts&Contiguous != 0 {
		pa, err := v.CommitPage(first)
		if err != 0 {
			return nil, err
		}
		addrs = append(addrs, pa)
	} else {
		for i := 0; i < npages; i++ {
			pa, err := v.CommitPage(first + i)
			if err != 0 {
				return nil, err
			}
			addrs = append(addrs, pa)
		}
	}

	p := &Pmt{Bti: b, Vmo: v, DeviceAddrs: addrs}
	p.Init("pmt")
	koid.Register(&p.KernelObject, "pmt")
	return p, 0
}

// / Unpin releases a Pmt. Calling Unpin twice is a no-op.
func (p *Pmt) Unpin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unpinned {
		return
	}
	p.unpinned = true
	p.KernelObject.Destroy()
}
