// Package simhal is a host-process reference implementation of the hal
// contract. It is not the platform HAL this kernel ships with in
// production -- there is no ring-0 inside a go test binary -- it is the
// harness that lets every other package in this module be exercised
// end-to-end without a hypervisor or real page tables.
//
// Grounded on bobuhiro11/gokvm's memory package, which backs guest RAM with
// an anonymous golang.org/x/sys/unix.Mmap region and hands out addresses
// computed from that region's base; simhal applies the same idiom to a
// kernel-internal frame allocator instead of a VMM's guest-physical space.
package simhal

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"errs"
	"hal"
)

// / Sim is an in-process stand-in for the platform HAL. All physical
// / addresses it hands out are byte offsets into a single mmap'd region, so
// / PmemRead/PmemWrite are plain slice copies.
type Sim struct {
	mu        sync.Mutex
	region    []byte
	free      []int // free frame indices, LIFO
	pagetable map[uintptr][]hal.Pa_t
	world     int32 // 0 = user, 1 = kernel; catches unbalanced switch calls
	boot      time.Time
}

// / New mmaps an anonymous region of npages frames and returns a ready Sim.
func New(npages int) (*Sim, error) {
	size := npages * hal.PageSize
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("simhal: mmap %d bytes: %w", size, err)
	}
	free := make([]int, npages)
	for i := range free {
		// hand out frames from the high end first so index 0 (a common
		// "zero value" bug magnet) is allocated last, not first.
		free[i] = i
	}
	return &Sim{
		region:    region,
		free:      free,
		pagetable: make(map[uintptr][]hal.Pa_t),
		boot:      time.Now(),
	}, nil
}

// / Close releases the backing mmap. Not part of hal.Platform; embedders
// / that build a Sim for a short-lived test call this in a defer.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == nil {
		return nil
	}
	err := unix.Munmap(s.region)
	s.region = nil
	return err
}

// / PmemRead implements hal.PmemReadWriter.
func (s *Sim) PmemRead(pa hal.Pa_t, buf []byte) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(pa)+len(buf) > len(s.region) {
		return errs.EFAULT
	}
	copy(buf, s.region[pa:int(pa)+len(buf)])
	return 0
}

// / PmemWrite implements hal.PmemReadWriter.
func (s *Sim) PmemWrite(pa hal.Pa_t, buf []byte) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(pa)+len(buf) > len(s.region) {
		return errs.EFAULT
	}
	copy(s.region[pa:int(pa)+len(buf)], buf)
	return 0
}

// / Bytes returns a direct slice over the frame at pa, analogous to the
// / teacher's mem.Physmem_t.Dmap direct-map accessor. Only safe to call
// / while the caller otherwise serializes access to the frame (the VMO
// / layer's per-object lock already provides this).
func (s *Sim) Bytes(pa hal.Pa_t, n int) []byte {
	return s.region[pa : int(pa)+n]
}

// / AllocFrames implements hal.FrameAllocator.
func (s *Sim) AllocFrames(n int) ([]hal.Pa_t, errs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.free) {
		return nil, errs.ENOMEM
	}
	out := make([]hal.Pa_t, n)
	for i := 0; i < n; i++ {
		idx := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		out[i] = hal.Pa_t(idx * hal.PageSize)
		clear(s.region[out[i] : int(out[i])+hal.PageSize])
	}
	return out, 0
}

// / FreeFrames implements hal.FrameAllocator.
func (s *Sim) FreeFrames(paddrs []hal.Pa_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pa := range paddrs {
		s.free = append(s.free, int(pa)/hal.PageSize)
	}
}

// / MapCont implements hal.PageTable as bookkeeping only: there is no
// / second address space to program in a host process, but the recorded
// / mapping lets tests assert that the core asked for the page table it
// / expected.
func (s *Sim) MapCont(vaddr uintptr, paddrs []hal.Pa_t, flags hal.MMUFlags) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]hal.Pa_t, len(paddrs))
	copy(cp, paddrs)
	s.pagetable[vaddr] = cp
	return 0
}

// / UnmapCont implements hal.PageTable.
func (s *Sim) UnmapCont(vaddr uintptr, npages int) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pagetable, vaddr)
	return 0
}

// / Mapped reports what MapCont last recorded for vaddr, for test assertions.
func (s *Sim) Mapped(vaddr uintptr) ([]hal.Pa_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.pagetable[vaddr]
	return pa, ok
}

// / SwitchToKernel implements hal.WorldSwitcher.
func (s *Sim) SwitchToKernel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world != 0 {
		panic("simhal: SwitchToKernel while already in kernel")
	}
	s.world = 1
}

// / SwitchToUser implements hal.WorldSwitcher.
func (s *Sim) SwitchToUser() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world != 1 {
		panic("simhal: SwitchToUser while not in kernel")
	}
	s.world = 0
}

// / Now implements hal.Timer.
func (s *Sim) Now() time.Duration {
	return time.Since(s.boot)
}
