package vmo_test

import (
	"bytes"
	"testing"

	"errs"
	"hal"
	"simhal"
	"vmo"
)

func newSim(t *testing.T, pages int) *simhal.Sim {
	t.Helper()
	sim, err := simhal.New(pages)
	if err != nil {
		t.Fatalf("simhal.New: %v", err)
	}
	t.Cleanup(func() { sim.Close() })
	return sim
}

// TestPagedRoundTrip is spec.md §8 scenario 1: create a paged VMO of 2
// pages, write 4 bytes, read them back, and confirm exactly one page of
// committed_bytes.
func TestPagedRoundTrip(t *testing.T) {
	sim := newSim(t, 16)
	v := vmo.New(sim, sim, 2, false)

	want := []byte{0, 1, 2, 3}
	if err := v.Write(0, want); err != 0 {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if err := v.Read(0, got); err != 0 {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %v, want %v", got, want)
	}
	if v.CommittedBytes() != hal.PageSize {
		t.Fatalf("CommittedBytes = %d, want %d", v.CommittedBytes(), hal.PageSize)
	}
}

// TestCommitDecommitZeroes is the round-trip law: commit, decommit, then
// read yields all zeros.
func TestCommitDecommitZeroes(t *testing.T) {
	sim := newSim(t, 16)
	v := vmo.New(sim, sim, 2, false)

	if err := v.Write(0, []byte{1, 2, 3, 4}); err != 0 {
		t.Fatalf("Write: %v", err)
	}
	if err := v.Commit(0, hal.PageSize); err != 0 {
		t.Fatalf("Commit: %v", err)
	}
	if err := v.Decommit(0, hal.PageSize); err != 0 {
		t.Fatalf("Decommit: %v", err)
	}
	got := make([]byte, 4)
	if err := v.Read(0, got); err != 0 {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Fatalf("Read after decommit = %v, want zeros", got)
	}
	if v.CommittedBytes() != 0 {
		t.Fatalf("CommittedBytes after decommit = %d, want 0", v.CommittedBytes())
	}
}

// TestChildSnapshot is spec.md §8 scenario 2: a child observes the
// parent's content at creation time, and a subsequent parent write is not
// visible to the child.
func TestChildSnapshot(t *testing.T) {
	sim := newSim(t, 16)
	parent := vmo.New(sim, sim, 4, false)

	if err := parent.Write(16, []byte{0xAB}); err != 0 {
		t.Fatalf("parent Write: %v", err)
	}

	child, err := parent.CreateChild(0, hal.PageSize)
	if err != 0 {
		t.Fatalf("CreateChild: %v", err)
	}
	if parent.NumChildren() != 1 {
		t.Fatalf("NumChildren = %d, want 1", parent.NumChildren())
	}

	got := make([]byte, 1)
	if err := child.Read(16, got); err != 0 {
		t.Fatalf("child Read: %v", err)
	}
	if got[0] != 0xAB {
		t.Fatalf("child Read = %#x, want 0xab", got[0])
	}

	if err := parent.Write(16, []byte{0xCD}); err != 0 {
		t.Fatalf("parent Write 2: %v", err)
	}
	if err := child.Read(16, got); err != 0 {
		t.Fatalf("child Read 2: %v", err)
	}
	if got[0] != 0xAB {
		t.Fatalf("child Read after parent write = %#x, want 0xab (snapshot-at-creation)", got[0])
	}
}

func TestReadWriteBoundsInvalidArgs(t *testing.T) {
	sim := newSim(t, 16)
	v := vmo.New(sim, sim, 1, false)

	buf := make([]byte, hal.PageSize)
	if err := v.Read(0, buf); err != 0 {
		t.Fatalf("Read at exact length: %v", err)
	}
	over := make([]byte, hal.PageSize+1)
	if err := v.Read(0, over); err != errs.EINVAL {
		t.Fatalf("Read past length = %v, want INVALID_ARGS", err)
	}
	if err := v.Write(1, buf); err != errs.EINVAL {
		t.Fatalf("Write past length = %v, want INVALID_ARGS", err)
	}
}

func TestSetLenRequiresResizable(t *testing.T) {
	sim := newSim(t, 16)
	v := vmo.New(sim, sim, 1, false)
	if err := v.SetLen(2 * hal.PageSize); err != errs.ENOTSUPPORTED {
		t.Fatalf("SetLen on non-resizable VMO = %v, want NOT_SUPPORTED", err)
	}

	r := vmo.New(sim, sim, 1, true)
	if err := r.SetLen(2 * hal.PageSize); err != 0 {
		t.Fatalf("SetLen on resizable VMO: %v", err)
	}
	if r.PageCount() != 2 {
		t.Fatalf("PageCount after grow = %d, want 2", r.PageCount())
	}
}

func TestPhysicalNotSupportedOps(t *testing.T) {
	sim := newSim(t, 16)
	p := vmo.NewPhysical(sim, 0, 4)

	if err := p.SetLen(hal.PageSize); err != errs.ENOTSUPPORTED {
		t.Fatalf("Physical SetLen = %v, want NOT_SUPPORTED", err)
	}
	if err := p.Commit(0, hal.PageSize); err != errs.ENOTSUPPORTED {
		t.Fatalf("Physical Commit = %v, want NOT_SUPPORTED", err)
	}
	if err := p.Decommit(0, hal.PageSize); err != errs.ENOTSUPPORTED {
		t.Fatalf("Physical Decommit = %v, want NOT_SUPPORTED", err)
	}
	if _, err := p.CreateChild(0, hal.PageSize); err != errs.ENOTSUPPORTED {
		t.Fatalf("Physical CreateChild = %v, want NOT_SUPPORTED", err)
	}
}

func TestPhysicalReadWriteAtFixedAddress(t *testing.T) {
	sim := newSim(t, 16)
	base := hal.Pa_t(4 * hal.PageSize)
	p := vmo.NewPhysical(sim, base, 2)

	if err := p.Write(0, []byte{9, 9}); err != 0 {
		t.Fatalf("Write: %v", err)
	}
	direct := sim.Bytes(base, 2)
	if direct[0] != 9 || direct[1] != 9 {
		t.Fatalf("Physical write did not land at its fixed paddr: %v", direct)
	}
}

// TestInfoReportsSnapshot exercises the ZxInfoVmo-style introspection
// snapshot: committed bytes, child/mapping counts, and parent koid must
// all agree with what CreateChild and Write just did.
func TestInfoReportsSnapshot(t *testing.T) {
	sim := newSim(t, 16)
	parent := vmo.New(sim, sim, 2, false)

	if err := parent.Write(0, []byte{1, 2, 3, 4}); err != 0 {
		t.Fatalf("Write: %v", err)
	}
	child, err := parent.CreateChild(0, hal.PageSize)
	if err != 0 {
		t.Fatalf("CreateChild: %v", err)
	}

	pinfo := parent.Info()
	if pinfo.Koid != parent.Koid() {
		t.Fatalf("Info.Koid = %d, want %d", pinfo.Koid, parent.Koid())
	}
	if pinfo.Size != 2*hal.PageSize {
		t.Fatalf("Info.Size = %d, want %d", pinfo.Size, 2*hal.PageSize)
	}
	if pinfo.NumChildren != 1 {
		t.Fatalf("Info.NumChildren = %d, want 1", pinfo.NumChildren)
	}
	if pinfo.CommittedBytes != hal.PageSize {
		t.Fatalf("Info.CommittedBytes = %d, want %d", pinfo.CommittedBytes, hal.PageSize)
	}
	if pinfo.IsCowClone {
		t.Fatal("root VMO must not report IsCowClone")
	}

	cinfo := child.Info()
	if cinfo.ParentKoid != parent.Koid() {
		t.Fatalf("child Info.ParentKoid = %d, want %d", cinfo.ParentKoid, parent.Koid())
	}
	if !cinfo.IsCowClone {
		t.Fatal("child VMO must report IsCowClone")
	}
}

func TestCommitPageIdempotent(t *testing.T) {
	sim := newSim(t, 16)
	v := vmo.New(sim, sim, 1, false)

	pa1, err := v.CommitPage(0)
	if err != 0 {
		t.Fatalf("CommitPage: %v", err)
	}
	pa2, err := v.CommitPage(0)
	if err != 0 {
		t.Fatalf("CommitPage again: %v", err)
	}
	if pa1 != pa2 {
		t.Fatalf("CommitPage not idempotent: %#x then %#x", pa1, pa2)
	}
}
