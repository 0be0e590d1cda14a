package bti_test

import (
	"testing"

	"bti"
	"errs"
	"hal"
	"rights"
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

// TestPinRejectsCompressContiguous is spec.md §8 scenario 5: COMPRESS and
// CONTIGUOUS together is always INVALID_ARGS regardless of the target VMO.
func TestPinRejectsCompressContiguous(t *testing.T) {
	sim := newSim(t, 16)
	b, err := bti.New("test-bti")
	if err != 0 {
		t.Fatalf("bti.New: %v", err)
	}
	defer b.Close()

	v := vmo.New(sim, sim, 1, false)
	have := rights.Map | rights.Read | rights.Write

	if _, err := b.Pin(v, 0, hal.PageSize, bti.Compress|bti.Contiguous, have); err != errs.EINVAL {
		t.Fatalf("Pin(COMPRESS|CONTIGUOUS) = %v, want INVALID_ARGS", err)
	}
}

func TestPinRequiresMapRight(t *testing.T) {
	sim := newSim(t, 16)
	b, _ := bti.New("test-bti")
	defer b.Close()

	v := vmo.New(sim, sim, 1, false)
	if _, err := b.Pin(v, 0, hal.PageSize, bti.PermRead, rights.Read); err != errs.EACCESSDENIED {
		t.Fatalf("Pin without MAP right = %v, want ACCESS_DENIED", err)
	}
}

func TestPinContiguousRequiresPhysical(t *testing.T) {
	sim := newSim(t, 16)
	b, _ := bti.New("test-bti")
	defer b.Close()

	paged := vmo.New(sim, sim, 1, false)
	have := rights.Map | rights.Read | rights.Write
	if _, err := b.Pin(paged, 0, hal.PageSize, bti.Contiguous, have); err != errs.ENOTSUPPORTED {
		t.Fatalf("Pin(CONTIGUOUS) on a paged VMO = %v, want NOT_SUPPORTED", err)
	}

	phys := vmo.NewPhysical(sim, 4*hal.PageSize, 1)
	pmt, err := b.Pin(phys, 0, hal.PageSize, bti.Contiguous, have)
	if err != 0 {
		t.Fatalf("Pin(CONTIGUOUS) on a physical VMO: %v", err)
	}
	if len(pmt.DeviceAddrs) != 1 {
		t.Fatalf("DeviceAddrs = %v, want 1 entry", pmt.DeviceAddrs)
	}
	pmt.Unpin()
	pmt.Unpin() // must be idempotent
}

func TestPinRejectsUnalignedRange(t *testing.T) {
	sim := newSim(t, 16)
	b, _ := bti.New("test-bti")
	defer b.Close()

	v := vmo.New(sim, sim, 1, false)
	have := rights.Map | rights.Read
	if _, err := b.Pin(v, 1, hal.PageSize, bti.PermRead, have); err != errs.EINVAL {
		t.Fatalf("Pin at an unaligned offset = %v, want INVALID_ARGS", err)
	}
}

func TestPinCommitsEveryPage(t *testing.T) {
	sim := newSim(t, 16)
	b, _ := bti.New("test-bti")
	defer b.Close()

	v := vmo.New(sim, sim, 3, false)
	have := rights.Map | rights.Read
	pmt, err := b.Pin(v, 0, 3*hal.PageSize, bti.PermRead, have)
	if err != 0 {
		t.Fatalf("Pin: %v", err)
	}
	if len(pmt.DeviceAddrs) != 3 {
		t.Fatalf("DeviceAddrs = %d entries, want 3", len(pmt.DeviceAddrs))
	}
	if v.CommittedBytes() != 3*hal.PageSize {
		t.Fatalf("CommittedBytes = %d, want %d", v.CommittedBytes(), 3*hal.PageSize)
	}
}

func TestBtiCloseIdempotent(t *testing.T) {
	b, err := bti.New("close-test")
	if err != 0 {
		t.Fatalf("bti.New: %v", err)
	}
	b.Close()
	b.Close() // must not panic or double-release the ceiling quantum
}
