package util_test

import (
	"testing"

	"util"
)

func TestMinMax(t *testing.T) {
	if util.Min(3, 7) != 3 {
		t.Fatal("Min(3, 7) != 3")
	}
	if util.Max(3, 7) != 7 {
		t.Fatal("Max(3, 7) != 7")
	}
}

func TestAligned(t *testing.T) {
	if !util.Aligned(4096, 4096) {
		t.Fatal("Aligned(4096, 4096) should be true")
	}
	if util.Aligned(4097, 4096) {
		t.Fatal("Aligned(4097, 4096) should be false")
	}
}

func TestRounddownRoundup(t *testing.T) {
	if util.Rounddown(uintptr(4097), uintptr(4096)) != 4096 {
		t.Fatal("Rounddown(4097, 4096) != 4096")
	}
	if util.Roundup(uintptr(4097), uintptr(4096)) != 8192 {
		t.Fatal("Roundup(4097, 4096) != 8192")
	}
	if util.Roundup(uintptr(4096), uintptr(4096)) != 4096 {
		t.Fatal("Roundup of an already-aligned value must not add a page")
	}
}

func TestReadnWritenRoundTrip(t *testing.T) {
	buf := make([]uint8, 16)
	util.Writen(buf, 8, 0, 0x1122334455667788)
	if got := util.Readn(buf, 8, 0); got != 0x1122334455667788 {
		t.Fatalf("Readn(8) = %#x, want %#x", got, 0x1122334455667788)
	}

	util.Writen(buf, 4, 8, 0xdeadbeef)
	if got := util.Readn(buf, 4, 8); got != int(uint32(0xdeadbeef)) {
		t.Fatalf("Readn(4) = %#x, want %#x", got, uint32(0xdeadbeef))
	}
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Readn past the buffer should panic")
		}
	}()
	util.Readn(make([]uint8, 4), 8, 0)
}
