package diag_test

import (
	"strings"
	"testing"

	"diag"
)

func TestCaptureStackIncludesThisFrame(t *testing.T) {
	s := diag.CaptureStack(0)
	if !strings.Contains(s, "diag_test.go") {
		t.Fatalf("CaptureStack(0) = %q, want it to mention this test file", s)
	}
}

func TestDistinctCallerDisabledByDefault(t *testing.T) {
	var dc diag.DistinctCaller
	ok, _ := dc.Distinct()
	if ok {
		t.Fatal("Distinct must report false while Enabled is false")
	}
}

func TestDistinctCallerReportsOnceThenSuppresses(t *testing.T) {
	dc := diag.DistinctCaller{Enabled: true}

	first, trace := reportOnce(&dc)
	if !first {
		t.Fatal("first call from a new chain must report true")
	}
	if trace == "" {
		t.Fatal("first report must include a non-empty trace")
	}

	second, _ := reportOnce(&dc)
	if second {
		t.Fatal("a repeated call from the same chain must not report true again")
	}
	if dc.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", dc.Len())
	}
}

func reportOnce(dc *diag.DistinctCaller) (bool, string) {
	return dc.Distinct()
}
