package budget_test

import (
	"testing"

	"budget"
)

func TestUnlimitedAlwaysTakes(t *testing.T) {
	p := budget.Unlimited()
	for i := 0; i < 1000; i++ {
		if !p.Take(budget.SiteLoaderStage) {
			t.Fatalf("Unlimited pool refused Take at iteration %d", i)
		}
	}
	if p.Remaining() != -1 {
		t.Fatalf("Remaining() = %d, want -1 for an unlimited pool", p.Remaining())
	}
}

func TestNewPoolExhausts(t *testing.T) {
	p := budget.NewPool(3)
	for i := 0; i < 3; i++ {
		if !p.Take(budget.SiteVmarK2User) {
			t.Fatalf("Take failed before exhaustion at iteration %d", i)
		}
	}
	if p.Take(budget.SiteVmarK2User) {
		t.Fatal("expected Take to fail once the pool is exhausted")
	}
	if p.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", p.Remaining())
	}
	if p.Taken(budget.SiteVmarK2User) != 3 {
		t.Fatalf("Taken() = %d, want 3", p.Taken(budget.SiteVmarK2User))
	}
}

func TestNilPoolIsUnlimited(t *testing.T) {
	var p *budget.Pool
	if !p.Take(budget.SiteLoaderReloc) {
		t.Fatal("a nil *Pool should behave as unlimited")
	}
	if p.Remaining() != -1 {
		t.Fatalf("Remaining() on nil pool = %d, want -1", p.Remaining())
	}
}
