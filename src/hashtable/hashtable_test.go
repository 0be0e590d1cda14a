package hashtable_test

import (
	"sync"
	"testing"

	"hashtable"
)

func TestSetGetDel(t *testing.T) {
	ht := hashtable.MkHash[uint64, string](8)

	if _, ok := ht.Get(uint64(1)); ok {
		t.Fatal("Get on an empty table found something")
	}

	if _, inserted := ht.Set(uint64(1), "one"); !inserted {
		t.Fatal("first Set of a key must report inserted=true")
	}
	if _, inserted := ht.Set(uint64(1), "one-again"); inserted {
		t.Fatal("Set of an existing key must report inserted=false")
	}

	v, ok := ht.Get(uint64(1))
	if !ok || v != "one" {
		t.Fatalf("Get = (%v, %v), want (one, true)", v, ok)
	}

	ht.Del(uint64(1))
	if _, ok := ht.Get(uint64(1)); ok {
		t.Fatal("Get after Del still finds the key")
	}
}

func TestDelOfMissingKeyPanics(t *testing.T) {
	ht := hashtable.MkHash[uint64, string](4)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Del of a non-existing key must panic")
		}
	}()
	ht.Del(uint64(99))
}

func TestSizeAndElems(t *testing.T) {
	ht := hashtable.MkHash[uint64, uint64](4)
	for i := uint64(0); i < 10; i++ {
		ht.Set(i, i*2)
	}
	if ht.Size() != 10 {
		t.Fatalf("Size() = %d, want 10", ht.Size())
	}
	pairs := ht.Elems()
	if len(pairs) != 10 {
		t.Fatalf("len(Elems()) = %d, want 10", len(pairs))
	}
}

func TestConcurrentSetGet(t *testing.T) {
	ht := hashtable.MkHash[uint64, uint64](16)
	var wg sync.WaitGroup
	for i := uint64(0); i < 100; i++ {
		wg.Add(1)
		go func(k uint64) {
			defer wg.Done()
			ht.Set(k, k)
		}(i)
	}
	wg.Wait()
	if ht.Size() != 100 {
		t.Fatalf("Size() after concurrent Set = %d, want 100", ht.Size())
	}
}
