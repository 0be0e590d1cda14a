package accnt_test

import (
	"testing"
	"time"

	"accnt"
)

func TestUtaddSystadd(t *testing.T) {
	var a accnt.Accnt_t
	a.Utadd(100)
	a.Systadd(50)
	if a.Userns != 100 {
		t.Fatalf("Userns = %d, want 100", a.Userns)
	}
	if a.Sysns != 50 {
		t.Fatalf("Sysns = %d, want 50", a.Sysns)
	}
}

func TestAddMergesCounters(t *testing.T) {
	var a, b accnt.Accnt_t
	a.Utadd(10)
	a.Systadd(5)
	b.Utadd(20)
	b.Systadd(7)

	a.Add(&b)
	if a.Userns != 30 {
		t.Fatalf("Userns after Add = %d, want 30", a.Userns)
	}
	if a.Sysns != 12 {
		t.Fatalf("Sysns after Add = %d, want 12", a.Sysns)
	}
}

func TestUsageReportsCurrentCounters(t *testing.T) {
	var a accnt.Accnt_t
	a.Utadd(int64(3 * time.Second))
	a.Systadd(int64(2 * time.Second))

	u := a.Usage()
	if u.User != 3*time.Second {
		t.Fatalf("Usage().User = %v, want 3s", u.User)
	}
	if u.Sys != 2*time.Second {
		t.Fatalf("Usage().Sys = %v, want 2s", u.Sys)
	}
}

func TestFinishAddsElapsedSystemTime(t *testing.T) {
	var a accnt.Accnt_t
	start := time.Now().UnixNano()
	a.Finish(start)
	if a.Sysns < 0 {
		t.Fatalf("Sysns after Finish = %d, want >= 0", a.Sysns)
	}
}
