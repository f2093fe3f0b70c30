package registry

import (
	"sync"
	"testing"
)

func TestPutReplacesEntry(t *testing.T) {
	r := New[int]("test")
	r.Put("a", 1)
	r.Put("a", 2)
	if v, ok := r.Get("a"); !ok || v != 2 {
		t.Errorf("Get = %d/%v, want 2/true", v, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := New[int]("test")
	r.Put("a", 1)
	r.Remove("a")
	r.Remove("a") // absent: no-op
	if _, ok := r.Get("a"); ok {
		t.Error("entry survived Remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestAdmissionCapAndRelease(t *testing.T) {
	a := NewAdmission(2, 1)

	r1, ok := a.ReserveChat()
	if !ok {
		t.Fatal("first reserve should succeed")
	}
	_, ok = a.ReserveChat()
	if !ok {
		t.Fatal("second reserve should succeed")
	}
	if _, ok := a.ReserveChat(); ok {
		t.Fatal("third reserve should hit cap")
	}

	r1()
	r1() // release is idempotent
	if a.ChatSessions() != 1 {
		t.Errorf("ChatSessions = %d after one release, want 1", a.ChatSessions())
	}
	if _, ok := a.ReserveChat(); !ok {
		t.Fatal("reserve after release should succeed")
	}
}

func TestAdmissionConcurrentNeverExceedsCap(t *testing.T) {
	const maxSlots = 3
	a := NewAdmission(99, maxSlots)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := a.ReserveTransfer(); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != maxSlots {
		t.Errorf("granted = %d, want exactly %d", granted, maxSlots)
	}
	if a.Transfers() != maxSlots {
		t.Errorf("Transfers = %d, want %d", a.Transfers(), maxSlots)
	}
}
