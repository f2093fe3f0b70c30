package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcsgo/rcsd/internal/bus"
	"go.uber.org/zap"
)

func TestTasksWithSameKeyRunInOrder(t *testing.T) {
	p := New(4, bus.New(), zap.NewNop())
	defer p.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		p.Submit("session-1", "append", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.NSEngine, 4)
	defer unsub()

	p := New(1, b, zap.NewNop())
	defer p.Stop()

	p.Submit("s1", "boom", func() { panic("boom") })

	done := make(chan struct{})
	p.Submit("s1", "after", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}

	select {
	case evt := <-events:
		if evt.Kind != EventTaskFailed || evt.ID != "s1" {
			t.Fatalf("unexpected event %v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task_failed event published")
	}
}

func TestSubmitAfterStopIsNoOp(t *testing.T) {
	p := New(2, bus.New(), zap.NewNop())
	p.Stop()
	p.Stop() // idempotent

	var ran atomic.Bool
	p.Submit("s1", "late", func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Error("task ran after Stop")
	}
}

func TestStopWaitsForInFlightTasks(t *testing.T) {
	p := New(2, bus.New(), zap.NewNop())

	var done atomic.Bool
	p.Submit("s1", "slow", func() {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	})
	p.Stop()
	if !done.Load() {
		t.Error("Stop returned before task finished")
	}
}
