package orchestrator

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 3)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		got, ok := b.Next()
		if !ok || got != w {
			t.Errorf("Next() #%d = %s, %v; want %s, true", i+1, got, ok, w)
		}
	}
	if _, ok := b.Next(); ok {
		t.Error("Next() should be exhausted after 3 retries")
	}
	if b.Attempt() != 3 {
		t.Errorf("Attempt() = %d, want 3", b.Attempt())
	}
}

func TestDebouncer_Coalesces(t *testing.T) {
	var calls int32
	d := NewDebouncer(30*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	if !d.Pending() {
		t.Error("Pending() should be true right after Trigger()")
	}

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
	if d.Pending() {
		t.Error("Pending() should be false after firing")
	}
}

func TestDebouncer_StopCancels(t *testing.T) {
	var calls int32
	d := NewDebouncer(20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	d.Trigger()
	d.Stop()
	d.Trigger()

	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("fn called %d times after Stop(), want 0", got)
	}
}

func TestSharedState(t *testing.T) {
	s := NewSharedState()
	if s.ResolutionInProgress() {
		t.Error("new state should be clear")
	}
	s.SetDialogOpen(true)
	if !s.ResolutionInProgress() {
		t.Error("open dialog should count as resolution in progress")
	}
	s.SetDialogOpen(false)
	s.setUnresolvedConflict(true)
	if !s.ResolutionInProgress() || !s.UnresolvedConflict() {
		t.Error("unresolved conflict should count as resolution in progress")
	}
}
