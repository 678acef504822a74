package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicFiresUntilCancelled(t *testing.T) {
	var n atomic.Int32
	p := NewPeriodic("test", func(context.Context) { n.Add(1) })
	p.ArmPeriodic(context.Background(), 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.Load() < 3 {
		t.Fatalf("fired %d times, want at least 3", n.Load())
	}
	if armed, iv := p.Armed(); !armed || iv != 5*time.Millisecond {
		t.Errorf("Armed = %v %v", armed, iv)
	}

	p.Cancel()
	time.Sleep(20 * time.Millisecond)
	stopped := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != stopped {
		t.Errorf("timer fired after Cancel: %d -> %d", stopped, n.Load())
	}
	if armed, _ := p.Armed(); armed {
		t.Error("Armed should be false after Cancel")
	}
}

func TestRearmReplacesSchedule(t *testing.T) {
	var n atomic.Int32
	p := NewPeriodic("test", func(context.Context) { n.Add(1) })
	p.ArmPeriodic(context.Background(), time.Hour)
	p.ArmPeriodic(context.Background(), 5*time.Millisecond)
	defer p.Cancel()

	deadline := time.Now().Add(time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.Load() == 0 {
		t.Fatal("re-armed timer never fired")
	}
}

func TestParentContextStopsTimer(t *testing.T) {
	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPeriodic("test", func(context.Context) { n.Add(1) })
	p.ArmPeriodic(ctx, 5*time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	stopped := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != stopped {
		t.Errorf("timer fired after its context ended")
	}
}

func TestStopWaitsForRunningCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once
	p := NewPeriodic("test", func(context.Context) {
		once.Do(func() {
			close(started)
			<-release
			finished.Store(true)
		})
	})
	p.ArmPeriodic(context.Background(), time.Millisecond)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a call was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the call finished")
	}
	if !finished.Load() {
		t.Error("call did not run to completion")
	}
	if armed, _ := p.Armed(); armed {
		t.Error("Armed should be false after Stop")
	}
}
