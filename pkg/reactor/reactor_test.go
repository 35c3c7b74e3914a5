package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicTimer(t *testing.T) {
	r := New()
	var fired atomic.Int32

	_, err := r.RegisterTimer(NOW, func(eventtime float64) float64 {
		if fired.Add(1) >= 3 {
			return NEVER
		}
		return eventtime + 0.005
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for fired.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timer fired %d times", fired.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestUpdateTimer(t *testing.T) {
	r := New()
	var fired atomic.Int32

	timer, err := r.RegisterTimer(NEVER, func(eventtime float64) float64 {
		fired.Add(1)
		return NEVER
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("timer fired while parked at NEVER")
	}

	r.UpdateTimer(timer, NOW)
	deadline := time.After(time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer did not fire after UpdateTimer")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRegisterAfterClose(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := r.RegisterTimer(NOW, func(float64) float64 { return NEVER }); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
