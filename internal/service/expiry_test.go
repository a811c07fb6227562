package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestExpiryWatcher_PastDeadlineFiresOnce(t *testing.T) {
	clock := newFakeClock()
	var fired atomic.Int32

	w := NewExpiryWatcher(clock.Now().Add(-time.Second), 20*time.Millisecond, clock.Now, func() {
		fired.Add(1)
	})
	w.Start(context.Background())

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("наблюдатель не сработал для прошедшего срока")
	}

	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("onExpire вызван %d раз, ожидался 1", n)
	}
	w.Stop()
}

func TestExpiryWatcher_FiresOnTickAfterDeadline(t *testing.T) {
	clock := newFakeClock()
	var fired atomic.Int32

	w := NewExpiryWatcher(clock.Now().Add(time.Hour), 10*time.Millisecond, clock.Now, func() {
		fired.Add(1)
	})
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("наблюдатель не должен срабатывать до срока")
	}

	clock.Advance(time.Hour)
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("наблюдатель не сработал после наступления срока")
	}
	if n := fired.Load(); n != 1 {
		t.Errorf("onExpire вызван %d раз, ожидался 1", n)
	}
}

func TestExpiryWatcher_StopCancels(t *testing.T) {
	clock := newFakeClock()
	var fired atomic.Int32

	w := NewExpiryWatcher(clock.Now().Add(time.Minute), 10*time.Millisecond, clock.Now, func() {
		fired.Add(1)
	})
	w.Start(context.Background())
	w.Stop()

	clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("остановленный наблюдатель не должен срабатывать")
	}
}

func TestExpiryWatcher_StopBeforeStart(t *testing.T) {
	w := NewExpiryWatcher(time.Now(), time.Millisecond, nil, func() {
		t.Error("onExpire не должен вызываться")
	})
	w.Stop()
	w.Start(context.Background())

	select {
	case <-w.Done():
	default:
		t.Error("Done должен быть закрыт после Stop")
	}
}

func TestExpiryWatcher_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewExpiryWatcher(time.Now().Add(time.Hour), 10*time.Millisecond, nil, func() {
		t.Error("onExpire не должен вызываться")
	})
	w.Start(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("наблюдатель не остановился при отмене контекста")
	}
}
