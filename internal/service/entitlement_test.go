package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/entitlement"
)

// changeRecorder собирает изменения, о которых сообщает экземпляр.
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(_ *EntitlementInstance, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) list() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func newTestInstance(t *testing.T, clock *fakeClock, rec *changeRecorder) *EntitlementInstance {
	t.Helper()
	var onChange func(*EntitlementInstance, Change)
	if rec != nil {
		onChange = rec.record
	}
	inst := NewEntitlementInstance(adminIdentity(), 10*time.Millisecond, clock.Now, onChange, testLogger())
	t.Cleanup(inst.Close)
	return inst
}

// TestInstance_LastAppliedWins — состояние равно статусу последнего применённого сообщения.
func TestInstance_LastAppliedWins(t *testing.T) {
	clock := newFakeClock()
	future := clock.Now().Add(24 * time.Hour)

	sequences := [][]struct {
		snap   entitlement.Snapshot
		source entitlement.Source
	}{
		{
			{activeUntil(future), entitlement.SourcePoll},
			{statusOnly(entitlement.StatusDisabled), entitlement.SourcePush},
			{statusOnly(entitlement.StatusGrant), entitlement.SourcePoll},
		},
		{
			{statusOnly(entitlement.StatusExpired), entitlement.SourcePush},
			{activeUntil(future), entitlement.SourcePoll},
		},
		{
			{statusOnly(entitlement.StatusGrant), entitlement.SourcePoll},
			{statusOnly(entitlement.StatusDisabled), entitlement.SourcePush},
			{statusOnly(entitlement.StatusExpired), entitlement.SourcePoll},
			{statusOnly(entitlement.StatusDisabled), entitlement.SourcePush},
		},
	}

	for i, seq := range sequences {
		inst := newTestInstance(t, clock, nil)
		for _, msg := range seq {
			if _, err := inst.Apply(msg.snap, msg.source); err != nil {
				t.Fatalf("последовательность %d: Apply: %v", i, err)
			}
		}
		want := seq[len(seq)-1].snap.Status
		if got := inst.Status(); got != want {
			t.Errorf("последовательность %d: состояние %q, ожидалось %q", i, got, want)
		}
	}
}

func TestInstance_RejectsLoading(t *testing.T) {
	inst := newTestInstance(t, newFakeClock(), nil)
	if _, err := inst.Apply(statusOnly(entitlement.StatusActive), entitlement.SourcePoll); err != nil {
		t.Fatal(err)
	}

	_, err := inst.Apply(statusOnly(entitlement.StatusLoading), entitlement.SourcePoll)
	var te *entitlement.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ожидалась TransitionError, получено %v", err)
	}
	if inst.Status() != entitlement.StatusActive {
		t.Errorf("состояние %q, ожидалось active", inst.Status())
	}
}

// TestInstance_PastDeadlineExpiresOnce — active со сроком в прошлом переходит
// в expired в пределах одного тика ровно один раз.
func TestInstance_PastDeadlineExpiresOnce(t *testing.T) {
	clock := newFakeClock()
	rec := &changeRecorder{}
	inst := newTestInstance(t, clock, rec)

	if _, err := inst.Apply(activeUntil(clock.Now().Add(-time.Second)), entitlement.SourcePoll); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "переход в expired", func() bool {
		return inst.Status() == entitlement.StatusExpired
	})
	time.Sleep(50 * time.Millisecond)

	clockChanges := 0
	for _, c := range rec.list() {
		if c.Source == entitlement.SourceClock {
			clockChanges++
			if !c.LockFlipped() || !c.Locked {
				t.Errorf("переход по часам должен включать блокировку: %+v", c)
			}
		}
	}
	if clockChanges != 1 {
		t.Errorf("переходов по часам: %d, ожидался 1", clockChanges)
	}
	if inst.watcherRunning() {
		t.Error("наблюдатель должен остановиться после срабатывания")
	}
	if !inst.Locked() {
		t.Error("expired должен блокировать")
	}
}

// TestInstance_TerminalStatesIgnoreClock — expired и disabled не меняются по часам.
func TestInstance_TerminalStatesIgnoreClock(t *testing.T) {
	for _, status := range []entitlement.Status{entitlement.StatusExpired, entitlement.StatusDisabled} {
		t.Run(string(status), func(t *testing.T) {
			clock := newFakeClock()
			inst := newTestInstance(t, clock, nil)

			past := clock.Now().Add(-time.Hour)
			snap := entitlement.Snapshot{Status: status, ExpiresAt: &past}
			if _, err := inst.Apply(snap, entitlement.SourcePush); err != nil {
				t.Fatal(err)
			}
			if inst.watcherRunning() {
				t.Fatal("наблюдатель не должен запускаться вне active")
			}

			clock.Advance(48 * time.Hour)
			time.Sleep(50 * time.Millisecond)

			if inst.Status() != status {
				t.Errorf("состояние %q, ожидалось %q", inst.Status(), status)
			}
			if n := len(inst.View().History); n != 1 {
				t.Errorf("переходов %d, ожидался 1", n)
			}
		})
	}
}

// TestInstance_ActiveThenPushDisabled — poll active со сроком T, через 10 минут push disabled:
// итог disabled, наблюдатель остановлен, locked=true.
func TestInstance_ActiveThenPushDisabled(t *testing.T) {
	clock := newFakeClock()
	rec := &changeRecorder{}
	inst := newTestInstance(t, clock, rec)

	if _, err := inst.Apply(activeUntil(clock.Now().Add(30*24*time.Hour)), entitlement.SourcePoll); err != nil {
		t.Fatal(err)
	}
	if !inst.watcherRunning() {
		t.Fatal("наблюдатель должен работать в active со сроком")
	}

	clock.Advance(10 * time.Minute)
	change, err := inst.Apply(statusOnly(entitlement.StatusDisabled), entitlement.SourcePush)
	if err != nil {
		t.Fatal(err)
	}

	if inst.Status() != entitlement.StatusDisabled {
		t.Errorf("состояние %q, ожидалось disabled", inst.Status())
	}
	if inst.watcherRunning() {
		t.Error("наблюдатель должен быть остановлен")
	}
	if !inst.Locked() {
		t.Error("locked должен быть true")
	}
	if !change.LockFlipped() || change.From != entitlement.StatusActive {
		t.Errorf("change = %+v", change)
	}
}

// TestInstance_NewDeadlineReplacesWatcher — новый срок от сервера заменяет наблюдатель.
func TestInstance_NewDeadlineReplacesWatcher(t *testing.T) {
	clock := newFakeClock()
	inst := newTestInstance(t, clock, nil)

	if _, err := inst.Apply(activeUntil(clock.Now().Add(time.Minute)), entitlement.SourcePoll); err != nil {
		t.Fatal(err)
	}
	// Продление подписки
	if _, err := inst.Apply(activeUntil(clock.Now().Add(time.Hour)), entitlement.SourcePush); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if inst.Status() != entitlement.StatusActive {
		t.Fatalf("старый срок не должен срабатывать: состояние %q", inst.Status())
	}

	clock.Advance(time.Hour)
	waitFor(t, "истечение продлённого срока", func() bool {
		return inst.Status() == entitlement.StatusExpired
	})
}

// TestInstance_CloseCancelsWatcher — после закрытия таймер не меняет состояние,
// а ответы сервера отбрасываются как устаревшие.
func TestInstance_CloseCancelsWatcher(t *testing.T) {
	clock := newFakeClock()
	rec := &changeRecorder{}
	inst := newTestInstance(t, clock, rec)

	if _, err := inst.Apply(activeUntil(clock.Now().Add(time.Minute)), entitlement.SourcePoll); err != nil {
		t.Fatal(err)
	}
	inst.Close()
	if inst.watcherRunning() {
		t.Fatal("наблюдатель должен быть отменён")
	}

	clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if inst.Status() != entitlement.StatusActive {
		t.Errorf("закрытый экземпляр изменился: %q", inst.Status())
	}

	if _, err := inst.Apply(statusOnly(entitlement.StatusDisabled), entitlement.SourcePush); !errors.Is(err, ErrStaleResponse) {
		t.Errorf("Apply после Close: ошибка %v, ожидалась ErrStaleResponse", err)
	}
	if n := len(rec.list()); n != 1 {
		t.Errorf("изменений %d, ожидалось 1", n)
	}
}

func TestInstance_PollFailureRetainsState(t *testing.T) {
	clock := newFakeClock()
	inst := newTestInstance(t, clock, nil)

	if _, err := inst.Apply(statusOnly(entitlement.StatusGrant), entitlement.SourcePoll); err != nil {
		t.Fatal(err)
	}
	inst.RecordPollFailure()
	if n := inst.RecordPollFailure(); n != 2 {
		t.Errorf("неуспешных опросов подряд: %d, ожидалось 2", n)
	}
	if inst.Status() != entitlement.StatusGrant {
		t.Errorf("состояние %q, ожидалось grant", inst.Status())
	}

	if _, err := inst.Apply(statusOnly(entitlement.StatusGrant), entitlement.SourcePoll); err != nil {
		t.Fatal(err)
	}
	if v := inst.View(); v.ConsecutiveFailures != 0 || v.LastPollAt == nil {
		t.Errorf("успешный опрос должен сбросить счётчик: %+v", v)
	}
}
