// expiry.go — наблюдатель срока подписки.
//
// Отменяемая запланированная задача, принадлежащая одному экземпляру подписки:
// на каждом тике сравнивает часы со сроком и по его наступлении
// вызывает onExpire ровно один раз, после чего останавливается.
package service

import (
	"context"
	"sync"
	"time"
)

// ExpiryWatcher — тикающий таймер до срока окончания подписки.
type ExpiryWatcher struct {
	deadline time.Time
	tick     time.Duration
	now      func() time.Time
	onExpire func()

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExpiryWatcher создаёт наблюдатель. now == nil — time.Now.
func NewExpiryWatcher(deadline time.Time, tick time.Duration, now func() time.Time, onExpire func()) *ExpiryWatcher {
	if now == nil {
		now = time.Now
	}
	return &ExpiryWatcher{
		deadline: deadline,
		tick:     tick,
		now:      now,
		onExpire: onExpire,
		done:     make(chan struct{}),
	}
}

// Start запускает горутину наблюдателя. Повторные вызовы игнорируются.
// Срок проверяется сразу и затем на каждом тике.
func (w *ExpiryWatcher) Start(ctx context.Context) {
	w.once.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		go w.run(ctx)
	})
}

// Cancel отменяет наблюдатель, не дожидаясь завершения горутины.
func (w *ExpiryWatcher) Cancel() {
	started := true
	w.once.Do(func() {
		started = false
		close(w.done)
	})
	if started {
		w.cancel()
	}
}

// Stop отменяет наблюдатель и ждёт завершения горутины.
// Нельзя вызывать из onExpire.
func (w *ExpiryWatcher) Stop() {
	w.Cancel()
	<-w.done
}

// Done закрывается после завершения наблюдателя (срабатывание или остановка).
func (w *ExpiryWatcher) Done() <-chan struct{} {
	return w.done
}

func (w *ExpiryWatcher) run(ctx context.Context) {
	defer close(w.done)

	if w.due() {
		w.onExpire()
		return
	}

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if w.due() {
				w.onExpire()
				return
			}
		}
	}
}

func (w *ExpiryWatcher) due() bool {
	return !w.now().Before(w.deadline)
}
