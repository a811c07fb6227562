// entitlement.go — экземпляр подписки активного субъекта.
//
// EntitlementInstance связывает автомат состояний подписки с наблюдателем срока.
// Экземпляр создаётся при активации субъекта защищённой роли и закрывается
// при смене субъекта или выходе: вместе с ним отменяется наблюдатель,
// поэтому таймер не может изменить состояние уже неактивного субъекта.
//
// Prometheus-метрики:
//   - erp_entitlement_transitions_total — переходы состояния (from, to, source)
//   - erp_entitlement_poll_failures_total — неуспешные опросы подписки
//   - erp_entitlement_stale_responses_total — отброшенные устаревшие ответы
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/entitlement"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

var (
	entitlementTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_entitlement_transitions_total",
		Help: "Переходы состояния подписки",
	}, []string{"from", "to", "source"})

	entitlementPollFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_entitlement_poll_failures_total",
		Help: "Количество неуспешных опросов статуса подписки",
	})

	entitlementStaleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_entitlement_stale_responses_total",
		Help: "Количество отброшенных ответов для неактивного субъекта",
	}, []string{"source"})
)

// Change — результат применения сообщения к состоянию подписки.
type Change struct {
	From      entitlement.Status
	To        entitlement.Status
	Source    entitlement.Source
	WasLocked bool
	Locked    bool
}

// LockFlipped возвращает true, если сообщение изменило предикат блокировки.
func (c Change) LockFlipped() bool {
	return c.WasLocked != c.Locked
}

// EntitlementView — состояние подписки для диагностики.
type EntitlementView struct {
	IdentityID          string                         `json:"identity_id"`
	InstituteID         string                         `json:"institute_id"`
	Status              entitlement.Status             `json:"status"`
	Locked              bool                           `json:"locked"`
	ExpiresAt           *time.Time                     `json:"expires_at,omitempty"`
	WatcherActive       bool                           `json:"watcher_active"`
	ConsecutiveFailures int                            `json:"consecutive_poll_failures"`
	LastPollAt          *time.Time                     `json:"last_poll_at,omitempty"`
	History             []entitlement.TransitionRecord `json:"history"`
}

// EntitlementInstance — подписка учреждения для одного активного субъекта.
type EntitlementInstance struct {
	identityID  string
	instituteID string
	token       string
	tick        time.Duration
	now         func() time.Time
	onChange    func(*EntitlementInstance, Change)
	logger      *slog.Logger

	sm *entitlement.StateMachine

	ctx    context.Context
	cancel context.CancelFunc

	// applyMu упорядочивает переходы вместе с уведомлениями о них
	applyMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	watcher    *ExpiryWatcher
	failures   int
	lastPollAt time.Time
}

// NewEntitlementInstance создаёт экземпляр в состоянии loading.
// onChange вызывается после каждого применённого перехода, последовательно и в порядке переходов;
// из него нельзя вызывать Apply этого же экземпляра.
func NewEntitlementInstance(
	identity *model.Identity,
	tick time.Duration,
	now func() time.Time,
	onChange func(*EntitlementInstance, Change),
	logger *slog.Logger,
) *EntitlementInstance {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EntitlementInstance{
		identityID:  identity.ID,
		instituteID: identity.InstituteID,
		token:       identity.CredentialToken,
		tick:        tick,
		now:         now,
		onChange:    onChange,
		logger: logger.With(
			slog.String("component", "entitlement"),
			slog.String("institute_id", identity.InstituteID),
		),
		sm:     entitlement.NewStateMachine(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// IdentityID возвращает субъекта, которому принадлежит экземпляр.
func (e *EntitlementInstance) IdentityID() string { return e.identityID }

// InstituteID возвращает учреждение подписки.
func (e *EntitlementInstance) InstituteID() string { return e.instituteID }

// Status возвращает текущее состояние.
func (e *EntitlementInstance) Status() entitlement.Status {
	return e.sm.Current()
}

// Locked — производный предикат блокировки.
func (e *EntitlementInstance) Locked() bool {
	return e.sm.Locked()
}

// Apply применяет авторитетное сообщение сервера.
// Для закрытого экземпляра возвращает ErrStaleResponse и ничего не меняет.
// Последнее применённое сообщение определяет состояние независимо от порядка запуска запросов.
func (e *EntitlementInstance) Apply(snap entitlement.Snapshot, source entitlement.Source) (Change, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		entitlementStaleTotal.WithLabelValues(string(source)).Inc()
		return Change{}, ErrStaleResponse
	}

	wasLocked := e.sm.Locked()
	prev, err := e.sm.Apply(snap, source)
	if err != nil {
		e.mu.Unlock()
		return Change{}, err
	}
	if source == entitlement.SourcePoll {
		e.failures = 0
		e.lastPollAt = e.now()
	}

	// Прежний наблюдатель отменяется в любом случае: новый срок (если есть)
	// отслеживает новый наблюдатель
	if e.watcher != nil {
		e.watcher.Cancel()
		e.watcher = nil
	}
	e.mu.Unlock()

	change := Change{From: prev, To: snap.Status, Source: source, WasLocked: wasLocked, Locked: entitlement.IsLocked(snap.Status)}
	e.report(change)

	// Наблюдатель запускается после уведомления о переходе, чтобы переход по часам
	// не мог быть сообщён раньше породившего его сообщения сервера
	if snap.Status == entitlement.StatusActive {
		e.mu.Lock()
		if deadline, ok := e.sm.ExpiresAt(); ok && !e.closed {
			e.watcher = e.startWatcherLocked(deadline)
		}
		e.mu.Unlock()
	}

	return change, nil
}

// RecordPollFailure учитывает неуспешный опрос. Состояние не меняется.
// Возвращает количество неуспешных опросов подряд.
func (e *EntitlementInstance) RecordPollFailure() int {
	entitlementPollFailuresTotal.Inc()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	return e.failures
}

// Closed возвращает true, если экземпляр закрыт.
func (e *EntitlementInstance) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close закрывает экземпляр и отменяет наблюдатель срока. Идемпотентен.
func (e *EntitlementInstance) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	w := e.watcher
	e.watcher = nil
	e.mu.Unlock()

	e.cancel()
	if w != nil {
		w.Stop()
	}
}

// View возвращает состояние для диагностики.
func (e *EntitlementInstance) View() EntitlementView {
	snap := e.sm.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()

	v := EntitlementView{
		IdentityID:          e.identityID,
		InstituteID:         e.instituteID,
		Status:              snap.Status,
		Locked:              entitlement.IsLocked(snap.Status),
		ExpiresAt:           snap.ExpiresAt,
		WatcherActive:       e.watcher != nil,
		ConsecutiveFailures: e.failures,
		History:             e.sm.History(),
	}
	if !e.lastPollAt.IsZero() {
		t := e.lastPollAt
		v.LastPollAt = &t
	}
	return v
}

// watcherRunning — для тестов и диагностики.
func (e *EntitlementInstance) watcherRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watcher != nil
}

// startWatcherLocked запускает наблюдатель, привязанный к контексту экземпляра. Вызывается под e.mu.
func (e *EntitlementInstance) startWatcherLocked(deadline time.Time) *ExpiryWatcher {
	var w *ExpiryWatcher
	w = NewExpiryWatcher(deadline, e.tick, e.now, func() {
		e.expire(w)
	})
	w.Start(e.ctx)
	e.logger.Debug("Наблюдатель срока подписки запущен", slog.Time("expires_at", deadline))
	return w
}

// expire — срабатывание наблюдателя w. Отменённый или заменённый наблюдатель игнорируется.
func (e *EntitlementInstance) expire(w *ExpiryWatcher) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	if e.closed || e.watcher != w {
		e.mu.Unlock()
		return
	}
	e.watcher = nil

	err := e.sm.ExpireIfActive(e.now())
	e.mu.Unlock()

	if err != nil {
		var te *entitlement.TransitionError
		if errors.As(err, &te) {
			e.logger.Debug("Переход по часам не выполнен", slog.String("code", te.Code))
		}
		return
	}

	e.logger.Info("Срок подписки истёк по локальным часам")
	e.report(Change{
		From:      entitlement.StatusActive,
		To:        entitlement.StatusExpired,
		Source:    entitlement.SourceClock,
		WasLocked: false,
		Locked:    true,
	})
}

func (e *EntitlementInstance) report(c Change) {
	entitlementTransitionsTotal.WithLabelValues(string(c.From), string(c.To), string(c.Source)).Inc()
	if c.From != c.To {
		e.logger.Info("Состояние подписки изменено",
			slog.String("from", string(c.From)),
			slog.String("to", string(c.To)),
			slog.String("source", string(c.Source)),
		)
	}
	if e.onChange != nil {
		e.onChange(e, c)
	}
}
