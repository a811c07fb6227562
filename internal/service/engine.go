// engine.go — корневая композиция движка синхронизации.
//
// Engine владеет:
//   - менеджером учётных записей и локальным хранилищем;
//   - единственным real-time каналом (создаётся при появлении активного субъекта,
//     закрывается при выходе из всех учётных записей);
//   - экземпляром подписки активного субъекта (только для защищённых ролей);
//   - диспетчером уведомлений и лентой;
//   - необязательным периодическим опросом подписки.
//
// Экраны получают Capability — роль, учреждение и предикат блокировки —
// вместо собственной копии логики подписки.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apra1107-crypto/erp-sub003/internal/channel"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/entitlement"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/rooms"
)

// Channel — real-time канал, которым управляет движок.
type Channel interface {
	EventRegistrar
	SetRoomSource(src channel.RoomSource)
	Connect(ctx context.Context) error
	Close()
	Resync()
	ResetIntents()
	Connected() bool
	JoinedRooms() []model.Room
}

// ChannelFactory создаёт новый канал. Вызывается при каждом входе после выхода.
type ChannelFactory func() Channel

// EngineConfig — параметры движка.
type EngineConfig struct {
	// ExpiryTick — интервал тика наблюдателя срока подписки
	ExpiryTick time.Duration
	// PollInterval — интервал периодического опроса подписки (0 — только по запросу)
	PollInterval time.Duration
	// Now — источник времени (nil — time.Now)
	Now func() time.Time
}

// Engine — движок синхронизации сессии и подписки.
type Engine struct {
	cfg        EngineConfig
	session    *SessionManager
	backend    Backend
	feed       *Feed
	dispatcher *Dispatcher
	newChannel ChannelFactory
	logger     *slog.Logger

	// identity читается источником комнат канала без блокировки движка
	identity atomic.Pointer[model.Identity]

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	ch        Channel
	ent       *EntitlementInstance
	listeners map[uint64]func(locked bool)
	nextID    uint64
	// closed — после Close новые канал, подписка и горутины не создаются
	closed bool

	wg sync.WaitGroup
}

// NewEngine создаёт движок. alerter может быть nil.
func NewEngine(
	cfg EngineConfig,
	session *SessionManager,
	backend Backend,
	newChannel ChannelFactory,
	alerter Alerter,
	logger *slog.Logger,
) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ExpiryTick <= 0 {
		cfg.ExpiryTick = time.Second
	}

	e := &Engine{
		cfg:        cfg,
		session:    session,
		backend:    backend,
		feed:       NewFeed(cfg.Now),
		newChannel: newChannel,
		logger:     logger.With(slog.String("component", "engine")),
		listeners:  make(map[uint64]func(bool)),
	}
	e.dispatcher = NewDispatcher(e.feed, alerter, e.activeRole, e, logger)
	session.OnChange(e.identityChanged)
	return e
}

// Start восстанавливает сессию, подключает канал и запускает периодический опрос.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	if !e.session.Resume(runCtx) {
		e.logger.Info("Сохранённой сессии нет, ожидается вход")
	}

	if e.cfg.PollInterval > 0 && e.track() {
		go e.pollLoop(runCtx)
	}
}

// Close останавливает опрос, закрывает подписку и канал.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	cancel := e.cancel
	ent, ch := e.ent, e.ch
	e.ent, e.ch = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ent != nil {
		ent.Close()
	}
	if ch != nil {
		ch.Close()
	}
	e.wg.Wait()
	e.logger.Info("Движок синхронизации остановлен")
}

// Session возвращает менеджер учётных записей.
func (e *Engine) Session() *SessionManager { return e.session }

// Feed возвращает ленту уведомлений.
func (e *Engine) Feed() *Feed { return e.feed }

// Identity возвращает активного субъекта.
func (e *Engine) Identity() (*model.Identity, bool) {
	return e.session.Active()
}

// Rooms возвращает набор комнат для активного субъекта.
func (e *Engine) Rooms() []model.Room {
	return rooms.Resolve(e.identity.Load())
}

// ChannelState возвращает состояние канала и присоединённые комнаты.
func (e *Engine) ChannelState() (connected bool, joined []model.Room) {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	if ch == nil {
		return false, nil
	}
	return ch.Connected(), ch.JoinedRooms()
}

// Locked — предикат блокировки для активного субъекта.
// Учащиеся и сессия без субъекта не блокируются.
func (e *Engine) Locked() bool {
	e.mu.Lock()
	ent := e.ent
	e.mu.Unlock()
	return ent != nil && ent.Locked()
}

// Gate проверяет, разрешено ли защищённое действие.
func (e *Engine) Gate(action string) error {
	if _, ok := e.session.Active(); !ok {
		return ErrNoActiveIdentity
	}
	if e.Locked() {
		return fmt.Errorf("%w: %s", ErrLocked, action)
	}
	return nil
}

// Entitlement возвращает состояние подписки активного субъекта.
func (e *Engine) Entitlement() (EntitlementView, bool) {
	e.mu.Lock()
	ent := e.ent
	e.mu.Unlock()
	if ent == nil {
		return EntitlementView{}, false
	}
	return ent.View(), true
}

// RefreshEntitlement опрашивает статус подписки (при фокусе экрана или обновлении).
// Ошибка сети сохраняет последнее известное состояние.
// Ответ, пришедший после смены субъекта, отбрасывается (ErrStaleResponse).
func (e *Engine) RefreshEntitlement(ctx context.Context) error {
	e.mu.Lock()
	ent := e.ent
	e.mu.Unlock()

	if ent == nil {
		if _, ok := e.session.Active(); !ok {
			return ErrNoActiveIdentity
		}
		return nil // роль без подписки
	}
	return e.poll(ctx, ent)
}

// ApplyPush применяет push-изменение подписки к экземпляру активного субъекта.
func (e *Engine) ApplyPush(snap entitlement.Snapshot) (Change, error) {
	e.mu.Lock()
	ent := e.ent
	e.mu.Unlock()

	if ent == nil {
		e.logger.Debug("subscription_update без экземпляра подписки проигнорирован")
		return Change{}, nil
	}
	return ent.Apply(snap, entitlement.SourcePush)
}

// Capability возвращает возможности активного субъекта для защищённых экранов.
func (e *Engine) Capability() (*Capability, bool) {
	identity, ok := e.session.Active()
	if !ok {
		return nil, false
	}
	return &Capability{
		Role:        identity.Role,
		InstituteID: identity.InstituteID,
		engine:      e,
	}, true
}

// poll выполняет один опрос для экземпляра ent.
func (e *Engine) poll(ctx context.Context, ent *EntitlementInstance) error {
	snap, err := e.backend.SubscriptionStatus(ctx, ent.token, ent.InstituteID())
	if err != nil {
		if ent.Closed() {
			return ErrStaleResponse
		}
		failures := ent.RecordPollFailure()
		e.logger.Warn("Опрос подписки не выполнен, сохранено последнее состояние",
			slog.String("status", string(ent.Status())),
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}

	if _, err := ent.Apply(snap, entitlement.SourcePoll); err != nil {
		if errors.Is(err, ErrStaleResponse) {
			e.logger.Debug("Ответ опроса для неактивного субъекта отброшен",
				slog.String("identity_id", ent.IdentityID()),
			)
		}
		return err
	}
	return nil
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshEntitlement(ctx); err != nil &&
				!errors.Is(err, ErrNoActiveIdentity) && !errors.Is(err, ErrStaleResponse) {
				e.logger.Debug("Периодический опрос подписки", slog.String("error", err.Error()))
			}
		}
	}
}

// identityChanged — реакция на смену или обновление активного субъекта.
func (e *Engine) identityChanged(prev, next *model.Identity) {
	e.identity.Store(next)

	if next == nil {
		e.teardown()
		return
	}

	sameIdentity := prev != nil && prev.ID == next.ID && prev.Role == next.Role
	sameInstitute := sameIdentity && prev.InstituteID == next.InstituteID && prev.CredentialToken == next.CredentialToken

	e.mu.Lock()
	var stale *EntitlementInstance
	var fresh *EntitlementInstance
	if !sameInstitute {
		stale = e.ent
		e.ent = nil
		if next.Role.Gated() && !e.closed {
			fresh = NewEntitlementInstance(next, e.cfg.ExpiryTick, e.cfg.Now, e.entitlementChanged, e.logger)
			e.ent = fresh
		}
	}
	ch, created := e.ensureChannelLocked()
	runCtx := e.ctx
	e.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	if ch != nil {
		if !sameIdentity {
			ch.ResetIntents()
		}
		if created {
			if err := ch.Connect(runCtx); err != nil {
				e.logger.Error("Не удалось запустить канал", slog.String("error", err.Error()))
			}
		} else {
			ch.Resync()
		}
	}

	if fresh != nil && runCtx != nil && e.track() {
		go func() {
			defer e.wg.Done()
			if err := e.poll(runCtx, fresh); err != nil && !errors.Is(err, ErrStaleResponse) {
				e.logger.Warn("Первый опрос подписки не выполнен", slog.String("error", err.Error()))
			}
		}()
	}

	if stale != nil || fresh != nil {
		e.notifyListeners(e.Locked())
	}
}

// ensureChannelLocked создаёт канал, если его нет. Вызывается под e.mu.
// Канал не создаётся до Start.
func (e *Engine) ensureChannelLocked() (Channel, bool) {
	if e.ch != nil {
		return e.ch, false
	}
	if e.ctx == nil || e.newChannel == nil || e.closed {
		return nil, false
	}
	ch := e.newChannel()
	e.dispatcher.Register(ch)
	ch.SetRoomSource(e.Rooms)
	e.ch = ch
	return ch, true
}

// track регистрирует фоновую горутину, если движок ещё не закрыт.
// Add выполняется под e.mu, поэтому не может произойти после начала Wait в Close.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// teardown закрывает подписку и канал после выхода из всех учётных записей.
func (e *Engine) teardown() {
	e.mu.Lock()
	ent, ch := e.ent, e.ch
	e.ent, e.ch = nil, nil
	e.mu.Unlock()

	if ent != nil {
		ent.Close()
	}
	if ch != nil {
		ch.Close()
	}
	e.feed.Clear()
	e.notifyListeners(false)
}

// entitlementChanged вызывается экземпляром подписки после перехода.
func (e *Engine) entitlementChanged(ent *EntitlementInstance, c Change) {
	e.mu.Lock()
	current := e.ent == ent
	e.mu.Unlock()

	if current && c.LockFlipped() {
		e.notifyListeners(c.Locked)
	}
}

// notifyListeners сообщает подписчикам Capability текущее значение блокировки.
func (e *Engine) notifyListeners(locked bool) {
	e.mu.Lock()
	fns := make([]func(bool), 0, len(e.listeners))
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(locked)
	}
}

func (e *Engine) subscribe(fn func(bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) activeRole() model.Role {
	if identity := e.identity.Load(); identity != nil {
		return identity.Role
	}
	return ""
}

// Capability — то, что защищённый экран знает о сессии: роль, учреждение и блокировку.
type Capability struct {
	Role        model.Role
	InstituteID string

	engine *Engine
}

// Locked возвращает текущее значение предиката блокировки.
func (c *Capability) Locked() bool {
	return c.engine.Locked()
}

// OnLocked подписывает fn на изменения блокировки. Возвращает функцию отписки.
func (c *Capability) OnLocked(fn func(locked bool)) (unsubscribe func()) {
	return c.engine.subscribe(fn)
}
