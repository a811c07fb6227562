// session.go — менеджер нескольких учётных записей на устройстве.
//
// Переключение на учётную запись с сохранённым токеном выполняется сразу,
// без обращения к сети. Учётная запись, обнаруженная на backend, но не
// подтверждённая на этом устройстве, требует кода доступа (Verify).
// Неуспешное подтверждение не меняет активную сессию.
//
// Каждая смена активного субъекта увеличивает поколение сессии: ответ на запрос,
// запущенный в другом поколении, считается устаревшим и отбрасывается.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apra1107-crypto/erp-sub003/internal/apiclient"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/entitlement"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
	"github.com/apra1107-crypto/erp-sub003/internal/store"
)

var sessionOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "erp_session_operations_total",
	Help: "Операции менеджера учётных записей",
}, []string{"operation", "result"})

// Backend — request/response API, используемое движком.
type Backend interface {
	SubscriptionStatus(ctx context.Context, token, instituteID string) (entitlement.Snapshot, error)
	VerifyCode(ctx context.Context, role model.Role, token, identityID, code string) (*model.Identity, error)
	Login(ctx context.Context, role model.Role, identifier, secret string) (*model.Identity, error)
	Accounts(ctx context.Context, role model.Role, token string) ([]model.KnownAccountEntry, error)
	Profile(ctx context.Context, role model.Role, token string) (*model.Identity, error)
}

// IdentityChangeFunc вызывается после смены или обновления активного субъекта,
// последовательно и в порядке смен. next == nil — выход из всех учётных записей.
// Из обработчика нельзя менять активного субъекта.
type IdentityChangeFunc func(prev, next *model.Identity)

// Account — учётная запись для экрана переключения (без токена).
type Account struct {
	model.KnownAccountEntry
	// Verified — на устройстве есть токен, переключение без кода
	Verified bool `json:"verified"`
	// Active — текущая активная учётная запись
	Active bool `json:"active"`
}

// SessionManager — менеджер активного субъекта и известных учётных записей.
type SessionManager struct {
	store    *store.IdentityStore
	backend  Backend
	roster   *RosterCache
	now      func() time.Time
	logger   *slog.Logger
	onChange IdentityChangeFunc

	// changeMu удерживается от смены активного субъекта до возврата из onChange:
	// обработчик получает смены строго в порядке их применения
	changeMu sync.Mutex

	mu         sync.Mutex
	active     *model.Identity
	generation uint64
}

// NewSessionManager создаёт менеджер. now == nil — time.Now.
func NewSessionManager(
	identityStore *store.IdentityStore,
	backend Backend,
	roster *RosterCache,
	now func() time.Time,
	logger *slog.Logger,
) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		store:   identityStore,
		backend: backend,
		roster:  roster,
		now:     now,
		logger:  logger.With(slog.String("component", "session")),
	}
}

// OnChange задаёт обработчик смены субъекта. Вызывать до первой активации.
func (s *SessionManager) OnChange(fn IdentityChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Active возвращает копию активного субъекта.
func (s *SessionManager) Active() (*model.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, false
	}
	identity := *s.active
	return &identity, true
}

// Resume восстанавливает активного субъекта из хранилища при старте.
// Повреждённые или отсутствующие данные — не ошибка: сессия остаётся пустой.
func (s *SessionManager) Resume(_ context.Context) bool {
	role, ok := s.store.ActiveRole()
	if !ok {
		return false
	}
	identity, ok := s.store.ActiveIdentity(role)
	if !ok {
		return false
	}

	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	prev := s.swapLocked(identity)
	s.mu.Unlock()

	s.logger.Info("Сессия восстановлена",
		slog.String("role", string(identity.Role)),
		slog.String("identity_id", identity.ID),
	)
	s.notify(prev, identity)
	return true
}

// Accounts возвращает известные учётные записи устройства (без сети).
func (s *SessionManager) Accounts() []Account {
	active, _ := s.Active()
	known := s.store.KnownAccounts()

	result := make([]Account, 0, len(known))
	for _, e := range known {
		result = append(result, s.view(e, e.Verified(), active))
	}
	return result
}

// Discover возвращает учётные записи под тем же родительским идентификатором,
// объединённые с известными на устройстве. Список backend кэшируется.
func (s *SessionManager) Discover(ctx context.Context) ([]Account, error) {
	active, ok := s.Active()
	if !ok {
		return nil, ErrNoActiveIdentity
	}

	remote, cached := s.roster.Get(active)
	if !cached {
		var err error
		remote, err = s.backend.Accounts(ctx, active.Role, active.CredentialToken)
		if err != nil {
			sessionOperationsTotal.WithLabelValues("discover", "error").Inc()
			return nil, mapBackendError(err, ErrRejected)
		}
		s.roster.Set(active, remote)
	}
	sessionOperationsTotal.WithLabelValues("discover", "ok").Inc()

	known := s.store.KnownAccounts()
	byID := make(map[string]model.KnownAccountEntry, len(known))
	for _, e := range known {
		byID[e.ID] = e
	}

	result := make([]Account, 0, len(remote)+len(known))
	seen := make(map[string]bool, len(remote))
	for _, e := range remote {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		local, isKnown := byID[e.ID]
		result = append(result, s.view(e, isKnown && local.Verified(), active))
	}
	for _, e := range known {
		if !seen[e.ID] {
			result = append(result, s.view(e, e.Verified(), active))
		}
	}
	return result, nil
}

// SwitchTo активирует учётную запись.
// С сохранённым на устройстве токеном — сразу, без сетевых запросов.
// Без токена (или с просроченным) — ErrVerificationRequired.
func (s *SessionManager) SwitchTo(_ context.Context, entry model.KnownAccountEntry) error {
	stored, ok := s.store.FindKnownAccount(entry.ID)
	if !ok || !stored.Verified() {
		sessionOperationsTotal.WithLabelValues("switch", "verification_required").Inc()
		return fmt.Errorf("%w: %s", ErrVerificationRequired, entry.ID)
	}
	if credentialExpired(stored.CredentialToken, s.now()) {
		sessionOperationsTotal.WithLabelValues("switch", "verification_required").Inc()
		return fmt.Errorf("%w: срок токена %s истёк", ErrVerificationRequired, entry.ID)
	}

	identity := stored.Identity()

	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	if s.active != nil && s.active.ID == identity.ID && s.active.Role == identity.Role {
		s.mu.Unlock()
		return nil
	}
	if err := s.persistLocked(identity, false); err != nil {
		s.mu.Unlock()
		sessionOperationsTotal.WithLabelValues("switch", "error").Inc()
		return err
	}
	prev := s.swapLocked(identity)
	s.mu.Unlock()

	sessionOperationsTotal.WithLabelValues("switch", "ok").Inc()
	s.logger.Info("Переключение учётной записи",
		slog.String("role", string(identity.Role)),
		slog.String("identity_id", identity.ID),
	)
	s.notify(prev, identity)
	return nil
}

// Verify подтверждает учётную запись одноразовым кодом доступа и активирует её.
// При ошибке активная сессия и хранилище не меняются.
func (s *SessionManager) Verify(ctx context.Context, entry model.KnownAccountEntry, code string) error {
	if entry.ID == "" || !entry.Role.Valid() {
		return fmt.Errorf("%w: некорректная учётная запись", ErrUnknownAccount)
	}

	s.mu.Lock()
	gen := s.generation
	var token string
	if s.active != nil {
		token = s.active.CredentialToken
	}
	s.mu.Unlock()

	identity, err := s.backend.VerifyCode(ctx, entry.Role, token, entry.ID, code)
	if err != nil {
		err = mapBackendError(err, ErrInvalidAccessCode)
		if errors.Is(err, ErrInvalidAccessCode) {
			sessionOperationsTotal.WithLabelValues("verify", "invalid_code").Inc()
		} else {
			sessionOperationsTotal.WithLabelValues("verify", "error").Inc()
		}
		return err
	}
	if identity.ID != entry.ID {
		sessionOperationsTotal.WithLabelValues("verify", "error").Inc()
		return fmt.Errorf("%w: backend вернул субъекта %s вместо %s", ErrNetworkFailure, identity.ID, entry.ID)
	}

	return s.activateFresh("verify", gen, identity)
}

// Login выполняет полный вход и активирует субъекта.
func (s *SessionManager) Login(ctx context.Context, role model.Role, identifier, secret string) error {
	if !role.Valid() {
		return fmt.Errorf("недопустимая роль: %q", role)
	}

	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	identity, err := s.backend.Login(ctx, role, identifier, secret)
	if err != nil {
		sessionOperationsTotal.WithLabelValues("login", "error").Inc()
		return mapBackendError(err, ErrInvalidCredentials)
	}
	return s.activateFresh("login", gen, identity)
}

// RefreshProfile обновляет профиль активного субъекта и его запись в списке известных.
// Ответ для уже неактивного субъекта отбрасывается (ErrStaleResponse).
func (s *SessionManager) RefreshProfile(ctx context.Context) error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return ErrNoActiveIdentity
	}
	gen := s.generation
	current := *s.active
	s.mu.Unlock()

	fresh, err := s.backend.Profile(ctx, current.Role, current.CredentialToken)
	if err != nil {
		sessionOperationsTotal.WithLabelValues("profile", "error").Inc()
		return mapBackendError(err, ErrRejected)
	}

	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	if s.generation != gen || s.active == nil || fresh.ID != current.ID {
		s.mu.Unlock()
		sessionOperationsTotal.WithLabelValues("profile", "stale").Inc()
		return ErrStaleResponse
	}
	fresh.CredentialToken = current.CredentialToken
	if err := s.persistLocked(fresh, false); err != nil {
		s.mu.Unlock()
		sessionOperationsTotal.WithLabelValues("profile", "error").Inc()
		return err
	}
	// Обновление профиля того же субъекта не меняет поколение
	prev := s.active
	s.active = fresh
	s.mu.Unlock()

	sessionOperationsTotal.WithLabelValues("profile", "ok").Inc()
	s.notify(prev, fresh)
	return nil
}

// UpdateActive применяет профиль, уже полученный вызывающим кодом (например, экраном профиля).
// Учитывается, только если профиль принадлежит активному субъекту.
func (s *SessionManager) UpdateActive(profile *model.Identity) error {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	if s.active == nil || profile == nil || profile.ID != s.active.ID || profile.Role != s.active.Role {
		s.mu.Unlock()
		return ErrStaleResponse
	}
	next := *profile
	next.CredentialToken = s.active.CredentialToken
	if err := s.persistLocked(&next, false); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.active
	s.active = &next
	s.mu.Unlock()

	s.notify(prev, &next)
	return nil
}

// SignOut удаляет активного субъекта всех ролей и весь список известных учётных записей.
// Операция необратима: для возврата требуется повторное подтверждение.
func (s *SessionManager) SignOut(_ context.Context) error {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	prev := s.swapLocked(nil)
	err := s.store.SignOut()
	s.mu.Unlock()

	s.roster.Purge()
	sessionOperationsTotal.WithLabelValues("sign_out", "ok").Inc()
	s.logger.Info("Выход из всех учётных записей")
	s.notify(prev, nil)

	if err != nil {
		return fmt.Errorf("очистка локального хранилища: %w", err)
	}
	return nil
}

// activateFresh сохраняет и активирует субъекта, полученного от backend,
// если за время запроса активная сессия не сменилась.
func (s *SessionManager) activateFresh(op string, gen uint64, identity *model.Identity) error {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		sessionOperationsTotal.WithLabelValues(op, "stale").Inc()
		s.logger.Warn("Ответ backend отброшен: сессия изменилась во время запроса",
			slog.String("operation", op),
			slog.String("identity_id", identity.ID),
		)
		return ErrStaleResponse
	}
	if err := s.persistLocked(identity, true); err != nil {
		s.mu.Unlock()
		sessionOperationsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	prev := s.swapLocked(identity)
	s.mu.Unlock()

	sessionOperationsTotal.WithLabelValues(op, "ok").Inc()
	s.logger.Info("Учётная запись подтверждена и активирована",
		slog.String("operation", op),
		slog.String("role", string(identity.Role)),
		slog.String("identity_id", identity.ID),
	)
	s.notify(prev, identity)
	return nil
}

// persistLocked сохраняет субъекта как активного. Известная запись обновляется на месте,
// а при remember — добавляется, если её ещё нет. Вызывается под s.mu.
func (s *SessionManager) persistLocked(identity *model.Identity, remember bool) error {
	if _, known := s.store.FindKnownAccount(identity.ID); known || remember {
		if err := s.store.UpsertKnownAccount(model.EntryFromIdentity(identity)); err != nil {
			return fmt.Errorf("сохранение учётной записи: %w", err)
		}
	}
	if err := s.store.SaveActiveIdentity(identity); err != nil {
		return fmt.Errorf("сохранение активного субъекта: %w", err)
	}
	if err := s.store.SetActiveRole(identity.Role); err != nil {
		return fmt.Errorf("сохранение активной роли: %w", err)
	}
	return nil
}

// swapLocked меняет активного субъекта и поколение сессии. Вызывается под s.mu.
func (s *SessionManager) swapLocked(next *model.Identity) *model.Identity {
	prev := s.active
	s.active = next
	s.generation++
	return prev
}

func (s *SessionManager) notify(prev, next *model.Identity) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn == nil {
		return
	}
	var p, n *model.Identity
	if prev != nil {
		c := *prev
		p = &c
	}
	if next != nil {
		c := *next
		n = &c
	}
	fn(p, n)
}

func (s *SessionManager) view(e model.KnownAccountEntry, verified bool, active *model.Identity) Account {
	e.CredentialToken = ""
	return Account{
		KnownAccountEntry: e,
		Verified:          verified,
		Active:            active != nil && active.ID == e.ID && active.Role == e.Role,
	}
}

// mapBackendError переводит ошибки apiclient в таксономию сервисного слоя.
// Отказ backend (4xx) становится rejected, всё остальное — ErrNetworkFailure.
func mapBackendError(err, rejected error) error {
	if errors.Is(err, apiclient.ErrRejected) {
		return fmt.Errorf("%w: %w", rejected, err)
	}
	return fmt.Errorf("%w: %w", ErrNetworkFailure, err)
}
