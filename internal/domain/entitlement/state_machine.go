// Пакет entitlement — конечный автомат состояния подписки (entitlement) учреждения.
//
// Состояния: loading → {active, grant, expired, disabled}.
// Сервер (poll или push) всегда авторитетен и перезаписывает состояние как есть.
// Единственный автономный переход клиента: active → expired по локальным часам.
// expired и disabled — терминальные до явного сообщения сервера.
// Возврат в loading после первого реального статуса запрещён.
//
// Потокобезопасен через sync.RWMutex.
package entitlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status — состояние подписки.
type Status string

const (
	// StatusLoading — статус ещё не получен от сервера
	StatusLoading Status = "loading"
	// StatusActive — оплаченная подписка с известным сроком окончания
	StatusActive Status = "active"
	// StatusGrant — доступ предоставлен без ограничения по сроку
	StatusGrant Status = "grant"
	// StatusExpired — срок подписки истёк
	StatusExpired Status = "expired"
	// StatusDisabled — доступ отключён сервером
	StatusDisabled Status = "disabled"
)

// Source — источник перехода.
type Source string

const (
	SourcePoll  Source = "poll"
	SourcePush  Source = "push"
	SourceClock Source = "clock"
)

// ErrInvalidStatus — статус от сервера не распознан.
var ErrInvalidStatus = errors.New("недопустимый статус подписки")

// Snapshot — состояние подписки, полученное от сервера.
type Snapshot struct {
	Status    Status          `json:"status"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_STATUS, NOT_ACTIVE, NOT_DUE)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StateMachine — конечный автомат состояния подписки одного учреждения.
type StateMachine struct {
	mu        sync.RWMutex
	current   Status
	expiresAt *time.Time
	raw       json.RawMessage
	history   []TransitionRecord
}

// NewStateMachine создаёт автомат в состоянии loading.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StatusLoading,
		history: make([]TransitionRecord, 0),
	}
}

// Current возвращает текущее состояние.
func (sm *StateMachine) Current() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Snapshot возвращает копию текущего состояния вместе со сроком и сырым ответом сервера.
func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	snap := Snapshot{Status: sm.current, Raw: sm.raw}
	if sm.expiresAt != nil {
		t := *sm.expiresAt
		snap.ExpiresAt = &t
	}
	return snap
}

// Locked возвращает true, если состояние запрещает защищённые действия.
func (sm *StateMachine) Locked() bool {
	return IsLocked(sm.Current())
}

// Apply применяет авторитетное сообщение сервера (poll или push).
// Состояние перезаписывается как есть, независимо от текущего.
// loading от сервера не принимается: после первого статуса возврат в loading запрещён.
// Возвращает предыдущее состояние.
func (sm *StateMachine) Apply(snap Snapshot, source Source) (Status, error) {
	if !snap.Status.serverValid() {
		return "", &TransitionError{
			Code:    "INVALID_STATUS",
			Message: fmt.Sprintf("недопустимый статус от сервера: %q", snap.Status),
		}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev := sm.current
	sm.current = snap.Status
	sm.raw = snap.Raw
	sm.expiresAt = nil
	if snap.ExpiresAt != nil {
		t := *snap.ExpiresAt
		sm.expiresAt = &t
	}
	sm.record(prev, snap.Status, source)

	return prev, nil
}

// ExpireIfActive выполняет локальный переход active → expired,
// если срок подписки наступил к моменту now.
// Из любых других состояний переход по часам запрещён.
func (sm *StateMachine) ExpireIfActive(now time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != StatusActive {
		return &TransitionError{
			Code:    "NOT_ACTIVE",
			Message: fmt.Sprintf("переход по часам из состояния %s недопустим", sm.current),
		}
	}
	if sm.expiresAt == nil || now.Before(*sm.expiresAt) {
		return &TransitionError{
			Code:    "NOT_DUE",
			Message: "срок подписки ещё не наступил",
		}
	}

	sm.current = StatusExpired
	sm.record(StatusActive, StatusExpired, SourceClock)
	return nil
}

// ExpiresAt возвращает срок окончания подписки, если он известен.
func (sm *StateMachine) ExpiresAt() (time.Time, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.expiresAt == nil {
		return time.Time{}, false
	}
	return *sm.expiresAt, true
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// record добавляет запись в историю. Вызывается под write lock.
func (sm *StateMachine) record(from, to Status, source Source) {
	sm.history = append(sm.history, TransitionRecord{
		From:      from,
		To:        to,
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
}

// IsLocked — производный предикат блокировки.
func IsLocked(s Status) bool {
	return s == StatusExpired || s == StatusDisabled
}

// serverValid проверяет, может ли статус прийти от сервера.
func (s Status) serverValid() bool {
	switch s {
	case StatusActive, StatusGrant, StatusExpired, StatusDisabled:
		return true
	default:
		return false
	}
}

// ParseStatus преобразует статус сервера в Status.
// loading и неизвестные значения отклоняются.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.serverValid() {
		return "", fmt.Errorf("%w: %q, допустимые: active, grant, expired, disabled", ErrInvalidStatus, s)
	}
	return st, nil
}
