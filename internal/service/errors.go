// errors.go — ошибки сервисного слоя движка синхронизации.
package service

import "errors"

var (
	// ErrNetworkFailure — запрос poll/verify не выполнен (сеть, таймаут, 5xx).
	// Последнее известное состояние сохраняется.
	ErrNetworkFailure = errors.New("сетевая ошибка")
	// ErrInvalidAccessCode — backend отклонил код доступа. Состояние не меняется.
	ErrInvalidAccessCode = errors.New("неверный код доступа")
	// ErrInvalidCredentials — backend отклонил вход.
	ErrInvalidCredentials = errors.New("неверные учётные данные")
	// ErrRejected — backend отклонил запрос активного субъекта (например, токен отозван).
	ErrRejected = errors.New("запрос отклонён backend")
	// ErrStaleResponse — ответ пришёл для субъекта, который уже не активен. Ответ отброшен.
	ErrStaleResponse = errors.New("устаревший ответ")
	// ErrMalformedPayload — push-сообщение не удалось разобрать. Запись в ленту не добавлена.
	ErrMalformedPayload = errors.New("некорректные данные push-события")
	// ErrVerificationRequired — учётная запись не подтверждена на этом устройстве.
	ErrVerificationRequired = errors.New("требуется подтверждение кодом доступа")
	// ErrLocked — действие запрещено: подписка истекла или отключена.
	ErrLocked = errors.New("доступ заблокирован подпиской")
	// ErrNoActiveIdentity — нет активного субъекта.
	ErrNoActiveIdentity = errors.New("нет активного субъекта")
	// ErrUnknownAccount — учётная запись не найдена среди известных.
	ErrUnknownAccount = errors.New("учётная запись не найдена")
)
