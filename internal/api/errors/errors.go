// Пакет errors — ответы с ошибками диагностического HTTP.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/apra1107-crypto/erp-sub003/internal/service"
)

// Коды ошибок.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeNoActiveIdentity     = "NO_ACTIVE_IDENTITY"
	CodeVerificationRequired = "VERIFICATION_REQUIRED"
	CodeInvalidAccessCode    = "INVALID_ACCESS_CODE"
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeLocked               = "SUBSCRIPTION_LOCKED"
	CodeStaleResponse        = "STALE_RESPONSE"
	CodeBackendUnavailable   = "BACKEND_UNAVAILABLE"
	CodeBackendRejected      = "BACKEND_REJECTED"
	CodeInternalError        = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Locked — 423 действие недоступно до продления подписки.
func Locked(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusLocked, CodeLocked, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}

// FromService переводит ошибку сервисного слоя в HTTP-ответ.
// Неизвестные ошибки — 500.
func FromService(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNoActiveIdentity):
		WriteError(w, http.StatusConflict, CodeNoActiveIdentity, "Нет активной учётной записи")
	case errors.Is(err, service.ErrVerificationRequired), errors.Is(err, service.ErrUnknownAccount):
		WriteError(w, http.StatusForbidden, CodeVerificationRequired, err.Error())
	case errors.Is(err, service.ErrInvalidAccessCode):
		WriteError(w, http.StatusUnauthorized, CodeInvalidAccessCode, "Неверный код доступа")
	case errors.Is(err, service.ErrInvalidCredentials):
		WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Неверные учётные данные")
	case errors.Is(err, service.ErrLocked):
		Locked(w, err.Error())
	case errors.Is(err, service.ErrStaleResponse):
		WriteError(w, http.StatusConflict, CodeStaleResponse, "Ответ устарел: активная учётная запись сменилась")
	case errors.Is(err, service.ErrNetworkFailure):
		WriteError(w, http.StatusBadGateway, CodeBackendUnavailable, "Backend недоступен")
	case errors.Is(err, service.ErrRejected):
		WriteError(w, http.StatusBadGateway, CodeBackendRejected, err.Error())
	default:
		InternalError(w, "Внутренняя ошибка")
	}
}
