// Пакет model — доменные модели клиентского движка синхронизации.
package model

import (
	"fmt"
	"strings"
)

// Role — роль пользователя приложения.
type Role string

const (
	// RoleAdmin — администратор учебного заведения.
	RoleAdmin Role = "admin"
	// RoleStaff — сотрудник (преподаватель).
	RoleStaff Role = "staff"
	// RoleLearner — учащийся.
	RoleLearner Role = "learner"
)

// Roles — все роли в порядке восстановления сессии при старте.
var Roles = []Role{RoleAdmin, RoleStaff, RoleLearner}

// Gated возвращает true, если доступ роли ограничивается подпиской учреждения.
// Учащиеся подпиской не ограничиваются.
func (r Role) Gated() bool {
	return r == RoleAdmin || r == RoleStaff
}

// Valid проверяет, является ли роль допустимой.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleLearner:
		return true
	default:
		return false
	}
}

// ParseRole преобразует строку в Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("недопустимая роль: %q, допустимые: admin, staff, learner", s)
	}
	return r, nil
}

// Identity — аутентифицированный субъект на устройстве.
type Identity struct {
	// ID — идентификатор субъекта на backend
	ID string `json:"id" validate:"required"`
	// Role — роль субъекта
	Role Role `json:"role" validate:"required,oneof=admin staff learner"`
	// DisplayName — отображаемое имя
	DisplayName string `json:"display_name"`
	// InstituteID — учреждение, которому принадлежит субъект
	InstituteID string `json:"institute_id" validate:"required"`
	// ClassContext — класс (только для учащихся, может появиться позже)
	ClassContext string `json:"class_context,omitempty"`
	// SectionContext — секция класса (только для учащихся)
	SectionContext string `json:"section_context,omitempty"`
	// PhotoURL — ссылка на фото профиля
	PhotoURL string `json:"photo_url,omitempty"`
	// CredentialToken — токен доступа к backend
	CredentialToken string `json:"credential_token" validate:"required"` //nolint:gosec // G117: поле модели
}

// HasClassContext возвращает true, если известны и класс, и секция.
func (i *Identity) HasClassContext() bool {
	return i.ClassContext != "" && i.SectionContext != ""
}

// KnownAccountEntry — сохранённая на устройстве учётная запись для быстрого переключения.
type KnownAccountEntry struct {
	ID              string `json:"id" validate:"required"`
	Role            Role   `json:"role" validate:"required,oneof=admin staff learner"`
	DisplayName     string `json:"display_name"`
	InstituteID     string `json:"institute_id" validate:"required"`
	ClassContext    string `json:"class_context,omitempty"`
	SectionContext  string `json:"section_context,omitempty"`
	PhotoURL        string `json:"photo_url"`
	CredentialToken string `json:"credential_token,omitempty"` //nolint:gosec // G117: поле модели
}

// Verified возвращает true, если для записи на устройстве есть токен.
// Записи без токена — обнаруженные, но не подтверждённые на этом устройстве.
func (e *KnownAccountEntry) Verified() bool {
	return e.CredentialToken != ""
}

// Identity восстанавливает Identity из сохранённой записи.
func (e *KnownAccountEntry) Identity() *Identity {
	return &Identity{
		ID:              e.ID,
		Role:            e.Role,
		DisplayName:     e.DisplayName,
		InstituteID:     e.InstituteID,
		ClassContext:    e.ClassContext,
		SectionContext:  e.SectionContext,
		PhotoURL:        e.PhotoURL,
		CredentialToken: e.CredentialToken,
	}
}

// EntryFromIdentity формирует запись списка учётных записей из Identity.
func EntryFromIdentity(i *Identity) KnownAccountEntry {
	return KnownAccountEntry{
		ID:              i.ID,
		Role:            i.Role,
		DisplayName:     i.DisplayName,
		InstituteID:     i.InstituteID,
		ClassContext:    i.ClassContext,
		SectionContext:  i.SectionContext,
		PhotoURL:        i.PhotoURL,
		CredentialToken: i.CredentialToken,
	}
}
