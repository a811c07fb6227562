// Пакет store — локальное хранилище состояния клиента на устройстве.
//
// Нижний уровень — KV: байтовые значения по строковым ключам вида "auth/admin/token".
// Верхний уровень — IdentityStore: типизированный доступ к токенам, профилям,
// списку известных учётных записей и настройкам.
package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound — ключ отсутствует в хранилище.
var ErrNotFound = errors.New("ключ не найден")

// KV — хранилище «ключ → значение».
// Реализации должны быть безопасны для конкурентного использования.
type KV interface {
	// Get возвращает значение ключа или ErrNotFound.
	Get(key string) ([]byte, error)
	// Set сохраняет значение ключа.
	Set(key string, value []byte) error
	// Delete удаляет ключ. Удаление отсутствующего ключа — не ошибка.
	Delete(key string) error
}

// validateKey проверяет ключ: непустые сегменты через "/", без "." и "..".
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("пустой ключ")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `\`) {
			return fmt.Errorf("недопустимый ключ: %q", key)
		}
	}
	return nil
}
