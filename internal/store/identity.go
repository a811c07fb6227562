// identity.go — типизированный доступ к сохранённому состоянию сессии.
//
// Ключи:
//
//	auth/<role>/token    — токен активного субъекта роли
//	auth/<role>/profile  — профиль активного субъекта роли (без токена)
//	auth/active_role     — роль последней активной сессии
//	accounts/known       — список известных учётных записей
//	academic/session_id  — выбранный учебный период
//	ui/theme             — тема оформления
//
// Версионирования схемы нет: любое значение, которое не удалось разобрать
// или провалидировать, считается отсутствующим.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

// Ключи хранилища.
const (
	KeyActiveRole        = "auth/active_role"
	KeyKnownAccounts     = "accounts/known"
	KeyAcademicSessionID = "academic/session_id"
	KeyTheme             = "ui/theme"
)

// TokenKey возвращает ключ токена роли.
func TokenKey(role model.Role) string {
	return "auth/" + string(role) + "/token"
}

// ProfileKey возвращает ключ профиля роли.
func ProfileKey(role model.Role) string {
	return "auth/" + string(role) + "/profile"
}

// IdentityStore — локальное хранилище субъектов и настроек.
type IdentityStore struct {
	kv       KV
	validate *validator.Validate
	logger   *slog.Logger

	// mu сериализует read-modify-write списка известных учётных записей
	mu sync.Mutex
}

// NewIdentityStore создаёт хранилище поверх kv.
func NewIdentityStore(kv KV, logger *slog.Logger) *IdentityStore {
	return &IdentityStore{
		kv:       kv,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(slog.String("component", "identity_store")),
	}
}

// ActiveIdentity возвращает активного субъекта роли.
// false — субъекта нет или сохранённые данные повреждены.
func (s *IdentityStore) ActiveIdentity(role model.Role) (*model.Identity, bool) {
	var token string
	if !s.getJSON(TokenKey(role), &token) || token == "" {
		return nil, false
	}

	var identity model.Identity
	if !s.getJSON(ProfileKey(role), &identity) {
		return nil, false
	}
	identity.CredentialToken = token

	if identity.Role != role {
		s.logger.Warn("Роль профиля не совпадает с ключом, профиль проигнорирован",
			slog.String("key_role", string(role)),
			slog.String("profile_role", string(identity.Role)),
		)
		return nil, false
	}
	if err := s.validate.Struct(&identity); err != nil {
		s.logger.Warn("Сохранённый профиль не прошёл валидацию",
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return &identity, true
}

// SaveActiveIdentity сохраняет субъекта как активного для его роли.
// Токен и профиль хранятся под разными ключами.
func (s *IdentityStore) SaveActiveIdentity(identity *model.Identity) error {
	if identity == nil {
		return errors.New("identity не задан")
	}
	if err := s.validate.Struct(identity); err != nil {
		return fmt.Errorf("некорректный субъект: %w", err)
	}

	profile := *identity
	profile.CredentialToken = ""

	if err := s.setJSON(TokenKey(identity.Role), identity.CredentialToken); err != nil {
		return err
	}
	if err := s.setJSON(ProfileKey(identity.Role), &profile); err != nil {
		return err
	}
	return nil
}

// ClearActiveIdentity удаляет активного субъекта роли.
func (s *IdentityStore) ClearActiveIdentity(role model.Role) error {
	if err := s.kv.Delete(TokenKey(role)); err != nil {
		return fmt.Errorf("удаление токена %s: %w", role, err)
	}
	if err := s.kv.Delete(ProfileKey(role)); err != nil {
		return fmt.Errorf("удаление профиля %s: %w", role, err)
	}
	return nil
}

// ActiveRole возвращает роль последней активной сессии.
func (s *IdentityStore) ActiveRole() (model.Role, bool) {
	var raw string
	if !s.getJSON(KeyActiveRole, &raw) {
		return "", false
	}
	role, err := model.ParseRole(raw)
	if err != nil {
		s.logger.Warn("Сохранённая роль некорректна", slog.String("value", raw))
		return "", false
	}
	return role, true
}

// SetActiveRole сохраняет роль активной сессии.
func (s *IdentityStore) SetActiveRole(role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("недопустимая роль: %q", role)
	}
	return s.setJSON(KeyActiveRole, string(role))
}

// KnownAccounts возвращает список известных учётных записей.
// Некорректные записи пропускаются, дубликаты по id схлопываются (последняя побеждает).
func (s *IdentityStore) KnownAccounts() []model.KnownAccountEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadKnown()
}

// FindKnownAccount ищет известную учётную запись по id.
func (s *IdentityStore) FindKnownAccount(id string) (model.KnownAccountEntry, bool) {
	for _, e := range s.KnownAccounts() {
		if e.ID == id {
			return e, true
		}
	}
	return model.KnownAccountEntry{}, false
}

// UpsertKnownAccount добавляет запись или заменяет существующую с тем же id.
// Если у новой записи нет токена, сохраняется токен существующей.
func (s *IdentityStore) UpsertKnownAccount(entry model.KnownAccountEntry) error {
	if err := s.validate.Struct(&entry); err != nil {
		return fmt.Errorf("некорректная учётная запись: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.loadKnown()
	replaced := false
	for i := range entries {
		if entries[i].ID != entry.ID {
			continue
		}
		if entry.CredentialToken == "" {
			entry.CredentialToken = entries[i].CredentialToken
		}
		entries[i] = entry
		replaced = true
		break
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return s.setJSON(KeyKnownAccounts, entries)
}

// ClearKnownAccounts удаляет весь список известных учётных записей.
func (s *IdentityStore) ClearKnownAccounts() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(KeyKnownAccounts); err != nil {
		return fmt.Errorf("удаление списка учётных записей: %w", err)
	}
	return nil
}

// SignOut удаляет активных субъектов всех ролей, активную роль и список известных записей.
// Учебный период и тема оформления сохраняются.
func (s *IdentityStore) SignOut() error {
	var errs []error
	for _, role := range model.Roles {
		if err := s.ClearActiveIdentity(role); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.kv.Delete(KeyActiveRole); err != nil {
		errs = append(errs, fmt.Errorf("удаление активной роли: %w", err))
	}
	if err := s.ClearKnownAccounts(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AcademicSessionID возвращает выбранный учебный период.
func (s *IdentityStore) AcademicSessionID() (string, bool) {
	var id string
	if !s.getJSON(KeyAcademicSessionID, &id) || id == "" {
		return "", false
	}
	return id, true
}

// SetAcademicSessionID сохраняет выбранный учебный период.
func (s *IdentityStore) SetAcademicSessionID(id string) error {
	return s.setJSON(KeyAcademicSessionID, id)
}

// Theme возвращает тему оформления.
func (s *IdentityStore) Theme() (string, bool) {
	var theme string
	if !s.getJSON(KeyTheme, &theme) || theme == "" {
		return "", false
	}
	return theme, true
}

// SetTheme сохраняет тему оформления.
func (s *IdentityStore) SetTheme(theme string) error {
	return s.setJSON(KeyTheme, theme)
}

// loadKnown читает список под s.mu.
func (s *IdentityStore) loadKnown() []model.KnownAccountEntry {
	var raw []model.KnownAccountEntry
	if !s.getJSON(KeyKnownAccounts, &raw) {
		return nil
	}

	result := make([]model.KnownAccountEntry, 0, len(raw))
	index := make(map[string]int, len(raw))
	for _, entry := range raw {
		if err := s.validate.Struct(&entry); err != nil {
			s.logger.Warn("Пропущена некорректная учётная запись",
				slog.String("id", entry.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if i, ok := index[entry.ID]; ok {
			result[i] = entry
			continue
		}
		index[entry.ID] = len(result)
		result = append(result, entry)
	}
	return result
}

// getJSON читает и декодирует ключ. false — ключа нет или значение повреждено.
func (s *IdentityStore) getJSON(key string, v any) bool {
	data, err := s.kv.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("Ошибка чтения ключа", slog.String("key", key), slog.String("error", err.Error()))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("Значение ключа повреждено, считается отсутствующим",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *IdentityStore) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("сериализация %s: %w", key, err)
	}
	if err := s.kv.Set(key, data); err != nil {
		return fmt.Errorf("запись %s: %w", key, err)
	}
	return nil
}
