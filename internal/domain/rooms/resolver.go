// Пакет rooms — вычисление набора комнат real-time канала для субъекта.
//
// Чистая функция без состояния: результат зависит только от Identity.
// Применяется при каждом (пере)подключении, смене субъекта и при
// позднем появлении класса/секции в профиле учащегося.
package rooms

import (
	"slices"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

// Resolve возвращает отсортированный набор комнат без дубликатов.
//
// Правила:
//   - "role-id" — всегда (если известен id);
//   - "role-instituteId" — если известно учреждение;
//   - "instituteId-class-section" — только для учащихся при известных классе и секции.
//
// Для nil возвращается пустой набор.
func Resolve(identity *model.Identity) []model.Room {
	if identity == nil {
		return nil
	}

	result := make([]model.Room, 0, 3)
	if identity.ID != "" {
		result = append(result, model.IdentityRoom(identity.Role, identity.ID))
	}
	if identity.InstituteID != "" {
		result = append(result, model.InstituteRoom(identity.Role, identity.InstituteID))
		if identity.Role == model.RoleLearner && identity.HasClassContext() {
			result = append(result, model.ClassRoom(identity.InstituteID, identity.ClassContext, identity.SectionContext))
		}
	}

	slices.Sort(result)
	return slices.Compact(result)
}
