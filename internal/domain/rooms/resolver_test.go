package rooms

import (
	"slices"
	"testing"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		identity *model.Identity
		want     []model.Room
	}{
		{
			name:     "nil",
			identity: nil,
			want:     nil,
		},
		{
			name:     "администратор",
			identity: &model.Identity{ID: "a1", Role: model.RoleAdmin, InstituteID: "inst-7"},
			want:     []model.Room{"admin-a1", "admin-inst-7"},
		},
		{
			name:     "сотрудник без учреждения",
			identity: &model.Identity{ID: "s1", Role: model.RoleStaff},
			want:     []model.Room{"staff-s1"},
		},
		{
			name:     "учащийся без класса",
			identity: &model.Identity{ID: "l1", Role: model.RoleLearner, InstituteID: "inst-7"},
			want:     []model.Room{"learner-inst-7", "learner-l1"},
		},
		{
			name:     "учащийся только с классом",
			identity: &model.Identity{ID: "l1", Role: model.RoleLearner, InstituteID: "inst-7", ClassContext: "10"},
			want:     []model.Room{"learner-inst-7", "learner-l1"},
		},
		{
			name: "учащийся с классом и секцией",
			identity: &model.Identity{
				ID: "l1", Role: model.RoleLearner, InstituteID: "inst-7",
				ClassContext: "10", SectionContext: "B",
			},
			want: []model.Room{"inst-7-10-B", "learner-inst-7", "learner-l1"},
		},
		{
			name: "сотрудник с классом не получает комнату класса",
			identity: &model.Identity{
				ID: "s1", Role: model.RoleStaff, InstituteID: "inst-7",
				ClassContext: "10", SectionContext: "B",
			},
			want: []model.Room{"staff-inst-7", "staff-s1"},
		},
		{
			name:     "совпадающие id и учреждение",
			identity: &model.Identity{ID: "x", Role: model.RoleAdmin, InstituteID: "x"},
			want:     []model.Room{"admin-x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.identity)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Resolve() = %v, ожидалось %v", got, tt.want)
			}
		})
	}
}

// TestResolve_LateClassContext проверяет, что поздний класс добавляет ровно одну комнату.
func TestResolve_LateClassContext(t *testing.T) {
	identity := &model.Identity{ID: "l1", Role: model.RoleLearner, InstituteID: "inst-7"}
	before := Resolve(identity)

	identity.ClassContext = "9"
	identity.SectionContext = "A"
	after := Resolve(identity)

	want := []model.Room{"inst-7-9-A", "learner-inst-7", "learner-l1"}
	if !slices.Equal(after, want) {
		t.Errorf("Resolve() = %v, ожидалось %v", after, want)
	}
	if len(after) != len(before)+1 {
		t.Errorf("комнат до %d, после %d: ожидалась ровно одна новая", len(before), len(after))
	}
}
