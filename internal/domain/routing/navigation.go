// Пакет routing — таблица навигации уведомлений.
//
// Одно и то же событие ведёт разные роли в разные разделы приложения:
// например, new_fee ведёт учащегося к оплате, а администратора к обзору платежей.
// Отсутствие записи в таблице означает «без действия» (только уведомление).
package routing

import "github.com/apra1107-crypto/erp-sub003/internal/domain/model"

// Target — идентификатор раздела приложения, куда ведёт действие уведомления.
type Target string

// Разделы приложения.
const (
	TargetNone               Target = ""
	TargetPayFee             Target = "pay-fee"
	TargetFeeOverview        Target = "fee-overview"
	TargetAttendanceHistory  Target = "attendance-history"
	TargetStaffAttendance    Target = "staff-attendance"
	TargetHomework           Target = "homework"
	TargetHomeworkManage     Target = "homework-manage"
	TargetNotices            Target = "notices"
	TargetNoticeManage       Target = "notice-manage"
	TargetAbsenceRequests    Target = "absence-requests"
	TargetSubscription       Target = "subscription"
	TargetSubscriptionLocked Target = "subscription-locked"
)

// Типы push-событий real-time канала.
const (
	EventSubscriptionUpdate = "subscription_update"
	EventNewFee             = "new_fee"
	EventFeeReceived        = "fee_received"
	EventAttendanceMarked   = "attendance_marked"
	EventTeacherAttendance  = "teacher_attendance"
	EventNewHomework        = "new_homework"
	EventNewNotice          = "new_notice"
	EventAbsentRequest      = "absent_request"
)

// Events — все типы событий, на которые подписывается диспетчер.
var Events = []string{
	EventSubscriptionUpdate,
	EventNewFee,
	EventFeeReceived,
	EventAttendanceMarked,
	EventTeacherAttendance,
	EventNewHomework,
	EventNewNotice,
	EventAbsentRequest,
}

type key struct {
	event string
	role  model.Role
}

// table — маршруты (событие, роль) → раздел.
var table = map[key]Target{
	{EventNewFee, model.RoleLearner}: TargetPayFee,
	{EventNewFee, model.RoleAdmin}:   TargetFeeOverview,
	{EventNewFee, model.RoleStaff}:   TargetFeeOverview,

	{EventFeeReceived, model.RoleAdmin}: TargetFeeOverview,

	{EventAttendanceMarked, model.RoleLearner}: TargetAttendanceHistory,

	{EventTeacherAttendance, model.RoleAdmin}: TargetStaffAttendance,

	{EventNewHomework, model.RoleLearner}: TargetHomework,
	{EventNewHomework, model.RoleStaff}:   TargetHomeworkManage,

	{EventNewNotice, model.RoleLearner}: TargetNotices,
	{EventNewNotice, model.RoleStaff}:   TargetNotices,
	{EventNewNotice, model.RoleAdmin}:   TargetNoticeManage,

	{EventAbsentRequest, model.RoleStaff}: TargetAbsenceRequests,
	{EventAbsentRequest, model.RoleAdmin}: TargetAbsenceRequests,

	{EventSubscriptionUpdate, model.RoleAdmin}: TargetSubscription,
	{EventSubscriptionUpdate, model.RoleStaff}: TargetSubscriptionLocked,
}

// Resolve возвращает раздел для пары (событие, активная роль).
// Второе значение false, если маршрута нет.
func Resolve(event string, role model.Role) (Target, bool) {
	t, ok := table[key{event: event, role: role}]
	return t, ok
}
