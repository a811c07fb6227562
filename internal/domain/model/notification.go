package model

import "time"

// NotificationRecord — запись ленты уведомлений, локальное эхо push-события.
// Серверного идентификатора нет: ID генерируется на клиенте.
type NotificationRecord struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Kind       string    `json:"kind"`
	ReceivedAt time.Time `json:"received_at"`
}

// Виды уведомлений.
const (
	KindFee             = "fee"
	KindFeeReceived     = "fee-received"
	KindAttendance      = "attendance"
	KindStaffAttendance = "staff-attendance"
	KindHomework        = "homework"
	KindNotice          = "notice"
	KindAbsenceRequest  = "absence-request"
)
