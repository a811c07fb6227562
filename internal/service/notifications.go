// notifications.go — диспетчер push-уведомлений и лента в памяти.
//
// Для каждого типа события регистрируется обработчик, который:
//  1. строит NotificationRecord по шаблону типа;
//  2. добавляет запись в начало ленты (новые первыми, порядок — по времени получения);
//  3. показывает всплывающее уведомление с разделом приложения для пары (событие, роль).
//
// Дедупликации нет: повторная доставка события даёт повторную запись.
// Некорректные данные события не добавляют запись и не ломают остальные обработчики.
// subscription_update в ленту не попадает: оно управляет состоянием подписки
// и показывает уведомление только при смене предиката блокировки.
package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apra1107-crypto/erp-sub003/internal/channel"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/entitlement"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/routing"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "erp_notifications_total",
	Help: "Обработанные push-события по типу и результату",
}, []string{"event", "result"}) // result: recorded, malformed, entitlement

// Alert — всплывающее уведомление с действием перехода.
type Alert struct {
	Event   string         `json:"event"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Target  routing.Target `json:"target,omitempty"`
}

// Alerter показывает всплывающие уведомления пользователю.
type Alerter interface {
	Alert(a Alert)
}

// AlerterFunc — адаптер функции к Alerter.
type AlerterFunc func(a Alert)

func (f AlerterFunc) Alert(a Alert) { f(a) }

// EventRegistrar — регистрация обработчиков событий канала.
type EventRegistrar interface {
	On(event string, h channel.Handler)
}

// --- Лента ---

// Feed — упорядоченная лента уведомлений в памяти, новые первыми.
type Feed struct {
	mu      sync.RWMutex
	records []model.NotificationRecord
	now     func() time.Time
}

// NewFeed создаёт пустую ленту. now == nil — time.Now.
func NewFeed(now func() time.Time) *Feed {
	if now == nil {
		now = time.Now
	}
	return &Feed{now: now}
}

// Prepend добавляет запись в начало ленты, присваивая ей локальный ID и время получения.
func (f *Feed) Prepend(title, message, kind string) model.NotificationRecord {
	rec := model.NotificationRecord{
		ID:         uuid.NewString(),
		Title:      title,
		Message:    message,
		Kind:       kind,
		ReceivedAt: f.now().UTC(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = slices.Insert(f.records, 0, rec)
	return rec
}

// List возвращает копию ленты.
func (f *Feed) List() []model.NotificationRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.records)
}

// Len возвращает количество записей.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

// Clear очищает ленту.
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = nil
}

// --- Диспетчер ---

// EntitlementSink принимает push-изменения подписки.
type EntitlementSink interface {
	ApplyPush(snap entitlement.Snapshot) (Change, error)
}

// template строит заголовок и текст записи из данных события.
type template struct {
	kind  string
	build func(data json.RawMessage) (title, message string, err error)
}

// Dispatcher — нормализация push-событий в ленту и всплывающие уведомления.
type Dispatcher struct {
	feed    *Feed
	alerter Alerter
	role    func() model.Role
	sink    EntitlementSink
	logger  *slog.Logger

	templates map[string]template
}

// NewDispatcher создаёт диспетчер.
// role возвращает роль активного субъекта на момент получения события.
func NewDispatcher(feed *Feed, alerter Alerter, role func() model.Role, sink EntitlementSink, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		feed:    feed,
		alerter: alerter,
		role:    role,
		sink:    sink,
		logger:  logger.With(slog.String("component", "notifications")),
	}
	d.templates = map[string]template{
		routing.EventNewFee:            {model.KindFee, buildNewFee},
		routing.EventFeeReceived:       {model.KindFeeReceived, buildFeeReceived},
		routing.EventAttendanceMarked:  {model.KindAttendance, buildAttendanceMarked},
		routing.EventTeacherAttendance: {model.KindStaffAttendance, buildTeacherAttendance},
		routing.EventNewHomework:       {model.KindHomework, buildNewHomework},
		routing.EventNewNotice:         {model.KindNotice, buildNewNotice},
		routing.EventAbsentRequest:     {model.KindAbsenceRequest, buildAbsentRequest},
	}
	return d
}

// Register регистрирует обработчики всех известных событий.
func (d *Dispatcher) Register(r EventRegistrar) {
	for _, event := range routing.Events {
		r.On(event, d.Handler(event))
	}
}

// Handler возвращает обработчик события.
func (d *Dispatcher) Handler(event string) channel.Handler {
	if event == routing.EventSubscriptionUpdate {
		return d.handleSubscriptionUpdate
	}
	return func(data json.RawMessage) error {
		return d.handleNotification(event, data)
	}
}

func (d *Dispatcher) handleNotification(event string, data json.RawMessage) error {
	tpl, ok := d.templates[event]
	if !ok {
		return fmt.Errorf("нет шаблона для события %s", event)
	}

	title, message, err := tpl.build(data)
	if err != nil {
		notificationsTotal.WithLabelValues(event, "malformed").Inc()
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, event, err)
	}

	rec := d.feed.Prepend(title, message, tpl.kind)
	notificationsTotal.WithLabelValues(event, "recorded").Inc()
	d.logger.Debug("Уведомление добавлено в ленту",
		slog.String("event", event),
		slog.String("id", rec.ID),
	)

	d.alert(event, title, message)
	return nil
}

// handleSubscriptionUpdate применяет push-изменение подписки.
// Уведомление показывается только при смене предиката блокировки.
func (d *Dispatcher) handleSubscriptionUpdate(data json.RawMessage) error {
	const event = routing.EventSubscriptionUpdate

	snap, err := entitlement.ParseSnapshot(data)
	if err != nil {
		notificationsTotal.WithLabelValues(event, "malformed").Inc()
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, event, err)
	}
	notificationsTotal.WithLabelValues(event, "entitlement").Inc()

	change, err := d.sink.ApplyPush(snap)
	if err != nil {
		return err
	}
	if !change.LockFlipped() {
		return nil
	}

	if change.Locked {
		d.alert(event, "Subscription "+string(change.To), "Access to institute features is locked until the subscription is renewed.")
	} else {
		d.alert(event, "Subscription "+string(change.To), "Access to institute features has been restored.")
	}
	return nil
}

func (d *Dispatcher) alert(event, title, message string) {
	if d.alerter == nil {
		return
	}
	a := Alert{Event: event, Title: title, Message: message}
	if target, ok := routing.Resolve(event, d.role()); ok {
		a.Target = target
	}
	d.alerter.Alert(a)
}

// --- Шаблоны ---

// flexString принимает строку или число (суммы приходят в обоих видах).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("ожидалась строка или число: %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

// flexBool принимает true/false, "true"/"false" и 0/1.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "null" || raw == "" {
		*f = false
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("ожидалось булево значение: %s", string(b))
	}
	*f = flexBool(v)
	return nil
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("декодирование: %w", err)
	}
	return nil
}

func required(name string, value flexString) error {
	if strings.TrimSpace(string(value)) == "" {
		return fmt.Errorf("отсутствует поле %s", name)
	}
	return nil
}

func buildNewFee(data json.RawMessage) (string, string, error) {
	var p struct {
		Type        flexString `json:"type"`
		Amount      flexString `json:"amount"`
		MonthYear   flexString `json:"month_year"`
		FeeName     flexString `json:"feeName"`
		StudentName flexString `json:"student_name"`
	}
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if err := required("amount", p.Amount); err != nil {
		return "", "", err
	}

	var message string
	switch {
	case p.MonthYear != "" && (p.Type == "" || strings.EqualFold(string(p.Type), "monthly")):
		message = fmt.Sprintf("Monthly fee of ₹%s for %s has been published.", p.Amount, p.MonthYear)
	case p.FeeName != "":
		message = fmt.Sprintf("%s of ₹%s has been published.", p.FeeName, p.Amount)
	default:
		return "", "", fmt.Errorf("отсутствует month_year или feeName")
	}
	if p.StudentName != "" {
		message = fmt.Sprintf("%s: %s", p.StudentName, message)
	}
	return "New fee", message, nil
}

func buildFeeReceived(data json.RawMessage) (string, string, error) {
	var p struct {
		StudentName flexString `json:"student_name"`
		Amount      flexString `json:"amount"`
	}
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if err := required("student_name", p.StudentName); err != nil {
		return "", "", err
	}
	if err := required("amount", p.Amount); err != nil {
		return "", "", err
	}
	return "Fee received", fmt.Sprintf("%s paid ₹%s.", p.StudentName, p.Amount), nil
}

func buildAttendanceMarked(data json.RawMessage) (string, string, error) {
	var p struct {
		Status      flexString `json:"status"`
		TeacherName flexString `json:"teacher_name"`
	}
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if err := required("status", p.Status); err != nil {
		return "", "", err
	}
	message := fmt.Sprintf("You have been marked %s today.", strings.ToLower(string(p.Status)))
	if p.TeacherName != "" {
		message = fmt.Sprintf("You have been marked %s today by %s.", strings.ToLower(string(p.Status)), p.TeacherName)
	}
	return "Attendance marked", message, nil
}

func buildTeacherAttendance(data json.RawMessage) (string, string, error) {
	var p struct {
		TeacherName flexString `json:"teacher_name"`
		Status      flexString `json:"status"`
	}
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if err := required("teacher_name", p.TeacherName); err != nil {
		return "", "", err
	}
	if err := required("status", p.Status); err != nil {
		return "", "", err
	}
	return "Staff attendance", fmt.Sprintf("%s marked %s.", p.TeacherName, strings.ToLower(string(p.Status))), nil
}

func buildNewHomework(data json.RawMessage) (string, string, error) {
	var p struct {
		Subject     flexString `json:"subject"`
		TeacherName flexString `json:"teacher_name"`
		IsUpdate    flexBool   `json:"isUpdate"`
	}
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if err := required("subject", p.Subject); err != nil {
		return "", "", err
	}

	title, verb := "New homework", "assigned"
	if p.IsUpdate {
		title, verb = "Homework updated", "updated"
	}
	message := fmt.Sprintf("%s homework %s.", p.Subject, verb)
	if p.TeacherName != "" {
		message = fmt.Sprintf("%s homework %s by %s.", p.Subject, verb, p.TeacherName)
	}
	return title, message, nil
}

func buildNewNotice(data json.RawMessage) (string, string, error) {
	var p struct {
		Topic       flexString `json:"topic"`
		CreatorName flexString `json:"creator_name"`
		IsUpdate    flexBool   `json:"isUpdate"`
	}
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if err := required("topic", p.Topic); err != nil {
		return "", "", err
	}

	title := "New notice"
	if p.IsUpdate {
		title = "Notice updated"
	}
	message := string(p.Topic)
	if p.CreatorName != "" {
		message = fmt.Sprintf("%s (by %s)", p.Topic, p.CreatorName)
	}
	return title, message, nil
}

func buildAbsentRequest(data json.RawMessage) (string, string, error) {
	var p struct {
		RollNo flexString `json:"roll_no"`
	}
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if err := required("roll_no", p.RollNo); err != nil {
		return "", "", err
	}
	return "Absence request", fmt.Sprintf("Roll no. %s has requested leave.", p.RollNo), nil
}
