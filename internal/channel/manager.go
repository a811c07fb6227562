package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

// Prometheus-метрики канала.
var (
	channelConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_channel_connects_total",
		Help: "Количество успешных (пере)подключений real-time канала",
	})
	channelDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_channel_disconnects_total",
		Help: "Количество разрывов real-time канала",
	})
	channelConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_channel_connected",
		Help: "Состояние real-time канала (1 — подключён, 0 — нет)",
	})
	channelRoomJoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_channel_room_joins_total",
		Help: "Количество отправленных join_room",
	}, []string{"result"}) // result: ok, error
	channelEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_channel_events_total",
		Help: "Количество полученных событий канала",
	}, []string{"event", "result"}) // result: ok, error, unhandled
)

var (
	// ErrAlreadyStarted — Connect уже вызывался для этого Manager.
	ErrAlreadyStarted = errors.New("канал уже запущен")
	// ErrClosed — Manager закрыт, повторный запуск невозможен.
	ErrClosed = errors.New("канал закрыт")
)

// Handler обрабатывает данные события сервера.
// Ошибка или паника обработчика не влияет на остальные обработчики канала.
type Handler func(data json.RawMessage) error

// RoomSource вычисляет комнаты, которые должны быть у текущего субъекта.
type RoomSource func() []model.Room

// Manager — владелец единственного real-time соединения.
type Manager struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	intents  map[model.Room]struct{}
	source   RoomSource
	sender   Sender
	joined   map[model.Room]struct{}
	started  bool
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager создаёт менеджер канала поверх транспорта.
func NewManager(transport Transport, logger *slog.Logger) *Manager {
	return &Manager{
		transport: transport,
		logger:    logger.With(slog.String("component", "channel")),
		handlers:  make(map[string]Handler),
		intents:   make(map[model.Room]struct{}),
		joined:    make(map[model.Room]struct{}),
	}
}

// On регистрирует обработчик события. Повторная регистрация заменяет обработчик.
func (m *Manager) On(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = h
}

// SetRoomSource задаёт источник комнат и сразу применяет его к текущему соединению.
func (m *Manager) SetRoomSource(src RoomSource) {
	m.mu.Lock()
	m.source = src
	m.mu.Unlock()
	m.Resync()
}

// Connect запускает транспорт. Допустим один вызов на экземпляр.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		err := m.transport.Run(ctx, Hooks{
			OnConnect:    m.onConnect,
			OnDisconnect: m.onDisconnect,
			OnMessage:    m.dispatch,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("Транспорт канала завершился с ошибкой", slog.String("error", err.Error()))
		}
	}()

	m.logger.Info("Real-time канал запущен")
	return nil
}

// Close останавливает транспорт и ждёт завершения его горутины.
// После Close вызов Connect возвращает ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// JoinRoom запоминает намерение присоединиться к комнате.
// Если соединение есть и комната ещё не присоединена — join_room отправляется сразу,
// иначе — при ближайшем подключении. Повторные вызовы идемпотентны.
func (m *Manager) JoinRoom(room model.Room) {
	if room == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.intents[room] = struct{}{}
	if m.sender != nil {
		m.joinLocked(room)
	}
}

// ResetIntents забывает явные намерения JoinRoom (при смене субъекта).
// Уже присоединённые комнаты текущего соединения не покидаются.
func (m *Manager) ResetIntents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.intents)
}

// Resync пересчитывает комнаты и присоединяется к недостающим в текущем соединении.
// Применение аддитивное: ранее присоединённые комнаты не покидаются.
func (m *Manager) Resync() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sender == nil {
		return
	}
	for _, room := range m.desiredLocked() {
		m.joinLocked(room)
	}
}

// Connected возвращает true, если соединение установлено.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender != nil
}

// JoinedRooms возвращает комнаты, присоединённые в текущем соединении.
func (m *Manager) JoinedRooms() []model.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.joined))
}

// onConnect повторяет join_room для каждой нужной комнаты.
func (m *Manager) onConnect(sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sender = sender
	clear(m.joined)
	channelConnectsTotal.Inc()
	channelConnected.Set(1)

	rooms := m.desiredLocked()
	m.logger.Info("Real-time канал подключён", slog.Int("rooms", len(rooms)))
	for _, room := range rooms {
		m.joinLocked(room)
	}
}

func (m *Manager) onDisconnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sender = nil
	clear(m.joined)
	channelDisconnectsTotal.Inc()
	channelConnected.Set(0)

	if err != nil {
		m.logger.Warn("Real-time канал отключён", slog.String("error", err.Error()))
		return
	}
	m.logger.Info("Real-time канал отключён")
}

// dispatch передаёт событие зарегистрированному обработчику.
// Паника обработчика перехватывается: канал продолжает работать.
func (m *Manager) dispatch(msg Message) {
	m.mu.Lock()
	h, ok := m.handlers[msg.Event]
	m.mu.Unlock()

	if !ok {
		channelEventsTotal.WithLabelValues(msg.Event, "unhandled").Inc()
		m.logger.Debug("Событие без обработчика", slog.String("event", msg.Event))
		return
	}

	if err := m.safeCall(h, msg); err != nil {
		channelEventsTotal.WithLabelValues(msg.Event, "error").Inc()
		m.logger.Warn("Ошибка обработки события",
			slog.String("event", msg.Event),
			slog.String("error", err.Error()),
		)
		return
	}
	channelEventsTotal.WithLabelValues(msg.Event, "ok").Inc()
}

func (m *Manager) safeCall(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника обработчика: %v", r)
		}
	}()
	return h(msg.Data)
}

// desiredLocked — объединение комнат источника и явных намерений. Вызывается под m.mu.
func (m *Manager) desiredLocked() []model.Room {
	set := maps.Clone(m.intents)
	if m.source != nil {
		for _, room := range m.source() {
			if room != "" {
				set[room] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// joinLocked отправляет join_room, если комната ещё не присоединена. Вызывается под m.mu.
// При ошибке отправки комната остаётся неприсоединённой и будет повторена при переподключении.
func (m *Manager) joinLocked(room model.Room) {
	if _, ok := m.joined[room]; ok {
		return
	}
	if err := m.sender.Send(EventJoinRoom, string(room)); err != nil {
		channelRoomJoinsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("Не удалось отправить join_room",
			slog.String("room", string(room)),
			slog.String("error", err.Error()),
		)
		return
	}
	m.joined[room] = struct{}{}
	channelRoomJoinsTotal.WithLabelValues("ok").Inc()
	m.logger.Debug("Присоединение к комнате", slog.String("room", string(room)))
}
