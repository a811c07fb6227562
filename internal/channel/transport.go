// Пакет channel — единственный real-time канал процесса и членство в комнатах.
//
// Manager владеет одним транспортом на всё время жизни экземпляра,
// хранит намерения присоединиться к комнатам и повторяет join_room
// после каждого успешного (пере)подключения: членство в комнатах
// привязано к соединению и не переживает переподключение транспорта.
package channel

import (
	"context"
	"encoding/json"
)

// EventJoinRoom — сообщение клиента о присоединении к комнате.
const EventJoinRoom = "join_room"

// Message — конверт сообщения канала: {"event": "...", "data": ...}.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Sender отправляет сообщения в текущее соединение.
type Sender interface {
	Send(event string, data any) error
}

// Hooks — обратные вызовы жизненного цикла соединения.
// Вызываются последовательно из горутины транспорта.
type Hooks struct {
	// OnConnect — соединение установлено; sender действителен до OnDisconnect
	OnConnect func(sender Sender)
	// OnDisconnect — соединение потеряно (err == nil при штатном закрытии)
	OnDisconnect func(err error)
	// OnMessage — получено сообщение сервера
	OnMessage func(msg Message)
}

// Transport — реализация соединения. Run блокируется до отмены ctx,
// самостоятельно переподключаясь со своей политикой задержек.
type Transport interface {
	Run(ctx context.Context, hooks Hooks) error
}
