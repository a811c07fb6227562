// websocket.go — транспорт канала поверх gorilla/websocket.
// Переподключение с экспоненциальной задержкой [minBackoff, maxBackoff].
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout — таймаут записи одного сообщения.
	writeTimeout = 10 * time.Second
	// handshakeTimeout — таймаут WebSocket handshake.
	handshakeTimeout = 15 * time.Second
)

// WebSocketTransport — транспорт с автоматическим переподключением.
type WebSocketTransport struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewWebSocketTransport создаёт транспорт для url (ws:// или wss://).
// header — дополнительные заголовки handshake (может быть nil).
func NewWebSocketTransport(url string, header http.Header, minBackoff, maxBackoff time.Duration, logger *slog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     logger.With(slog.String("component", "ws_transport")),
	}
}

// Run подключается, читает сообщения и переподключается до отмены ctx.
func (t *WebSocketTransport) Run(ctx context.Context, hooks Hooks) error {
	backoff := t.minBackoff

	for {
		conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("Не удалось подключиться к каналу",
				slog.String("url", t.url),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, t.maxBackoff)
			continue
		}

		backoff = t.minBackoff
		wc := &wsConn{conn: conn}
		hooks.OnConnect(wc)

		readErr := t.readLoop(ctx, conn, hooks)
		wc.close()
		if ctx.Err() != nil {
			hooks.OnDisconnect(nil)
			return nil
		}
		hooks.OnDisconnect(readErr)

		if !sleepCtx(ctx, backoff) {
			return nil
		}
	}
}

// readLoop читает сообщения до ошибки соединения или отмены ctx.
// Некорректный конверт пропускается без разрыва соединения.
func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn, hooks Hooks) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("чтение из канала: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			t.logger.Warn("Некорректное сообщение канала пропущено", slog.Int("bytes", len(data)))
			continue
		}
		hooks.OnMessage(msg)
	}
}

// wsConn — Sender поверх одного WebSocket-соединения.
// gorilla/websocket допускает только одного писателя одновременно.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

type outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (c *wsConn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("соединение закрыто")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("установка таймаута записи: %w", err)
	}
	if err := c.conn.WriteJSON(outgoing{Event: event, Data: data}); err != nil {
		return fmt.Errorf("отправка %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

// sleepCtx ждёт d или отмены ctx. false — ctx отменён.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
