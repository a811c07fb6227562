package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsServer — тестовый сервер канала: пересылает join_room в joins
// и закрывает первое соединение после первого join, имитируя обрыв сети.
type wsServer struct {
	joins chan string
	conns atomic.Int32
}

func (s *wsServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		connNo := s.conns.Add(1)

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event != EventJoinRoom {
				continue
			}
			var room string
			_ = json.Unmarshal(msg.Data, &room)
			s.joins <- room

			// Мусор и событие после join
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			_ = conn.WriteJSON(map[string]any{"event": "new_notice", "data": map[string]any{"topic": "t"}})

			if connNo == 1 {
				return
			}
		}
	}
}

func TestWebSocketTransport_ReconnectRejoins(t *testing.T) {
	srv := &wsServer{joins: make(chan string, 16)}
	httpSrv := httptest.NewServer(srv.handler(t))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	transport := NewWebSocketTransport(wsURL, nil, 10*time.Millisecond, 50*time.Millisecond, testLogger())

	m := NewManager(transport, testLogger())
	events := make(chan string, 16)
	m.On("new_notice", func(data json.RawMessage) error {
		events <- string(data)
		return nil
	})
	m.JoinRoom("staff-7")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	for i := range 2 {
		select {
		case room := <-srv.joins:
			if room != "staff-7" {
				t.Errorf("соединение %d: join %q, ожидался staff-7", i+1, room)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("соединение %d: join_room не получен", i+1)
		}
	}

	select {
	case data := <-events:
		if !strings.Contains(data, `"topic"`) {
			t.Errorf("данные события: %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("событие new_notice не доставлено")
	}
}
