// dephealth_test.go — тесты мониторинга backend.
package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestBackendReadiness(t *testing.T) {
	tests := []struct {
		name       string
		health     map[string]bool
		wantStatus string
		wantMsg    string
	}{
		{"нет данных", nil, "degraded", "проверка backend ещё не выполнялась"},
		{"доступен", map[string]bool{"erp-backend:api.school.test:443": true}, "ok", ""},
		{
			name: "недоступен",
			health: map[string]bool{
				"erp-backend:b.test:443": false,
				"erp-backend:a.test:443": false,
			},
			wantStatus: "degraded",
			wantMsg:    "backend недоступен: erp-backend:a.test:443, erp-backend:b.test:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := backendReadiness(tt.health)
			if status != tt.wantStatus || msg != tt.wantMsg {
				t.Errorf("получено %q/%q, ожидалось %q/%q", status, msg, tt.wantStatus, tt.wantMsg)
			}
		})
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	ds, err := NewDephealthServiceWithRegisterer(
		"erp-client-test", "erp-client", backend.URL, time.Second,
		testLogger(), prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}
	defer ds.Stop()

	// Первая проверка — в пределах интервала, ждём с запасом
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, msg := ds.CheckReady()
		if status == "ok" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend не стал доступен: %s %s", status, msg)
		}
		time.Sleep(50 * time.Millisecond)
	}

	found := false
	for key := range ds.Health() {
		if strings.HasPrefix(key, "erp-backend:") {
			found = true
		}
	}
	if !found {
		t.Errorf("нет записи erp-backend в Health(): %v", ds.Health())
	}
}
