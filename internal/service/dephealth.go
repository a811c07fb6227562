// dephealth.go — мониторинг доступности backend через topologymetrics SDK.
//
// Клиент мониторит одну зависимость — request/response API backend
// (HTTP checker к health endpoint). Real-time канал не проверяется отдельно:
// его состояние видно по erp_channel_connected и /health/ready.
//
// Метрики доступны на /metrics:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/prometheus/client_golang/prometheus"
)

// backendHealthPath — health endpoint backend.
const backendHealthPath = "/health"

// DephealthService — сервис мониторинга backend.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(serviceID, group, apiURL string, checkInterval time.Duration, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(serviceID, group, apiURL, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID, group, apiURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, apiURL, checkInterval, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID, group, apiURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	depOpts := []dephealth.DependencyOption{
		dephealth.FromURL(apiURL),
		dephealth.WithHTTPHealthPath(backendHealthPath),
		dephealth.CheckInterval(checkInterval),
		dephealth.Critical(true),
	}
	if parsed, err := url.Parse(apiURL); err == nil && parsed.Scheme == "https" {
		depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	opts := make([]dephealth.Option, 0, 2+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		dephealth.HTTP("erp-backend", depOpts...),
	)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку backend.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг backend запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг backend остановлен")
}

// Health возвращает текущее состояние зависимостей.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// CheckReady — состояние backend для readiness probe.
// Ключи Health() имеют формат "dependency:host:port".
// Недоступный backend не делает клиент неготовым: движок работает
// на последнем известном состоянии, поэтому итог — degraded.
func (ds *DephealthService) CheckReady() (status, message string) {
	return backendReadiness(ds.Health())
}

func backendReadiness(health map[string]bool) (status, message string) {
	if len(health) == 0 {
		return "degraded", "проверка backend ещё не выполнялась"
	}

	var down []string
	for endpoint, ok := range health {
		if !ok {
			down = append(down, endpoint)
		}
	}
	if len(down) == 0 {
		return "ok", ""
	}
	slices.Sort(down)
	return "degraded", "backend недоступен: " + strings.Join(down, ", ")
}
