// Точка входа движка синхронизации сессии и подписки.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/apra1107-crypto/erp-sub003/internal/api/handlers"
	"github.com/apra1107-crypto/erp-sub003/internal/apiclient"
	"github.com/apra1107-crypto/erp-sub003/internal/channel"
	"github.com/apra1107-crypto/erp-sub003/internal/config"
	"github.com/apra1107-crypto/erp-sub003/internal/server"
	"github.com/apra1107-crypto/erp-sub003/internal/service"
	"github.com/apra1107-crypto/erp-sub003/internal/store"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Движок синхронизации запускается",
		slog.String("version", config.Version),
		slog.String("api_url", cfg.APIURL),
		slog.String("channel_url", cfg.ChannelURL),
		slog.Int("diag_port", cfg.DiagPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Инициализация компонентов ---

	// 1. Локальное хранилище
	kv, err := openKV(cfg)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	identityStore := store.NewIdentityStore(kv, logger)

	// 2. Клиент backend
	backend := apiclient.New(cfg.APIURL, cfg.HTTPTimeout, logger)

	// 3. Менеджер учётных записей
	roster := service.NewRosterCache(cfg.RosterCacheSize, cfg.RosterCacheTTL)
	session := service.NewSessionManager(identityStore, backend, roster, nil, logger)

	// 4. Движок: канал создаётся заново после каждого выхода из всех учётных записей
	newChannel := func() service.Channel {
		transport := channel.NewWebSocketTransport(cfg.ChannelURL, nil, cfg.ReconnectMin, cfg.ReconnectMax, logger)
		return channel.NewManager(transport, logger)
	}
	alerter := service.AlerterFunc(func(a service.Alert) {
		logger.Info("Уведомление",
			slog.String("event", a.Event),
			slog.String("title", a.Title),
			slog.String("message", a.Message),
			slog.String("target", string(a.Target)),
		)
	})
	engine := service.NewEngine(service.EngineConfig{
		ExpiryTick:   cfg.ExpiryTick,
		PollInterval: cfg.PollInterval,
	}, session, backend, newChannel, alerter, logger)
	engine.Start(ctx)

	// 5. topologymetrics — мониторинг backend
	var backendChecker handlers.ReadinessChecker
	if cfg.DephealthEnabled {
		dephealthSvc, dhErr := service.NewDephealthService("erp-sync", cfg.DephealthGroup, cfg.APIURL, cfg.DephealthCheckInterval, logger)
		if dhErr != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга backend",
				slog.String("error", dhErr.Error()),
			)
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		} else {
			defer dephealthSvc.Stop()
			backendChecker = dephealthSvc
		}
	}

	// 6. Диагностический HTTP (блокирует до сигнала завершения)
	if cfg.DiagPort > 0 {
		healthHandler := handlers.NewHealthHandler(engine, backendChecker)
		apiHandler := handlers.NewAPIHandler(healthHandler, engine, session, logger)
		srv := server.New(cfg, logger, apiHandler)
		if err := srv.Run(ctx); err != nil {
			logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("Получен сигнал завершения")
	engine.Close()
	logger.Info("Движок синхронизации остановлен")
}

// openKV открывает файловое хранилище или, если каталог не задан, хранилище в памяти.
func openKV(cfg *config.Config) (store.KV, error) {
	if cfg.DataDir == "" {
		return store.NewMemoryKV(), nil
	}
	kv, err := store.NewFileKV(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("каталог данных %s: %w", cfg.DataDir, err)
	}
	return kv, nil
}
