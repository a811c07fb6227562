// Пакет config — загрузка и валидация конфигурации движка синхронизации
// из переменных окружения (и необязательного dotenv-файла).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации движка.
type Config struct {
	// --- Backend ---

	// Базовый URL request/response API backend
	APIURL string
	// URL real-time канала (ws:// или wss://)
	ChannelURL string
	// Таймаут HTTP-запросов к backend (по умолчанию 15s)
	HTTPTimeout time.Duration

	// --- Локальное хранилище ---

	// Каталог данных на устройстве. Пустая строка — хранение в памяти процесса.
	DataDir string

	// --- Синхронизация ---

	// Интервал периодического опроса подписки (0 — только по запросу)
	PollInterval time.Duration
	// Интервал тика наблюдателя срока подписки (по умолчанию 1s)
	ExpiryTick time.Duration
	// Минимальная пауза перед переподключением канала (по умолчанию 1s)
	ReconnectMin time.Duration
	// Максимальная пауза перед переподключением канала (по умолчанию 30s)
	ReconnectMax time.Duration

	// --- Кэш списка учётных записей ---

	// TTL кэша обнаруженных учётных записей (по умолчанию 5m)
	RosterCacheTTL time.Duration
	// Максимальный размер кэша (по умолчанию 64)
	RosterCacheSize int

	// --- Диагностический HTTP ---

	// Порт диагностического HTTP (0 — отключён)
	DiagPort int
	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- Topologymetrics (dephealth) ---

	// Включён ли мониторинг backend через dephealth (по умолчанию true)
	DephealthEnabled bool
	// Интервал проверки backend (по умолчанию 15s)
	DephealthCheckInterval time.Duration
	// Группа в метриках dephealth
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения.
// Если задан ERP_ENV_FILE (или в рабочем каталоге есть .env), переменные из файла
// подгружаются до разбора; уже заданные в окружении значения не перезаписываются.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var err error

	// --- Backend ---

	// ERP_API_URL — базовый URL API (обязательный)
	cfg.APIURL, err = getEnvURL("ERP_API_URL", "http", "https")
	if err != nil {
		return nil, err
	}

	// ERP_CHANNEL_URL — URL real-time канала (обязательный)
	cfg.ChannelURL, err = getEnvURL("ERP_CHANNEL_URL", "ws", "wss")
	if err != nil {
		return nil, err
	}

	// ERP_HTTP_TIMEOUT — таймаут HTTP-запросов (по умолчанию 15s)
	cfg.HTTPTimeout, err = getEnvPositiveDuration("ERP_HTTP_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ERP_HTTP_TIMEOUT: %w", err)
	}

	// --- Локальное хранилище ---

	// ERP_DATA_DIR — каталог данных (по умолчанию ./data)
	cfg.DataDir = os.Getenv("ERP_DATA_DIR")
	if _, set := os.LookupEnv("ERP_DATA_DIR"); !set {
		cfg.DataDir = "./data"
	}

	// --- Синхронизация ---

	// ERP_POLL_INTERVAL — интервал опроса подписки (по умолчанию 0 — только по запросу)
	cfg.PollInterval, err = getEnvDuration("ERP_POLL_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("ERP_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("ERP_POLL_INTERVAL: значение должно быть >= 0")
	}

	// ERP_EXPIRY_TICK — тик наблюдателя срока (по умолчанию 1s)
	cfg.ExpiryTick, err = getEnvPositiveDuration("ERP_EXPIRY_TICK", time.Second)
	if err != nil {
		return nil, fmt.Errorf("ERP_EXPIRY_TICK: %w", err)
	}

	// ERP_RECONNECT_MIN / ERP_RECONNECT_MAX — границы паузы переподключения
	cfg.ReconnectMin, err = getEnvPositiveDuration("ERP_RECONNECT_MIN", time.Second)
	if err != nil {
		return nil, fmt.Errorf("ERP_RECONNECT_MIN: %w", err)
	}
	cfg.ReconnectMax, err = getEnvPositiveDuration("ERP_RECONNECT_MAX", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ERP_RECONNECT_MAX: %w", err)
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("ERP_RECONNECT_MAX (%s) меньше ERP_RECONNECT_MIN (%s)", cfg.ReconnectMax, cfg.ReconnectMin)
	}

	// --- Кэш списка учётных записей ---

	cfg.RosterCacheTTL, err = getEnvPositiveDuration("ERP_ROSTER_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ERP_ROSTER_CACHE_TTL: %w", err)
	}
	cfg.RosterCacheSize, err = getEnvInt("ERP_ROSTER_CACHE_SIZE", 64)
	if err != nil {
		return nil, fmt.Errorf("ERP_ROSTER_CACHE_SIZE: %w", err)
	}
	if cfg.RosterCacheSize <= 0 {
		return nil, fmt.Errorf("ERP_ROSTER_CACHE_SIZE: значение должно быть > 0")
	}

	// --- Диагностический HTTP ---

	// ERP_DIAG_PORT — порт диагностического HTTP (по умолчанию 8090, 0 — отключён)
	cfg.DiagPort, err = getEnvInt("ERP_DIAG_PORT", 8090)
	if err != nil {
		return nil, fmt.Errorf("ERP_DIAG_PORT: %w", err)
	}
	if cfg.DiagPort < 0 || cfg.DiagPort > 65535 {
		return nil, fmt.Errorf("ERP_DIAG_PORT: недопустимый порт %d", cfg.DiagPort)
	}

	cfg.ShutdownTimeout, err = getEnvPositiveDuration("ERP_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ERP_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Логирование ---

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("ERP_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("ERP_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("ERP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("ERP_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Topologymetrics ---

	cfg.DephealthEnabled, err = getEnvBool("ERP_DEPHEALTH_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("ERP_DEPHEALTH_ENABLED: %w", err)
	}
	cfg.DephealthCheckInterval, err = getEnvPositiveDuration("ERP_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ERP_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("ERP_DEPHEALTH_GROUP", "erp-client")

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadEnvFile подгружает dotenv-файл.
// Явно заданный ERP_ENV_FILE обязан существовать; .env по умолчанию — необязателен.
func loadEnvFile() error {
	path := os.Getenv("ERP_ENV_FILE")
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("ERP_ENV_FILE: загрузка %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("загрузка .env: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("проверка .env: %w", err)
	}
	return nil
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvURL возвращает обязательный URL с одной из допустимых схем.
func getEnvURL(key string, schemes ...string) (string, error) {
	val, err := getEnvRequired(key)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(val)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%s: некорректный URL %q", key, val)
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return strings.TrimRight(val, "/"), nil
		}
	}
	return "", fmt.Errorf("%s: недопустимая схема %q, допустимые: %s", key, parsed.Scheme, strings.Join(schemes, ", "))
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — как getEnvDuration, но значение должно быть > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
