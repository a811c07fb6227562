package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"ERP_API_URL":     "https://api.school.example/",
		"ERP_CHANNEL_URL": "wss://rt.school.example/ws",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.APIURL != "https://api.school.example" {
		t.Errorf("APIURL = %q, ожидается без завершающего слэша", cfg.APIURL)
	}
	if cfg.ChannelURL != "wss://rt.school.example/ws" {
		t.Errorf("ChannelURL = %q", cfg.ChannelURL)
	}
	if cfg.HTTPTimeout != 15*time.Second {
		t.Errorf("HTTPTimeout = %v, ожидается 15s", cfg.HTTPTimeout)
	}
	if cfg.PollInterval != 0 {
		t.Errorf("PollInterval = %v, ожидается 0", cfg.PollInterval)
	}
	if cfg.ExpiryTick != time.Second {
		t.Errorf("ExpiryTick = %v, ожидается 1s", cfg.ExpiryTick)
	}
	if cfg.ReconnectMin != time.Second || cfg.ReconnectMax != 30*time.Second {
		t.Errorf("Reconnect = %v..%v, ожидается 1s..30s", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	if cfg.RosterCacheSize != 64 || cfg.RosterCacheTTL != 5*time.Minute {
		t.Errorf("RosterCache = %d/%v", cfg.RosterCacheSize, cfg.RosterCacheTTL)
	}
	if cfg.DiagPort != 8090 {
		t.Errorf("DiagPort = %d, ожидается 8090", cfg.DiagPort)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if !cfg.DephealthEnabled {
		t.Error("DephealthEnabled = false, ожидается true")
	}
	if cfg.DephealthGroup != "erp-client" {
		t.Errorf("DephealthGroup = %q", cfg.DephealthGroup)
	}
}

func TestLoad_DataDir(t *testing.T) {
	setEnvs(t, minimalEnvs())

	t.Run("по умолчанию", func(t *testing.T) {
		t.Setenv("ERP_DATA_DIR", "")
		os.Unsetenv("ERP_DATA_DIR")
		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.DataDir != "./data" {
			t.Errorf("DataDir = %q, ожидается ./data", cfg.DataDir)
		}
	})

	t.Run("пустое значение — хранение в памяти", func(t *testing.T) {
		t.Setenv("ERP_DATA_DIR", "")
		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.DataDir != "" {
			t.Errorf("DataDir = %q, ожидается пустая строка", cfg.DataDir)
		}
	})
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		wantErr string
	}{
		{"нет API URL", map[string]string{"ERP_API_URL": ""}, "ERP_API_URL"},
		{"нет channel URL", map[string]string{"ERP_CHANNEL_URL": ""}, "ERP_CHANNEL_URL"},
		{"схема API", map[string]string{"ERP_API_URL": "ftp://x"}, "ERP_API_URL"},
		{"схема канала", map[string]string{"ERP_CHANNEL_URL": "http://x"}, "ERP_CHANNEL_URL"},
		{"тик", map[string]string{"ERP_EXPIRY_TICK": "0s"}, "ERP_EXPIRY_TICK"},
		{"poll отрицательный", map[string]string{"ERP_POLL_INTERVAL": "-1s"}, "ERP_POLL_INTERVAL"},
		{"reconnect max < min", map[string]string{"ERP_RECONNECT_MIN": "10s", "ERP_RECONNECT_MAX": "1s"}, "ERP_RECONNECT_MAX"},
		{"размер кэша", map[string]string{"ERP_ROSTER_CACHE_SIZE": "0"}, "ERP_ROSTER_CACHE_SIZE"},
		{"порт", map[string]string{"ERP_DIAG_PORT": "70000"}, "ERP_DIAG_PORT"},
		{"уровень логов", map[string]string{"ERP_LOG_LEVEL": "verbose"}, "ERP_LOG_LEVEL"},
		{"формат логов", map[string]string{"ERP_LOG_FORMAT": "xml"}, "ERP_LOG_FORMAT"},
		{"dephealth bool", map[string]string{"ERP_DEPHEALTH_ENABLED": "maybe"}, "ERP_DEPHEALTH_ENABLED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, minimalEnvs())
			setEnvs(t, tt.envs)

			_, err := Load()
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ошибка %q не содержит %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.env")
	content := "ERP_API_URL=http://localhost:3000\nERP_CHANNEL_URL=ws://localhost:3000\nERP_POLL_INTERVAL=2m\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// godotenv не перезаписывает уже заданные переменные: очищаем их на время теста
	t.Setenv("ERP_API_URL", "")
	os.Unsetenv("ERP_API_URL")
	t.Setenv("ERP_CHANNEL_URL", "")
	os.Unsetenv("ERP_CHANNEL_URL")
	t.Setenv("ERP_POLL_INTERVAL", "")
	os.Unsetenv("ERP_POLL_INTERVAL")
	t.Setenv("ERP_ENV_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.APIURL != "http://localhost:3000" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.PollInterval != 2*time.Minute {
		t.Errorf("PollInterval = %v, ожидается 2m", cfg.PollInterval)
	}
}

func TestLoad_EnvFileMissing(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("ERP_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка для отсутствующего ERP_ENV_FILE")
	}
}
