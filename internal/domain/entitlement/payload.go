// payload.go — разбор ответов сервера о подписке (poll и push subscription_update).
//
// Формат poll:  {"status": "active", "subscription_end_date": "2026-01-01T00:00:00Z", ...}
// Формат push:  {"status": "disabled", "settings": {...}}
// Срок окончания может прийти строкой RFC 3339, датой YYYY-MM-DD или числом (Unix ms).
package entitlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wirePayload — общая часть poll- и push-сообщений.
type wirePayload struct {
	Status              string          `json:"status"`
	SubscriptionEndDate json.RawMessage `json:"subscription_end_date"`
	Settings            json.RawMessage `json:"settings"`
}

// ParseSnapshot разбирает ответ сервера в Snapshot.
// Неизвестный статус или некорректный срок — ошибка (сообщение не применяется).
func ParseSnapshot(data []byte) (Snapshot, error) {
	var wire wirePayload
	if err := json.Unmarshal(data, &wire); err != nil {
		return Snapshot{}, fmt.Errorf("декодирование статуса подписки: %w", err)
	}

	status, err := ParseStatus(wire.Status)
	if err != nil {
		return Snapshot{}, err
	}

	endDate := wire.SubscriptionEndDate
	if isEmptyJSON(endDate) && !isEmptyJSON(wire.Settings) {
		// В push-сообщении срок может лежать внутри settings
		var settings struct {
			SubscriptionEndDate json.RawMessage `json:"subscription_end_date"`
		}
		if err := json.Unmarshal(wire.Settings, &settings); err == nil {
			endDate = settings.SubscriptionEndDate
		}
	}

	snap := Snapshot{Status: status, Raw: append(json.RawMessage(nil), data...)}
	if !isEmptyJSON(endDate) {
		expiresAt, err := parseEndDate(endDate)
		if err != nil {
			return Snapshot{}, err
		}
		snap.ExpiresAt = &expiresAt
	}

	return snap, nil
}

// parseEndDate разбирает срок окончания подписки.
// Дата без времени означает доступ до конца этого дня (UTC).
func parseEndDate(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Не строка — пробуем Unix миллисекунды
		ms, numErr := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if numErr != nil {
			return time.Time{}, fmt.Errorf("некорректный subscription_end_date: %s", string(raw))
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC().AddDate(0, 0, 1), nil
	}
	return time.Time{}, fmt.Errorf("некорректный subscription_end_date: %q", s)
}

// isEmptyJSON возвращает true для отсутствующего значения или null.
func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`))
}
