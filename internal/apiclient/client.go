// Пакет apiclient — HTTP-клиент request/response API backend.
//
// Используемые endpoints:
//
//	GET  /subscription/{instituteId}/status — статус подписки учреждения (poll)
//	POST /auth/{role}/verify-code           — подтверждение учётной записи кодом доступа
//	POST /auth/{role}/login                 — вход по идентификатору и паролю
//	GET  /auth/{role}/accounts              — учётные записи под тем же родительским идентификатором
//	GET  /{role}/profile                    — профиль активного субъекта
//
// Все запросы, кроме login, передают Authorization: Bearer <токен субъекта>, если он есть.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/entitlement"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

var (
	// ErrUnavailable — запрос не выполнен: сеть, таймаут или 5xx.
	ErrUnavailable = errors.New("backend недоступен")
	// ErrRejected — backend отклонил запрос (4xx).
	ErrRejected = errors.New("запрос отклонён backend")
	// ErrBadResponse — ответ backend не удалось разобрать.
	ErrBadResponse = errors.New("некорректный ответ backend")
)

// maxErrorBody — сколько байт тела ошибки попадает в текст ошибки.
const maxErrorBody = 512

// wireIdentity — профиль субъекта в ответах backend.
type wireIdentity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	InstituteID string `json:"institute_id"`
	Class       string `json:"class"`
	Section     string `json:"section"`
	PhotoURL    string `json:"photo_url"`
}

func (w *wireIdentity) toModel(role model.Role, token string) *model.Identity {
	return &model.Identity{
		ID:              w.ID,
		Role:            role,
		DisplayName:     w.Name,
		InstituteID:     w.InstituteID,
		ClassContext:    w.Class,
		SectionContext:  w.Section,
		PhotoURL:        w.PhotoURL,
		CredentialToken: token,
	}
}

// authResponse — ответ login и verify-code.
type authResponse struct {
	Token    string        `json:"token"` //nolint:gosec // G117: JSON-маппинг ответа
	Identity *wireIdentity `json:"identity"`
}

// Client — HTTP-клиент backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// New создаёт клиент backend.
// baseURL — базовый URL API (например, https://api.school.example).
// timeout — таймаут HTTP-запросов (ERP_HTTP_TIMEOUT).
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With(slog.String("component", "api_client")),
	}
}

// BaseURL возвращает базовый URL backend.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubscriptionStatus запрашивает статус подписки учреждения.
// GET /subscription/{instituteId}/status
func (c *Client) SubscriptionStatus(ctx context.Context, token, instituteID string) (entitlement.Snapshot, error) {
	reqURL := fmt.Sprintf("%s/subscription/%s/status", c.baseURL, url.PathEscape(instituteID))

	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		return entitlement.Snapshot{}, fmt.Errorf("статус подписки %s: %w", instituteID, err)
	}

	snap, err := entitlement.ParseSnapshot(body)
	if err != nil {
		return entitlement.Snapshot{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return snap, nil
}

// VerifyCode подтверждает учётную запись identityID одноразовым кодом доступа.
// POST /auth/{role}/verify-code {identityId, access_code} → {token, identity}.
// token — токен текущего активного субъекта (может быть пустым).
func (c *Client) VerifyCode(ctx context.Context, role model.Role, token, identityID, code string) (*model.Identity, error) {
	reqURL := fmt.Sprintf("%s/auth/%s/verify-code", c.baseURL, role)
	payload := map[string]string{
		"identityId":  identityID,
		"access_code": code,
	}

	body, err := c.do(ctx, http.MethodPost, reqURL, token, payload)
	if err != nil {
		return nil, fmt.Errorf("подтверждение кода для %s: %w", identityID, err)
	}
	return decodeAuth(body, role)
}

// Login выполняет вход по идентификатору и паролю.
// POST /auth/{role}/login {identifier, password} → {token, identity}.
func (c *Client) Login(ctx context.Context, role model.Role, identifier, secret string) (*model.Identity, error) {
	reqURL := fmt.Sprintf("%s/auth/%s/login", c.baseURL, role)
	payload := map[string]string{
		"identifier": identifier,
		"password":   secret,
	}

	body, err := c.do(ctx, http.MethodPost, reqURL, "", payload)
	if err != nil {
		return nil, fmt.Errorf("вход %s: %w", role, err)
	}
	return decodeAuth(body, role)
}

// Accounts возвращает учётные записи роли под тем же родительским идентификатором
// (например, тем же номером телефона). Токены в ответе не передаются.
// GET /auth/{role}/accounts
func (c *Client) Accounts(ctx context.Context, role model.Role, token string) ([]model.KnownAccountEntry, error) {
	reqURL := fmt.Sprintf("%s/auth/%s/accounts", c.baseURL, role)

	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		return nil, fmt.Errorf("список учётных записей %s: %w", role, err)
	}

	var resp struct {
		Accounts []wireIdentity `json:"accounts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: список учётных записей: %w", ErrBadResponse, err)
	}

	result := make([]model.KnownAccountEntry, 0, len(resp.Accounts))
	for i := range resp.Accounts {
		if resp.Accounts[i].ID == "" {
			continue
		}
		result = append(result, model.EntryFromIdentity(resp.Accounts[i].toModel(role, "")))
	}
	return result, nil
}

// Profile запрашивает профиль активного субъекта.
// GET /{role}/profile
func (c *Client) Profile(ctx context.Context, role model.Role, token string) (*model.Identity, error) {
	reqURL := fmt.Sprintf("%s/%s/profile", c.baseURL, role)

	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		return nil, fmt.Errorf("профиль %s: %w", role, err)
	}

	var resp wireIdentity
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: профиль: %w", ErrBadResponse, err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: профиль без id", ErrBadResponse)
	}
	return resp.toModel(role, token), nil
}

// do выполняет запрос и возвращает тело успешного ответа.
// Сетевые ошибки и 5xx оборачиваются в ErrUnavailable, 4xx — в ErrRejected.
func (c *Client) do(ctx context.Context, method, reqURL, token string, payload any) ([]byte, error) {
	var reqBody io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("сериализация запроса: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: чтение ответа: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		c.logger.Warn("Backend вернул ошибку сервера",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: статус %d: %s", ErrUnavailable, resp.StatusCode, truncate(body))
	default:
		return nil, fmt.Errorf("%w: статус %d: %s", ErrRejected, resp.StatusCode, truncate(body))
	}
}

// decodeAuth разбирает ответ login/verify-code.
func decodeAuth(body []byte, role model.Role) (*model.Identity, error) {
	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if resp.Token == "" || resp.Identity == nil || resp.Identity.ID == "" {
		return nil, fmt.Errorf("%w: пустой token или identity", ErrBadResponse)
	}
	return resp.Identity.toModel(role, resp.Token), nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
