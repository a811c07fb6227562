// handler.go — основной обработчик диагностического API.
// Объединяет health и обработчики сессии, подписки и ленты уведомлений.
// Токены доступа в ответы не попадают.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
	"github.com/apra1107-crypto/erp-sub003/internal/service"
)

// Engine — операции движка, доступные через API.
type Engine interface {
	Identity() (*model.Identity, bool)
	Rooms() []model.Room
	ChannelState() (connected bool, joined []model.Room)
	Locked() bool
	Gate(action string) error
	Entitlement() (service.EntitlementView, bool)
	RefreshEntitlement(ctx context.Context) error
	Feed() *service.Feed
}

// Session — операции менеджера учётных записей.
type Session interface {
	Accounts() []service.Account
	Discover(ctx context.Context) ([]service.Account, error)
	SwitchTo(ctx context.Context, entry model.KnownAccountEntry) error
	Verify(ctx context.Context, entry model.KnownAccountEntry, code string) error
	Login(ctx context.Context, role model.Role, identifier, secret string) error
	RefreshProfile(ctx context.Context) error
	SignOut(ctx context.Context) error
}

// APIHandler — обработчик диагностического API.
type APIHandler struct {
	health   *HealthHandler
	engine   Engine
	session  Session
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, engine Engine, session Session, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health:   health,
		engine:   engine,
		session:  session,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует маршруты API.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/session/login", h.Login)
		r.Post("/session/profile/refresh", h.RefreshProfile)
		r.Post("/session/sign-out", h.SignOut)

		r.Get("/accounts", h.ListAccounts)
		r.Post("/accounts/{id}/switch", h.SwitchAccount)
		r.Post("/accounts/{id}/verify", h.VerifyAccount)

		r.Get("/entitlement", h.GetEntitlement)
		r.Post("/entitlement/refresh", h.RefreshEntitlement)
		r.Get("/gate/{action}", h.Gate)

		r.Get("/notifications", h.ListNotifications)
		r.Delete("/notifications", h.ClearNotifications)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeBody разбирает JSON-тело запроса и проверяет его теги validate.
func (h *APIHandler) decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}
