// session.go — обработчики /api/v1/session и /api/v1/accounts.
// Вход, переключение и подтверждение учётных записей, выход.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/apra1107-crypto/erp-sub003/internal/api/errors"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
	"github.com/apra1107-crypto/erp-sub003/internal/service"
)

// identityView — активный субъект без токена доступа.
type identityView struct {
	ID             string     `json:"id"`
	Role           model.Role `json:"role"`
	DisplayName    string     `json:"display_name"`
	InstituteID    string     `json:"institute_id"`
	ClassContext   string     `json:"class_context,omitempty"`
	SectionContext string     `json:"section_context,omitempty"`
	PhotoURL       string     `json:"photo_url,omitempty"`
}

type channelView struct {
	Connected bool         `json:"connected"`
	Joined    []model.Room `json:"joined_rooms"`
}

type sessionResponse struct {
	Identity *identityView `json:"identity"`
	Rooms    []model.Room  `json:"rooms"`
	Channel  channelView   `json:"channel"`
	Locked   bool          `json:"locked"`
}

type accountsResponse struct {
	Items []service.Account `json:"items"`
	Total int               `json:"total"`
}

type loginRequest struct {
	Role       model.Role `json:"role" validate:"required,oneof=admin staff learner"`
	Identifier string     `json:"identifier" validate:"required"`
	Secret     string     `json:"secret" validate:"required"`
}

type verifyRequest struct {
	Role       model.Role `json:"role" validate:"required,oneof=admin staff learner"`
	AccessCode string     `json:"access_code" validate:"required"`
}

// GetSession — GET /api/v1/session.
// Активный субъект, набор комнат, состояние канала и предикат блокировки.
func (h *APIHandler) GetSession(w http.ResponseWriter, _ *http.Request) {
	connected, joined := h.engine.ChannelState()
	resp := sessionResponse{
		Rooms:   h.engine.Rooms(),
		Channel: channelView{Connected: connected, Joined: joined},
		Locked:  h.engine.Locked(),
	}
	if identity, ok := h.engine.Identity(); ok {
		resp.Identity = &identityView{
			ID:             identity.ID,
			Role:           identity.Role,
			DisplayName:    identity.DisplayName,
			InstituteID:    identity.InstituteID,
			ClassContext:   identity.ClassContext,
			SectionContext: identity.SectionContext,
			PhotoURL:       identity.PhotoURL,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Login — POST /api/v1/session/login.
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decodeBody(r, &req); err != nil {
		apierrors.ValidationError(w, "Некорректный запрос: "+err.Error())
		return
	}

	if err := h.session.Login(r.Context(), req.Role, req.Identifier, req.Secret); err != nil {
		h.logger.Warn("Вход не выполнен",
			slog.String("role", string(req.Role)),
			slog.String("error", err.Error()),
		)
		apierrors.FromService(w, err)
		return
	}
	h.GetSession(w, r)
}

// RefreshProfile — POST /api/v1/session/profile/refresh.
func (h *APIHandler) RefreshProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.session.RefreshProfile(r.Context()); err != nil {
		apierrors.FromService(w, err)
		return
	}
	h.GetSession(w, r)
}

// SignOut — POST /api/v1/session/sign-out.
// Удаляет все учётные записи с устройства.
func (h *APIHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SignOut(r.Context()); err != nil {
		h.logger.Error("Ошибка выхода", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка очистки локального хранилища")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAccounts — GET /api/v1/accounts.
// ?discover=true — дополнить список учётными записями с backend.
func (h *APIHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	var accounts []service.Account
	if r.URL.Query().Get("discover") == "true" {
		var err error
		accounts, err = h.session.Discover(r.Context())
		if err != nil {
			apierrors.FromService(w, err)
			return
		}
	} else {
		accounts = h.session.Accounts()
	}
	if accounts == nil {
		accounts = []service.Account{}
	}
	writeJSON(w, http.StatusOK, accountsResponse{Items: accounts, Total: len(accounts)})
}

// SwitchAccount — POST /api/v1/accounts/{id}/switch.
// Переключение без сети; неподтверждённая запись — 403 VERIFICATION_REQUIRED.
func (h *APIHandler) SwitchAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var entry *model.KnownAccountEntry
	for _, a := range h.session.Accounts() {
		if a.ID == id {
			e := a.KnownAccountEntry
			entry = &e
			break
		}
	}
	if entry == nil {
		apierrors.NotFound(w, "Учётная запись не найдена: "+id)
		return
	}

	if err := h.session.SwitchTo(r.Context(), *entry); err != nil {
		apierrors.FromService(w, err)
		return
	}
	h.GetSession(w, r)
}

// VerifyAccount — POST /api/v1/accounts/{id}/verify.
// Подтверждение кодом доступа; неверный код не меняет активную сессию.
func (h *APIHandler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := h.decodeBody(r, &req); err != nil {
		apierrors.ValidationError(w, "Некорректный запрос: "+err.Error())
		return
	}

	entry := model.KnownAccountEntry{ID: chi.URLParam(r, "id"), Role: req.Role}
	if err := h.session.Verify(r.Context(), entry, req.AccessCode); err != nil {
		apierrors.FromService(w, err)
		return
	}
	h.GetSession(w, r)
}
