// entitlement.go — обработчики /api/v1/entitlement и /api/v1/gate.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/apra1107-crypto/erp-sub003/internal/api/errors"
	"github.com/apra1107-crypto/erp-sub003/internal/service"
)

type entitlementResponse struct {
	// Gated — роль ограничивается подпиской учреждения
	Gated       bool                     `json:"gated"`
	Locked      bool                     `json:"locked"`
	Entitlement *service.EntitlementView `json:"entitlement,omitempty"`
}

type gateResponse struct {
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
}

// GetEntitlement — GET /api/v1/entitlement.
func (h *APIHandler) GetEntitlement(w http.ResponseWriter, _ *http.Request) {
	identity, ok := h.engine.Identity()
	if !ok {
		apierrors.FromService(w, service.ErrNoActiveIdentity)
		return
	}

	resp := entitlementResponse{Gated: identity.Role.Gated(), Locked: h.engine.Locked()}
	if view, ok := h.engine.Entitlement(); ok {
		resp.Entitlement = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefreshEntitlement — POST /api/v1/entitlement/refresh.
// Ошибка сети — 502, последнее известное состояние сохраняется.
func (h *APIHandler) RefreshEntitlement(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RefreshEntitlement(r.Context()); err != nil {
		apierrors.FromService(w, err)
		return
	}
	h.GetEntitlement(w, r)
}

// Gate — GET /api/v1/gate/{action}.
// 423 — действие недоступно, пока подписка истекла или отключена.
func (h *APIHandler) Gate(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if err := h.engine.Gate(action); err != nil {
		apierrors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateResponse{Action: action, Allowed: true})
}
