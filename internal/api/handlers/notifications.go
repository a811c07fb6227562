// notifications.go — обработчики ленты уведомлений.
package handlers

import (
	"net/http"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

type notificationsResponse struct {
	Items []model.NotificationRecord `json:"items"`
	Total int                        `json:"total"`
}

// ListNotifications — GET /api/v1/notifications. Новые первыми.
func (h *APIHandler) ListNotifications(w http.ResponseWriter, _ *http.Request) {
	items := h.engine.Feed().List()
	if items == nil {
		items = []model.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Items: items, Total: len(items)})
}

// ClearNotifications — DELETE /api/v1/notifications.
func (h *APIHandler) ClearNotifications(w http.ResponseWriter, _ *http.Request) {
	h.engine.Feed().Clear()
	w.WriteHeader(http.StatusNoContent)
}
