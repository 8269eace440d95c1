package handlers

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status         string  `json:"status"`
	ValidKeysCount int     `json:"valid_keys_count"`
	ActiveTokens   int     `json:"active_tokens"`
	AdminSessions  int     `json:"admin_sessions"`
	CachedLinks    int     `json:"cached_links"`
	LastUpdate     *string `json:"last_update"`
	IsUpdating     bool    `json:"is_updating"`
}

// Health reports liveness. It does not trigger a refresh.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	meta := h.links.Meta()
	userTokens, adminSessions := h.authority.Counts()

	resp := healthResponse{
		Status:         "ok",
		ValidKeysCount: h.authority.ValidKeyCount(),
		ActiveTokens:   userTokens,
		AdminSessions:  adminSessions,
		CachedLinks:    h.links.Len(),
		IsUpdating:     meta.RefreshInFlight,
	}
	if meta.Refreshed() {
		lastUpdate := meta.LastRefreshedAt.UTC().Format(time.RFC3339)
		resp.LastUpdate = &lastUpdate
	}

	writeJSON(w, http.StatusOK, resp)
}
