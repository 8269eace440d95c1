package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sdko-org/linkproxy/internal/audit"
	"github.com/sdko-org/linkproxy/internal/auth"
	"github.com/sdko-org/linkproxy/internal/models"
	"github.com/sirupsen/logrus"
)

type verifyKeyRequest struct {
	Key string `json:"key"`
}

type verifyKeyResponse struct {
	Valid   bool   `json:"valid"`
	Token   string `json:"token"`
	Message string `json:"message"`
}

type cacheInfo struct {
	LastUpdate      *string  `json:"last_update"`
	CacheAgeSeconds *int     `json:"cache_age_seconds"`
	IsUpdating      bool     `json:"is_updating"`
	NextUpdateIn    *float64 `json:"next_update_in"`
}

type linksResponse struct {
	Links     []models.Link `json:"links"`
	CacheInfo cacheInfo     `json:"cache_info"`
}

// VerifyKey exchanges an access key for a user token.
func (h *Handler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeInvalid(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	clientIP := h.clientIP(r)
	token, err := h.authority.IssueUserToken(req.Key)
	switch {
	case errors.Is(err, auth.ErrMissingKey):
		writeInvalid(w, http.StatusBadRequest, "No key provided")
		return
	case errors.Is(err, auth.ErrInvalidKey):
		h.log.WithField("client_ip", clientIP).Warn("Rejected invalid access key")
		writeInvalid(w, http.StatusUnauthorized, "Invalid key")
		return
	case err != nil:
		h.log.WithError(err).Error("Failed to issue user token")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	h.audit.Append(audit.Entry{
		Address:     clientIP,
		Country:     unknown,
		CountryName: unknown,
		Key:         req.Key,
		UserAgent:   r.UserAgent(),
		EventType:   "key_verified",
	})
	h.log.WithField("client_ip", clientIP).Info("Issued user token")

	writeJSON(w, http.StatusOK, verifyKeyResponse{
		Valid:   true,
		Token:   token,
		Message: "Access granted",
	})
}

// GetLinks serves the cached snapshot. It never waits on upstream.
func (h *Handler) GetLinks(w http.ResponseWriter, r *http.Request) {
	pages, ok := parsePages(r.URL.Query().Get("pages"), h.links.MaxPages())
	if !ok {
		writeError(w, http.StatusBadRequest, "pages must be a positive integer")
		return
	}

	links, meta := h.links.Read()

	filtered := make([]models.Link, 0, len(links))
	for _, l := range links {
		if l.Page <= pages {
			filtered = append(filtered, l)
		}
	}

	info := cacheInfo{IsUpdating: meta.RefreshInFlight}
	if meta.Refreshed() {
		lastUpdate := meta.LastRefreshedAt.UTC().Format(time.RFC3339)
		age := int(meta.AgeSeconds)
		next := meta.NextRefreshSeconds
		info.LastUpdate = &lastUpdate
		info.CacheAgeSeconds = &age
		info.NextUpdateIn = &next
	}

	h.log.WithFields(logrus.Fields{
		"pages":  pages,
		"links":  len(filtered),
		"stale":  meta.Refreshed() && meta.NextRefreshSeconds == 0,
		"warmup": !meta.Refreshed(),
	}).Debug("Serving links")

	writeJSON(w, http.StatusOK, linksResponse{Links: filtered, CacheInfo: info})
}

// parsePages reads the pages query value. Missing or non-numeric values mean 1,
// values above maxPages are clamped and non-positive values are rejected.
func parsePages(raw string, maxPages int) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 1, true
	}
	if n <= 0 {
		return 0, false
	}
	if n > maxPages {
		n = maxPages
	}
	return n, true
}
