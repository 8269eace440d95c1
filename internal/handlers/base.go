package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sdko-org/linkproxy/internal/audit"
	"github.com/sdko-org/linkproxy/internal/auth"
	"github.com/sdko-org/linkproxy/internal/cache"
	"github.com/sirupsen/logrus"
)

const (
	UserTokenHeader  = "X-Access-Token"
	AdminTokenHeader = "X-Admin-Token"

	maxBodyBytes = 64 << 10
)

// Handler serves the HTTP API on top of the service components.
type Handler struct {
	authority  *auth.Authority
	links      *cache.Refresher
	audit      *audit.Log
	log        *logrus.Entry
	trustProxy bool
}

func NewHandler(logger *logrus.Logger, authority *auth.Authority, links *cache.Refresher, auditLog *audit.Log, trustProxy bool) *Handler {
	return &Handler{
		authority:  authority,
		links:      links,
		audit:      auditLog,
		log:        logger.WithField("component", "api_handler"),
		trustProxy: trustProxy,
	}
}

// decodeBody reads an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) clientIP(r *http.Request) string {
	return getClientIP(r, h.trustProxy)
}
