package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sdko-org/linkproxy/internal/metrics"
	"github.com/sirupsen/logrus"
)

func RegisterRoutes(r *mux.Router, h *Handler, throttle *ClientRateLimiter) {
	r.Handle("/verify-key", throttle.Middleware(http.HandlerFunc(h.VerifyKey))).Methods("POST", "OPTIONS")
	r.Handle("/links", h.RequireUserToken(http.HandlerFunc(h.GetLinks))).Methods("GET", "OPTIONS")

	r.HandleFunc("/admin/login", h.AdminLogin).Methods("POST", "OPTIONS")
	r.Handle("/admin/log-connection", throttle.Middleware(http.HandlerFunc(h.LogConnection))).Methods("POST", "OPTIONS")
	r.Handle("/admin/connections", h.RequireAdminToken(http.HandlerFunc(h.Connections))).Methods("GET", "OPTIONS")
	r.Handle("/admin/stats", h.RequireAdminToken(http.HandlerFunc(h.Stats))).Methods("GET", "OPTIONS")
	r.Handle("/admin/force-refresh", h.RequireAdminToken(http.HandlerFunc(h.ForceRefresh))).Methods("POST", "OPTIONS")

	r.HandleFunc("/health", h.Health).Methods("GET", "OPTIONS")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// NewRouter builds the full HTTP handler. Recovery and access logging wrap the
// router so unmatched requests are logged too.
func NewRouter(logger *logrus.Logger, h *Handler, throttle *ClientRateLimiter, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(mux.CORSMethodMiddleware(r))
	r.Use(CORSMiddleware(allowedOrigins))
	RegisterRoutes(r, h, throttle)

	return RecoveryMiddleware(logger)(LoggingMiddleware(logger, h.trustProxy)(r))
}
