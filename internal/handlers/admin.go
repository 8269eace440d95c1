package handlers

import (
	"errors"
	"net/http"

	"github.com/sdko-org/linkproxy/internal/audit"
	"github.com/sdko-org/linkproxy/internal/auth"
	"github.com/sirupsen/logrus"
)

const unknown = "Unknown"

type adminLoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type adminLoginResponse struct {
	Valid bool   `json:"valid"`
	Token string `json:"token"`
}

type loginFailureResponse struct {
	Valid             bool   `json:"valid"`
	Error             string `json:"error"`
	RemainingAttempts int    `json:"remaining_attempts"`
}

type connectionsResponse struct {
	Connections []audit.Entry `json:"connections"`
	Total       int           `json:"total"`
}

type logConnectionRequest struct {
	IP          string `json:"ip"`
	Country     string `json:"country"`
	CountryName string `json:"countryName"`
	Key         string `json:"key"`
	UserAgent   string `json:"userAgent"`
	Type        string `json:"type"`
}

type successResponse struct {
	Success bool  `json:"success"`
	Started *bool `json:"started,omitempty"`
}

// AdminLogin exchanges the admin credentials for an admin token. The login
// limiter is consulted before the body is looked at.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)

	var req adminLoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		// A malformed body counts as missing credentials.
		req = adminLoginRequest{}
	}

	session, err := h.authority.IssueAdminSession(req.Login, req.Password, clientIP)
	if err != nil {
		h.writeLoginFailure(w, clientIP, err)
		return
	}

	h.audit.Append(audit.Entry{
		Address:     clientIP,
		Country:     unknown,
		CountryName: unknown,
		UserAgent:   r.UserAgent(),
		EventType:   "admin_login",
	})
	h.log.WithFields(logrus.Fields{
		"client_ip": clientIP,
		"login":     session.Login,
	}).Info("Admin logged in")

	writeJSON(w, http.StatusOK, adminLoginResponse{Valid: true, Token: session.Token})
}

func (h *Handler) writeLoginFailure(w http.ResponseWriter, clientIP string, err error) {
	logEntry := h.log.WithField("client_ip", clientIP)

	if errors.Is(err, auth.ErrRateLimited) {
		logEntry.Warn("Admin login rate limited")
		writeInvalid(w, http.StatusTooManyRequests, "Too many login attempts. Please try again later.")
		return
	}

	var attemptErr *auth.AttemptError
	if !errors.As(err, &attemptErr) {
		logEntry.WithError(err).Error("Admin login failed")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	status, message := http.StatusUnauthorized, "Invalid credentials"
	if errors.Is(err, auth.ErrMissingCredentials) {
		status, message = http.StatusBadRequest, "Login and password are required"
	}
	logEntry.WithFields(logrus.Fields{
		"remaining_attempts": attemptErr.Remaining,
		"reason":             attemptErr.Err.Error(),
	}).Warn("Admin login rejected")

	writeJSON(w, status, loginFailureResponse{
		Valid:             false,
		Error:             message,
		RemainingAttempts: attemptErr.Remaining,
	})
}

// Connections lists the audit log, newest first.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	entries := h.audit.List()
	writeJSON(w, http.StatusOK, connectionsResponse{Connections: entries, Total: len(entries)})
}

// LogConnection records a client-reported connection. Fields the client leaves
// out are filled from the request; the timestamp is always the server's.
func (h *Handler) LogConnection(w http.ResponseWriter, r *http.Request) {
	var req logConnectionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.log.WithError(err).Debug("Ignoring unreadable connection report body")
		req = logConnectionRequest{}
	}

	entry := audit.Entry{
		Address:     orDefault(req.IP, h.clientIP(r)),
		Country:     orDefault(req.Country, unknown),
		CountryName: orDefault(req.CountryName, unknown),
		Key:         req.Key,
		UserAgent:   orDefault(req.UserAgent, r.UserAgent()),
		EventType:   orDefault(req.Type, "visit"),
	}
	h.audit.Append(entry)

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.audit.Stats())
}

// ForceRefresh starts a cache refresh without waiting for it. started is false
// when one was already running.
func (h *Handler) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	started := h.links.ForceRefresh()

	logEntry := h.log.WithField("started", started)
	if session, ok := h.authority.AdminSession(r.Header.Get(AdminTokenHeader)); ok {
		logEntry = logEntry.WithField("login", session.Login)
	}
	logEntry.Info("Forced link cache refresh")

	writeJSON(w, http.StatusOK, successResponse{Success: true, Started: &started})
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
