package handlers

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sdko-org/linkproxy/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytesSent  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesSent += n
	return n, err
}

func LoggingMiddleware(logger *logrus.Logger, trustProxy bool) func(http.Handler) http.Handler {
	logEntry := logger.WithField("component", "http_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				fields := logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     lrw.statusCode,
					"duration":   time.Since(start),
					"client_ip":  getClientIP(r, trustProxy),
					"bytes":      lrw.bytesSent,
					"user_agent": r.UserAgent(),
				}
				entry := logEntry.WithFields(fields)
				switch {
				case lrw.statusCode >= 500:
					entry.Error("Request processed")
				case lrw.statusCode >= 400:
					entry.Warn("Request processed")
				default:
					entry.Info("Request processed")
				}
			}()

			next.ServeHTTP(lrw, r)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a JSON 500.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	logEntry := logger.WithField("component", "http_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logEntry.WithFields(logrus.Fields{
						"error":  err,
						"method": r.Method,
						"path":   r.URL.Path,
						"stack":  string(debug.Stack()),
					}).Error("Panic recovered")
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware allows the configured origins and answers preflight requests.
// Pair it with mux.CORSMethodMiddleware so Allow-Methods follows the routes.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", UserTokenHeader, AdminTokenHeader}, ", "))

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) RequireUserToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authority.ValidateUserToken(r.Header.Get(UserTokenHeader)) {
			writeError(w, http.StatusUnauthorized, "Unauthorized - Invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) RequireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authority.ValidateAdminToken(r.Header.Get(AdminTokenHeader)) {
			writeError(w, http.StatusUnauthorized, "Unauthorized - Invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter is a per-IP token bucket for unauthenticated endpoints.
type ClientRateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientLimiter
	limit      rate.Limit
	burst      int
	trustProxy bool
}

func NewClientRateLimiter(requests int, window time.Duration, trustProxy bool) *ClientRateLimiter {
	return &ClientRateLimiter{
		clients:    make(map[string]*clientLimiter),
		limit:      rate.Limit(float64(requests) / window.Seconds()),
		burst:      requests,
		trustProxy: trustProxy,
	}
}

func (c *ClientRateLimiter) Allow(clientIP string) bool {
	c.mu.Lock()
	limiter, exists := c.clients[clientIP]
	if !exists {
		limiter = &clientLimiter{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[clientIP] = limiter
	}
	limiter.lastSeen = time.Now()
	c.mu.Unlock()

	return limiter.limiter.Allow()
}

func (c *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Allow(getClientIP(r, c.trustProxy)) {
			metrics.RequestsThrottled.WithLabelValues(r.URL.Path).Inc()
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start forgets clients idle for longer than maxIdle, checking every minute.
func (c *ClientRateLimiter) Start(ctx context.Context, maxIdle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup(maxIdle)
		case <-ctx.Done():
			return
		}
	}
}

func (c *ClientRateLimiter) cleanup(maxIdle time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, client := range c.clients {
		if time.Since(client.lastSeen) > maxIdle {
			delete(c.clients, ip)
		}
	}
}

// getClientIP returns the caller's address. Proxy headers are honoured only
// when trustProxy is set, otherwise anyone could pick their own rate-limit key.
func getClientIP(r *http.Request, trustProxy bool) string {
	var ip string
	if trustProxy {
		ip = r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.Header.Get("X-Real-IP")
		}
	}
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
	}
	if strings.Contains(ip, ",") {
		parts := strings.Split(ip, ",")
		ip = strings.TrimSpace(parts[0])
	}
	return ip
}
