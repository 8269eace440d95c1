// Package auth issues and validates the opaque bearer tokens of the two trust
// tiers: user tokens granted for a valid access key, and admin sessions granted
// for the admin credentials. The tiers share no token namespace. Tokens have no
// expiry and live until the process exits.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sdko-org/linkproxy/internal/metrics"
)

// TokenBytes is the amount of randomness behind every token.
const TokenBytes = 32

var (
	ErrMissingKey          = errors.New("no key provided")
	ErrInvalidKey          = errors.New("invalid key")
	ErrMissingCredentials  = errors.New("login and password are required")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrRateLimited         = errors.New("too many login attempts")
	errTokenGenerationFail = errors.New("token generation failed")
)

// AttemptError reports a rejected admin login together with the attempts the
// source address has left in the current window.
type AttemptError struct {
	Err       error
	Remaining int
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%v (%d attempts remaining)", e.Err, e.Remaining)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// LoginLimiter is the slice of the sliding-window limiter the authority needs.
type LoginLimiter interface {
	Allow(addr string) bool
	RecordAttempt(addr string) int
	Clear(addr string)
}

type AdminSession struct {
	Token         string    `json:"-"`
	Login         string    `json:"login"`
	SourceAddress string    `json:"source_address"`
	CreatedAt     time.Time `json:"created_at"`
}

type Authority struct {
	validKeys     map[string]struct{}
	adminLogin    string
	adminPassword string
	limiter       LoginLimiter
	now           func() time.Time

	userMu     sync.RWMutex
	userTokens map[string]string

	adminMu  sync.RWMutex
	sessions map[string]AdminSession
}

func NewAuthority(validKeys []string, adminLogin, adminPassword string, limiter LoginLimiter) *Authority {
	keys := make(map[string]struct{}, len(validKeys))
	for _, k := range validKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Authority{
		validKeys:     keys,
		adminLogin:    adminLogin,
		adminPassword: adminPassword,
		limiter:       limiter,
		now:           time.Now,
		userTokens:    make(map[string]string),
		sessions:      make(map[string]AdminSession),
	}
}

// ValidKeyCount returns how many access keys are configured.
func (a *Authority) ValidKeyCount() int {
	return len(a.validKeys)
}

// IssueUserToken exchanges a configured access key for a new user token.
func (a *Authority) IssueUserToken(candidateKey string) (string, error) {
	key := strings.TrimSpace(candidateKey)
	if key == "" {
		metrics.KeyVerifications.WithLabelValues("missing").Inc()
		return "", ErrMissingKey
	}
	if _, ok := a.validKeys[key]; !ok {
		metrics.KeyVerifications.WithLabelValues("invalid").Inc()
		return "", ErrInvalidKey
	}

	a.userMu.Lock()
	defer a.userMu.Unlock()
	token, err := a.uniqueToken(func(t string) bool { _, ok := a.userTokens[t]; return ok })
	if err != nil {
		return "", err
	}
	a.userTokens[token] = key

	metrics.KeyVerifications.WithLabelValues("valid").Inc()
	metrics.TokensIssued.WithLabelValues("user").Inc()
	return token, nil
}

func (a *Authority) ValidateUserToken(token string) bool {
	if token == "" {
		return false
	}
	a.userMu.RLock()
	defer a.userMu.RUnlock()
	_, ok := a.userTokens[token]
	return ok
}

// IssueAdminSession checks the limiter for sourceAddress before anything else,
// then the credentials. Every rejected request except a rate-limited one is
// recorded against sourceAddress.
func (a *Authority) IssueAdminSession(login, password, sourceAddress string) (AdminSession, error) {
	if !a.limiter.Allow(sourceAddress) {
		metrics.AdminLogins.WithLabelValues("rate_limited").Inc()
		return AdminSession{}, ErrRateLimited
	}

	if login == "" || password == "" {
		metrics.AdminLogins.WithLabelValues("missing").Inc()
		return AdminSession{}, &AttemptError{Err: ErrMissingCredentials, Remaining: a.limiter.RecordAttempt(sourceAddress)}
	}

	if !a.credentialsMatch(login, password) {
		metrics.AdminLogins.WithLabelValues("invalid").Inc()
		return AdminSession{}, &AttemptError{Err: ErrInvalidCredentials, Remaining: a.limiter.RecordAttempt(sourceAddress)}
	}

	a.limiter.Clear(sourceAddress)

	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	token, err := a.uniqueToken(func(t string) bool { _, ok := a.sessions[t]; return ok })
	if err != nil {
		return AdminSession{}, err
	}
	session := AdminSession{
		Token:         token,
		Login:         login,
		SourceAddress: sourceAddress,
		CreatedAt:     a.now(),
	}
	a.sessions[token] = session

	metrics.AdminLogins.WithLabelValues("success").Inc()
	metrics.TokensIssued.WithLabelValues("admin").Inc()
	return session, nil
}

func (a *Authority) ValidateAdminToken(token string) bool {
	_, ok := a.AdminSession(token)
	return ok
}

// AdminSession returns the session metadata recorded for token.
func (a *Authority) AdminSession(token string) (AdminSession, bool) {
	if token == "" {
		return AdminSession{}, false
	}
	a.adminMu.RLock()
	defer a.adminMu.RUnlock()
	s, ok := a.sessions[token]
	return s, ok
}

// Counts returns the number of live user tokens and admin sessions.
func (a *Authority) Counts() (userTokens, adminSessions int) {
	a.userMu.RLock()
	userTokens = len(a.userTokens)
	a.userMu.RUnlock()

	a.adminMu.RLock()
	adminSessions = len(a.sessions)
	a.adminMu.RUnlock()
	return userTokens, adminSessions
}

func (a *Authority) credentialsMatch(login, password string) bool {
	if a.adminLogin == "" || a.adminPassword == "" {
		return false
	}
	loginOK := subtle.ConstantTimeCompare([]byte(login), []byte(a.adminLogin)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.adminPassword)) == 1
	return loginOK && passwordOK
}

// uniqueToken draws tokens until taken reports a fresh one. Caller holds the tier's lock.
func (a *Authority) uniqueToken(taken func(string) bool) (string, error) {
	for i := 0; i < 3; i++ {
		token, err := NewToken(TokenBytes)
		if err != nil {
			return "", err
		}
		if !taken(token) {
			return token, nil
		}
	}
	return "", errTokenGenerationFail
}

// NewToken returns nbytes of crypto randomness, base64url encoded without padding.
func NewToken(nbytes int) (string, error) {
	if nbytes < 16 {
		return "", errors.New("token size too small")
	}
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token with rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
