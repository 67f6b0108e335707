package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/session-server/internal/audit"
	apperrors "github.com/pairlink/session-server/internal/errors"
	"github.com/pairlink/session-server/internal/httputil"
)

const (
	DefaultCodeAttemptsPerMin = 30

	codeAttemptWindow        = time.Minute
	codeAttemptCleanupPeriod = 5 * time.Minute
)

type codeAttempt struct {
	count       int
	windowStart time.Time
}

// CodeAttemptLimiter caps how many pairing-code lookups one address may make
// per fixed one-minute window. Codes act as bearer secrets, so this bounds
// guessing independently of the session-creation limit.
type CodeAttemptLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*codeAttempt
	max         int
	lastCleanup time.Time
	now         func() time.Time
}

func NewCodeAttemptLimiter(limit int) *CodeAttemptLimiter {
	if limit <= 0 {
		limit = DefaultCodeAttemptsPerMin
	}
	return &CodeAttemptLimiter{
		attempts:    make(map[string]*codeAttempt),
		max:         limit,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (l *CodeAttemptLimiter) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < codeAttemptCleanupPeriod {
		return
	}
	l.lastCleanup = now

	for ip, attempt := range l.attempts {
		if now.Sub(attempt.windowStart) > codeAttemptWindow {
			delete(l.attempts, ip)
		}
	}
}

// allow records an attempt and returns how long until the window resets
// when the caller is over the limit.
func (l *CodeAttemptLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(now)

	attempt, exists := l.attempts[ip]
	if !exists || now.Sub(attempt.windowStart) > codeAttemptWindow {
		l.attempts[ip] = &codeAttempt{count: 1, windowStart: now}
		return true, 0
	}

	if attempt.count >= l.max {
		return false, attempt.windowStart.Add(codeAttemptWindow).Sub(now)
	}

	attempt.count++
	return true, 0
}

func (l *CodeAttemptLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, wait := l.allow(ip)
		if !allowed {
			seconds := max(int(wait.Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))

			log.Warn().Str("ip", ip).Msg("too many pairing code attempts")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"route": "pairing_code", "limit": l.max},
			})
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
