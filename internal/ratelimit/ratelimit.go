// Package ratelimit implements per-session and global token-bucket rate
// limiting at the Router boundary, on top of golang.org/x/time/rate.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter enforces a global rate limit plus an independent per-session
// limit, so one noisy session cannot starve every other session's budget.
type Limiter struct {
	global *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

// New builds a Limiter with the given global and per-session rates
// (requests per second) and burst sizes.
func New(globalPerSec float64, globalBurst int, sessionPerSec float64, sessionBurst int) *Limiter {
	return &Limiter{
		global:   rate.NewLimiter(rate.Limit(globalPerSec), globalBurst),
		sessions: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(sessionPerSec),
		burst:    sessionBurst,
	}
}

// Allow reports whether a request for sessionID may proceed now, consuming
// one token from both the global and the session-scoped bucket if so.
func (l *Limiter) Allow(sessionID string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.sessionLimiter(sessionID).Allow()
}

func (l *Limiter) sessionLimiter(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.sessions[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.sessions[sessionID] = lim
	}
	return lim
}
