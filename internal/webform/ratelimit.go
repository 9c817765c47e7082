package webform

import (
	"sync"
	"time"

	"ugbridge/pkg/logging"
)

// LoginRateLimiter limits login form submissions per client IP using a
// sliding window. Attempts are tracked per IP, not globally, and old
// attempts age out of the window.
type LoginRateLimiter struct {
	mu sync.Mutex

	maxAttempts int
	window      time.Duration

	attempts map[string][]time.Time
}

// NewLoginRateLimiter creates a limiter allowing maxAttempts submissions
// per IP within window.
func NewLoginRateLimiter(maxAttempts int, window time.Duration) *LoginRateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LoginRateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow reports whether ip may attempt a login now. An allowed attempt is
// recorded; a rejected one is not.
func (rl *LoginRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	var recent []time.Time
	for _, t := range rl.attempts[ip] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxAttempts {
		logging.Warn("WebForm", "Rate limit exceeded for %s (%d attempts in %v)", ip, len(recent), rl.window)
		rl.attempts[ip] = recent
		return false
	}

	recent = append(recent, now)
	rl.attempts[ip] = recent
	return true
}

// Cleanup removes IPs whose attempts have all aged out of the window.
func (rl *LoginRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := time.Now().Add(-rl.window)
	for ip, attempts := range rl.attempts {
		var recent []time.Time
		for _, t := range attempts {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(rl.attempts, ip)
		} else {
			rl.attempts[ip] = recent
		}
	}
}
