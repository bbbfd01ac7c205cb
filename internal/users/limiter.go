// internal/users/limiter.go
package users

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minSweepMark is the number of tracked keys at which idle limiters are first
// swept.
const minSweepMark = 10000

// attempts throttles attempts per key. A limiter that has refilled to its
// burst behaves exactly like a new one, so a sweep drops only those and a key
// that is still locked out is never forgotten.
type attempts struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	sweepAt  int
}

func newAttempts(perMinute, burst int) *attempts {
	return &attempts{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		sweepAt:  minSweepMark,
	}
}

func (a *attempts) allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	l, ok := a.limiters[key]
	if !ok {
		if len(a.limiters) >= a.sweepAt {
			a.sweep(now)
		}
		l = rate.NewLimiter(a.limit, a.burst)
		a.limiters[key] = l
	}
	return l.AllowN(now, 1)
}

// sweep drops idle limiters and moves the mark so that a flood of live keys
// costs amortized constant time per attempt.
func (a *attempts) sweep(now time.Time) {
	maps.DeleteFunc(a.limiters, func(_ string, l *rate.Limiter) bool {
		return l.TokensAt(now) >= float64(a.burst)
	})
	a.sweepAt = max(minSweepMark, 2*len(a.limiters))
}

func (a *attempts) tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.limiters)
}

// emailTag identifies an email in logs without recording the address.
func emailTag(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:6])
}
