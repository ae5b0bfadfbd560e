package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter enforces per-key token buckets.
type rateLimiter struct {
	limiters sync.Map // key → *limiterEntry
	r        rate.Limit
	burst    int

	stop chan struct{}
	once sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// newRateLimiter allows rpm requests per minute with the given burst.
// rpm <= 0 disables limiting.
func newRateLimiter(rpm, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	rl := &rateLimiter{r: r, burst: burst, stop: make(chan struct{})}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) Allow(key string) bool {
	if rl.r == 0 {
		return true
	}
	entry := rl.getOrCreate(key)
	entry.mu.Lock()
	entry.lastSeen = time.Now()
	entry.mu.Unlock()
	if !entry.limiter.Allow() {
		log.Warnw("rate limited", "key", key)
		return false
	}
	return true
}

func (rl *rateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *rateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rl.r, rl.burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-10 * time.Minute))
		}
	}
}

func (rl *rateLimiter) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
		}
		return true
	})
}
