package broadcast

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps broadcast throughput per tenant with a continuously refilled
// token bucket: burst equals the hourly cap, tokens return at cap/3600 per
// second. Budgets are never shared across tenants.
type Limiter struct {
	perHour int

	mu      sync.Mutex
	buckets map[int64]*rate.Limiter
}

func NewLimiter(perHour int) *Limiter {
	return &Limiter{
		perHour: perHour,
		buckets: make(map[int64]*rate.Limiter),
	}
}

// Allow reports whether the tenant may send one message now. Non-blocking;
// a denied send is the caller's to requeue.
func (l *Limiter) Allow(tenantID int64) bool {
	return l.bucket(tenantID).Allow()
}

// AllowN is Allow at an explicit instant. Exposed for deterministic
// rolling-window checks.
func (l *Limiter) AllowN(tenantID int64, at time.Time, n int) bool {
	return l.bucket(tenantID).AllowN(at, n)
}

func (l *Limiter) bucket(tenantID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenantID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(l.perHour)/3600.0), l.perHour)
		l.buckets[tenantID] = b
	}
	return b
}

// Forget drops a tenant's bucket, e.g. after revocation.
func (l *Limiter) Forget(tenantID int64) {
	l.mu.Lock()
	delete(l.buckets, tenantID)
	l.mu.Unlock()
}
