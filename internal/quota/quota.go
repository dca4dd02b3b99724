// Package quota enforces the per-user message budget: a token bucket of
// Capacity messages refilled by RefillAmount every Interval.
package quota

import (
	"log"
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"aifusion/internal/config"
)

// Checker admits or rejects message sends against a per-owner token bucket.
type Checker interface {
	// Admit consumes n tokens for owner. It returns false, consuming
	// nothing, when fewer than n tokens are available.
	Admit(owner string, n int) bool
	// Remaining reports the tokens currently available to owner without
	// consuming any.
	Remaining(owner string) int
}

// Limits describes one token bucket.
type Limits struct {
	Capacity     int
	RefillAmount int
	Interval     time.Duration
}

// LimitsFromConfig converts the quota config section.
func LimitsFromConfig(cfg config.QuotaConfig) Limits {
	return Limits{
		Capacity:     cfg.Capacity,
		RefillAmount: cfg.RefillAmount,
		Interval:     time.Duration(cfg.IntervalSeconds) * time.Second,
	}
}

// fullAfter is how long an untouched bucket takes to refill completely.
// Buckets idle longer than that are indistinguishable from new ones and can be evicted.
func (l Limits) fullAfter() time.Duration {
	if l.RefillAmount <= 0 {
		return l.Interval
	}
	return time.Duration(float64(l.Interval) * float64(l.Capacity) / float64(l.RefillAmount))
}

// TokenBucket keeps one rate.Limiter per owner in an expiring cache.
type TokenBucket struct {
	limits Limits
	cache  *gocache.Cache
	mu     sync.Mutex
	now    func() time.Time
}

// NewTokenBucket creates a bucket checker with the given limits.
func NewTokenBucket(limits Limits) *TokenBucket {
	ttl := limits.fullAfter()
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenBucket{
		limits: limits,
		cache:  gocache.New(ttl, ttl/2+time.Minute),
		now:    time.Now,
	}
}

// limiterFor returns the owner's limiter, creating a full bucket when none is cached.
func (b *TokenBucket) limiterFor(owner string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, found := b.cache.Get(owner); found {
		if l, ok := v.(*rate.Limiter); ok {
			// refresh so an active owner never loses their partially drained bucket
			b.cache.SetDefault(owner, l)
			return l
		}
		log.Printf("[Quota] Unexpected cache entry type for owner, recreating bucket")
	}

	every := rate.Every(b.limits.Interval / time.Duration(max(b.limits.RefillAmount, 1)))
	l := rate.NewLimiter(every, b.limits.Capacity)
	// anchor the full bucket to the checker clock
	l.SetLimitAt(b.now(), every)
	b.cache.SetDefault(owner, l)
	return l
}

// Admit implements Checker.
func (b *TokenBucket) Admit(owner string, n int) bool {
	if n <= 0 {
		return true
	}
	return b.limiterFor(owner).AllowN(b.now(), n)
}

// Remaining implements Checker. It is the "requested: 0" peek used by the
// usage meter.
func (b *TokenBucket) Remaining(owner string) int {
	tokens := b.limiterFor(owner).TokensAt(b.now())
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

// Unlimited admits everything. Used when quota is disabled.
type Unlimited struct{}

func (Unlimited) Admit(string, int) bool { return true }
func (Unlimited) Remaining(string) int   { return math.MaxInt32 }

// PlanAware exempts premium owners from an underlying checker.
type PlanAware struct {
	Checker   Checker
	IsPremium func(owner string) bool
}

// Admit implements Checker.
func (p PlanAware) Admit(owner string, n int) bool {
	if p.IsPremium != nil && p.IsPremium(owner) {
		return true
	}
	return p.Checker.Admit(owner, n)
}

// Remaining implements Checker.
func (p PlanAware) Remaining(owner string) int {
	if p.IsPremium != nil && p.IsPremium(owner) {
		return math.MaxInt32
	}
	return p.Checker.Remaining(owner)
}

// New builds the checker described by cfg. isPremium is consulted only when
// cfg.ExemptPremium is set.
func New(cfg config.QuotaConfig, isPremium func(owner string) bool) Checker {
	if !cfg.Enabled {
		return Unlimited{}
	}
	var c Checker = NewTokenBucket(LimitsFromConfig(cfg))
	if cfg.ExemptPremium && isPremium != nil {
		c = PlanAware{Checker: c, IsPremium: isPremium}
	}
	return c
}
