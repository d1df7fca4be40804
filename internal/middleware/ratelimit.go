package middleware

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tg-clean-bot-go/internal/config"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(groupID int64) bool
	Reset(groupID int64)
}

// GroupRateLimiter throttles command handling per group so a command flood
// cannot starve the message pipeline.
type GroupRateLimiter struct {
	enabled         bool
	limiters        map[int64]*rate.Limiter
	mu              sync.RWMutex
	cpm             int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.Config, logger *logrus.Logger) RateLimiter {
	if !cfg.RateLimit.Enabled {
		return &GroupRateLimiter{enabled: false}
	}

	rl := &GroupRateLimiter{
		enabled:         true,
		limiters:        make(map[int64]*rate.Limiter),
		cpm:             cfg.RateLimit.CommandsPerMinute,
		burst:           cfg.RateLimit.Burst,
		logger:          logger,
		cleanupInterval: 1 * time.Hour,
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a group may run another command
func (r *GroupRateLimiter) Allow(groupID int64) bool {
	if !r.enabled {
		return true
	}

	limiter := r.getLimiter(groupID)
	allowed := limiter.Allow()

	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"group_id": groupID,
		}).Warn("Rate limit exceeded")
	}

	return allowed
}

// Reset resets the rate limiter for a group
func (r *GroupRateLimiter) Reset(groupID int64) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, groupID)
	r.mu.Unlock()
}

// getLimiter gets or creates a rate limiter for a group
func (r *GroupRateLimiter) getLimiter(groupID int64) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[groupID]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := r.limiters[groupID]; exists {
		return limiter
	}

	rps := float64(r.cpm) / 60.0
	limiter = rate.NewLimiter(rate.Limit(rps), r.burst)
	r.limiters[groupID] = limiter

	return limiter
}

// cleanup bounds the limiter map size
func (r *GroupRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if len(r.limiters) > 10000 {
			r.logger.Warn("Rate limiter map size exceeded threshold, clearing")
			r.limiters = make(map[int64]*rate.Limiter)
		}
		r.mu.Unlock()
	}
}
