package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
	"golang.org/x/time/rate"
)

// SendThrottle paces outbound transport calls per chat
type SendThrottle struct {
	enabled         bool
	limiters        map[int64]*throttleEntry
	mu              sync.Mutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
	idleAfter       time.Duration
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewSendThrottle creates a throttle from the rate limit configuration
func NewSendThrottle(cfg *config.RateLimitConfig, logger *logrus.Logger) *SendThrottle {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return &SendThrottle{enabled: false}
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &SendThrottle{
		enabled:         true,
		limiters:        make(map[int64]*throttleEntry),
		rpm:             cfg.RequestsPerMinute,
		burst:           burst,
		logger:          logger,
		cleanupInterval: 10 * time.Minute,
		idleAfter:       time.Hour,
	}
}

// Wait blocks until a call to chatID is allowed or ctx is done
func (s *SendThrottle) Wait(ctx context.Context, chatID int64) error {
	if !s.enabled {
		return nil
	}

	if s.Allow(chatID) {
		return nil
	}
	s.logger.WithField("chat_id", chatID).Debug("Outbound throttled")
	return s.getLimiter(chatID).Wait(ctx)
}

// Allow reports whether a call to chatID may proceed immediately, consuming a token if so
func (s *SendThrottle) Allow(chatID int64) bool {
	if !s.enabled {
		return true
	}
	return s.getLimiter(chatID).Allow()
}

// getLimiter gets or creates a limiter for a chat
func (s *SendThrottle) getLimiter(chatID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.limiters[chatID]
	if !exists {
		// Rate per second = RPM / 60
		rps := float64(s.rpm) / 60.0
		entry = &throttleEntry{limiter: rate.NewLimiter(rate.Limit(rps), s.burst)}
		s.limiters[chatID] = entry
	}
	entry.lastUsed = time.Now()

	return entry.limiter
}

// Run removes idle limiters until ctx is done
func (s *SendThrottle) Run(ctx context.Context) {
	if !s.enabled {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *SendThrottle) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for chatID, entry := range s.limiters {
		if now.Sub(entry.lastUsed) > s.idleAfter {
			delete(s.limiters, chatID)
			removed++
		}
	}
	return removed
}
