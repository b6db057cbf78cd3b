package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
)

// Service caches message classification results
type Service interface {
	Get(language, text string) (*Entry, bool)
	Set(language, text string, match *models.PatternMatch)
	Clear()
}

// Entry is a cached classification. A nil Match records that the text is free text.
type Entry struct {
	Match     *models.PatternMatch
	CreatedAt time.Time
}

// MatchCache implements Service on an in-memory TTL cache
type MatchCache struct {
	enabled bool
	cache   *cache.Cache
	logger  *logrus.Logger
	metrics *middleware.Metrics
	maxSize int
}

// NewMatchCache creates a new classification cache
func NewMatchCache(cfg *config.CacheConfig, logger *logrus.Logger, metrics *middleware.Metrics) *MatchCache {
	if !cfg.Enabled {
		return &MatchCache{enabled: false}
	}

	return &MatchCache{
		enabled: true,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
		metrics: metrics,
		maxSize: cfg.MaxSize,
	}
}

// Get retrieves a cached classification
func (c *MatchCache) Get(language, text string) (*Entry, bool) {
	if !c.enabled {
		return nil, false
	}

	if val, found := c.cache.Get(c.generateKey(language, text)); found {
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
		}
		return val.(*Entry), true
	}

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
	return nil, false
}

// Set stores a classification
func (c *MatchCache) Set(language, text string, match *models.PatternMatch) {
	if !c.enabled {
		return
	}

	// Check cache size
	if c.maxSize > 0 && c.cache.ItemCount() >= c.maxSize {
		c.logger.Warn("Classification cache size limit reached, clearing old entries")
		c.cache.DeleteExpired()
		if c.cache.ItemCount() >= c.maxSize {
			c.cache.Flush()
		}
	}

	c.cache.SetDefault(c.generateKey(language, text), &Entry{
		Match:     match,
		CreatedAt: time.Now(),
	})
}

// Clear removes all cached entries
func (c *MatchCache) Clear() {
	if !c.enabled {
		return
	}

	c.cache.Flush()
	c.logger.Info("Classification cache cleared")
}

// generateKey creates a unique cache key
func (c *MatchCache) generateKey(language, text string) string {
	data := fmt.Sprintf("%s:%s", language, text)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
