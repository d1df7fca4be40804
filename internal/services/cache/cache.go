package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/models"
)

// ContentCache remembers the last classification of a piece of content so a
// repeated share is flagged without re-running expensive detection such as a
// QR decode.
type ContentCache struct {
	cache   *cache.Cache
	metrics *middleware.Metrics
	logger  *logrus.Logger
}

// New creates a content cache with the given entry lifetime.
func New(ttl time.Duration, logger *logrus.Logger) *ContentCache {
	return &ContentCache{
		cache:   cache.New(ttl, ttl*2),
		metrics: middleware.NewMetrics(),
		logger:  logger,
	}
}

// Get returns the recorded category for a fingerprint.
func (c *ContentCache) Get(fingerprint string) (models.Category, bool) {
	if fingerprint == "" {
		return models.CategoryNone, false
	}
	if val, found := c.cache.Get(fingerprint); found {
		c.metrics.RecordCacheHit()
		return val.(models.Category), true
	}
	c.metrics.RecordCacheMiss()
	return models.CategoryNone, false
}

// Set records a category for a fingerprint.
func (c *ContentCache) Set(fingerprint string, category models.Category) {
	if fingerprint == "" || category == models.CategoryNone {
		return
	}
	c.cache.SetDefault(fingerprint, category)
	c.logger.WithFields(logrus.Fields{
		"fingerprint": fingerprint,
		"category":    string(category),
	}).Debug("Content recorded")
}

// Forget drops a fingerprint, used when content is added to an exception
// list.
func (c *ContentCache) Forget(fingerprint string) {
	c.cache.Delete(fingerprint)
}

// Flush clears every entry.
func (c *ContentCache) Flush() {
	c.cache.Flush()
}

// Fingerprint derives a stable identifier for message content. Media is
// identified by its platform file id, text by its hash.
func Fingerprint(m *models.Message) string {
	if m.FileID != "" {
		return m.FileID
	}
	if m.Text == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(m.Text))
	return hex.EncodeToString(hash[:])
}

// FingerprintText hashes arbitrary content such as a stripped URL or a
// decoded QR payload.
func FingerprintText(s string) string {
	if s == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}
