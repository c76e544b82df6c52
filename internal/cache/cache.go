package cache

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"NutriChat/internal/session"
	"NutriChat/internal/transport"
)

// CachedIntent represents a cached classification result
type CachedIntent struct {
	Intent    session.MessageType
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from messages
func GenerateCacheKey(messages []session.Message) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// IntentCache remembers classifier answers for identical histories so that a
// resend of the same conversation skips the network round trip
type IntentCache struct {
	next   transport.Classifier
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	cache  sync.Map
}

// NewIntentCache wraps next. A ttl of zero or less disables caching.
func NewIntentCache(next transport.Classifier, ttl time.Duration, logger *slog.Logger) *IntentCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentCache{next: next, ttl: ttl, logger: logger, now: time.Now}
}

// Classify implements transport.Classifier
func (c *IntentCache) Classify(token *transport.CancelToken, history []session.Message) (session.MessageType, error) {
	if c.ttl <= 0 {
		return c.next.Classify(token, history)
	}

	key := GenerateCacheKey(history)
	if val, ok := c.cache.Load(key); ok {
		cached := val.(CachedIntent)
		if c.now().Sub(cached.Timestamp) < c.ttl {
			c.logger.Debug("intent cache hit", "key", key[:16], "intent", cached.Intent)
			return cached.Intent, nil
		}
		c.cache.Delete(key)
	}

	intent, err := c.next.Classify(token, history)
	if err != nil {
		return "", err
	}

	c.cache.Store(key, CachedIntent{Intent: intent, Timestamp: c.now()})
	c.logger.Debug("cached intent", "key", key[:16], "intent", intent)
	return intent, nil
}
