package presence

import (
	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// DefaultMaxPerTarget bounds each queue when the configuration does not.
const DefaultMaxPerTarget = 500

type cacheEntry struct {
	event protocol.Event
	frame []byte
}

// OfflineCache keeps encoded frames for absent targets. A target is either a
// client id or a role class key (see RoleKey). It is not safe for concurrent
// use on its own; the Registry serializes access.
type OfflineCache struct {
	max    int
	queues map[string][]cacheEntry
	log    logger.Logger
}

func NewOfflineCache(maxPerTarget int, log logger.Logger) *OfflineCache {
	if maxPerTarget < 1 {
		maxPerTarget = DefaultMaxPerTarget
	}
	return &OfflineCache{
		max:    maxPerTarget,
		queues: make(map[string][]cacheEntry),
		log:    log,
	}
}

// RoleKey is the cache key of a role class.
func RoleKey(role domain.Role) string {
	return "role:" + role.String()
}

// Cache queues the frame if the event is cacheable and reports whether it
// did. A full queue loses its oldest entry.
func (c *OfflineCache) Cache(target string, event protocol.Event, frame []byte) bool {
	if !event.Cacheable() {
		return false
	}

	q := c.queues[target]
	if len(q) >= c.max {
		dropped := q[0]
		q = q[1:]
		c.log.Warn("offline_cache_overflow", "Dropping oldest cached message", "", map[string]interface{}{
			"target": target,
			"event":  dropped.event,
			"limit":  c.max,
		})
	}
	c.queues[target] = append(q, cacheEntry{event: event, frame: frame})

	c.log.Debug("message_cached", "Target offline, message cached", "", map[string]interface{}{
		"target": target,
		"event":  event,
		"queued": len(c.queues[target]),
	})
	return true
}

// Flush delivers the queue of target in enqueue order. It stops at the first
// failed delivery and keeps that entry and everything after it.
func (c *OfflineCache) Flush(target string, deliver func(frame []byte) error) (int, error) {
	q := c.queues[target]
	sent := 0
	for _, e := range q {
		if err := deliver(e.frame); err != nil {
			c.queues[target] = q[sent:]
			return sent, err
		}
		sent++
	}
	delete(c.queues, target)
	return sent, nil
}

func (c *OfflineCache) Len(target string) int {
	return len(c.queues[target])
}

// Targets lists every key with at least one queued frame.
func (c *OfflineCache) Targets() map[string]int {
	out := make(map[string]int, len(c.queues))
	for k, q := range c.queues {
		out[k] = len(q)
	}
	return out
}
