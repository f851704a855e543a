// Package presence tracks connected clients and buffers messages for the
// ones that are away.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// Transport is one live connection. Send must not block indefinitely.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Listener hears about bridge presence changes. Calls are made without the
// registry lock held.
type Listener interface {
	BridgeConnected(id string)
	BridgeDisconnected(id string, remaining int)
}

type client struct {
	info      domain.ClientInfo
	transport Transport
}

type Registry struct {
	mu        sync.Mutex
	clients   map[string]*client
	cache     *OfflineCache
	listeners []Listener
	log       logger.Logger
	now       func() time.Time
}

func NewRegistry(cache *OfflineCache, log logger.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*client),
		cache:   cache,
		log:     log,
		now:     time.Now,
	}
}

// AddListener must be called before the registry is shared.
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Register adds a connection under id. A previous connection with the same
// id is closed first. Cached messages for the id, and for the role class of
// buffered roles, are flushed to the new transport.
func (r *Registry) Register(id string, role domain.Role, t Transport) {
	now := r.now()

	r.mu.Lock()
	if old, ok := r.clients[id]; ok && old.transport != t {
		if err := old.transport.Close(); err != nil {
			r.log.Debug("ghost_close_failed", "Failed to close previous connection", "", map[string]interface{}{"client_id": id})
		}
		r.log.Info("ghost_evicted", "Replaced previous connection for the same identifier", "", map[string]interface{}{
			"client_id": id,
			"role":      role.String(),
		})
	}
	r.clients[id] = &client{
		info:      domain.ClientInfo{ID: id, Role: role, ConnectedAt: now, LastSeen: now},
		transport: t,
	}

	if role == domain.RoleStudent {
		r.sendLocked(t, protocol.EventCanteenStatus, protocol.CanteenStatusPayload{
			Online: r.roleConnectedLocked(domain.RoleCloudBridge),
		})
	}

	r.flushLocked(id, id, t)
	if role.Buffered() {
		r.flushLocked(id, RoleKey(role), t)
	}

	if role == domain.RoleCloudBridge {
		r.broadcastLocked(domain.RoleStudent, protocol.EventCanteenStatus, protocol.CanteenStatusPayload{Online: true})
	}
	r.mu.Unlock()

	r.log.Info("client_registered", "Client connected", "", map[string]interface{}{
		"client_id": id,
		"role":      role.String(),
	})

	if role == domain.RoleCloudBridge {
		for _, l := range r.listeners {
			l.BridgeConnected(id)
		}
	}
}

// Unregister removes id only if t is still its registered transport, so a
// replaced connection closing late does not remove its successor.
func (r *Registry) Unregister(id string, t Transport) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok || c.transport != t {
		r.mu.Unlock()
		return false
	}
	role, remaining := r.removeLocked(id)
	r.mu.Unlock()

	r.afterRemove(id, role, remaining, "client_unregistered")
	return true
}

// Evict closes and removes id regardless of which transport is registered.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	_ = c.transport.Close()
	role, remaining := r.removeLocked(id)
	r.mu.Unlock()

	r.afterRemove(id, role, remaining, "client_evicted")
	return true
}

func (r *Registry) removeLocked(id string) (domain.Role, int) {
	role := r.clients[id].info.Role
	delete(r.clients, id)

	remaining := 0
	if role == domain.RoleCloudBridge {
		remaining = r.countLocked(domain.RoleCloudBridge)
		if remaining == 0 {
			r.broadcastLocked(domain.RoleStudent, protocol.EventCanteenStatus, protocol.CanteenStatusPayload{Online: false})
		}
	}
	return role, remaining
}

func (r *Registry) afterRemove(id string, role domain.Role, remaining int, action string) {
	r.log.Info(action, "Client disconnected", "", map[string]interface{}{
		"client_id": id,
		"role":      role.String(),
	})
	if role == domain.RoleCloudBridge {
		for _, l := range r.listeners {
			l.BridgeDisconnected(id, remaining)
		}
	}
}

// Touch records activity for id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.info.LastSeen = r.now()
	}
}

func (r *Registry) IsRoleConnected(role domain.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roleConnectedLocked(role)
}

// FindByRole returns the id of some connected client with the role.
func (r *Registry) FindByRole(role domain.Role) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.idsLocked(role)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// BroadcastToRole sends to every connection of role and reports whether at
// least one received the frame. With no recipients, cacheable events for a
// buffered role are kept under the role key.
func (r *Registry) BroadcastToRole(role domain.Role, event protocol.Event, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(role, event, payload)
}

// SendTo delivers to one client. Cacheable events for an absent or
// unreachable client are kept under its id.
func (r *Registry) SendTo(id string, event protocol.Event, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("encode_failed", "Failed to encode outbound message", "", map[string]interface{}{"event": event}, err)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		if r.deliverLocked(c, frame) {
			return true
		}
	}
	r.cache.Cache(id, event, frame)
	return false
}

// SendNow delivers to a connected client and never caches.
func (r *Registry) SendNow(id string, event protocol.Event, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("encode_failed", "Failed to encode outbound message", "", map[string]interface{}{"event": event}, err)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	return r.deliverLocked(c, frame)
}

// Snapshot lists connected clients ordered by id.
func (r *Registry) Snapshot() []domain.ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByRole lists connected clients of role ordered by id.
func (r *Registry) ByRole(role domain.Role) []domain.ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ClientInfo
	for _, id := range r.idsLocked(role) {
		out = append(out, r.clients[id].info)
	}
	return out
}

// CachedCount reports the queued frames per cache key.
func (r *Registry) CachedCount() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Targets()
}

func (r *Registry) broadcastLocked(role domain.Role, event protocol.Event, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("encode_failed", "Failed to encode outbound message", "", map[string]interface{}{"event": event}, err)
		return false
	}

	delivered := 0
	for _, id := range r.idsLocked(role) {
		if r.deliverLocked(r.clients[id], frame) {
			delivered++
		}
	}
	if delivered > 0 {
		return true
	}

	if role.Buffered() {
		r.cache.Cache(RoleKey(role), event, frame)
	}
	return false
}

// deliverLocked closes the transport on failure; its read loop then
// unregisters the client.
func (r *Registry) deliverLocked(c *client, frame []byte) bool {
	if err := c.transport.Send(frame); err != nil {
		r.log.Warn("send_failed", "Failed to deliver message, closing connection", "", map[string]interface{}{
			"client_id": c.info.ID,
			"error":     err.Error(),
		})
		_ = c.transport.Close()
		return false
	}
	return true
}

func (r *Registry) sendLocked(t Transport, event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("encode_failed", "Failed to encode outbound message", "", map[string]interface{}{"event": event}, err)
		return
	}
	_ = t.Send(frame)
}

func (r *Registry) flushLocked(id, key string, t Transport) {
	if r.cache.Len(key) == 0 {
		return
	}
	sent, err := r.cache.Flush(key, t.Send)
	details := map[string]interface{}{
		"client_id": id,
		"key":       key,
		"sent":      sent,
		"left":      r.cache.Len(key),
	}
	if err != nil {
		r.log.Warn("cache_flush_interrupted", "Delivery failed during flush, remaining messages kept", "", details)
		return
	}
	r.log.Info("cache_flushed", "Delivered cached messages", "", details)
}

func (r *Registry) roleConnectedLocked(role domain.Role) bool {
	for _, c := range r.clients {
		if c.info.Role == role {
			return true
		}
	}
	return false
}

func (r *Registry) countLocked(role domain.Role) int {
	n := 0
	for _, c := range r.clients {
		if c.info.Role == role {
			n++
		}
	}
	return n
}

func (r *Registry) idsLocked(role domain.Role) []string {
	var ids []string
	for id, c := range r.clients {
		if c.info.Role == role {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
