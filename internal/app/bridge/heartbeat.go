package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/YelzhanWeb/canteen-relay/internal/adapter/logger"
	"github.com/YelzhanWeb/canteen-relay/internal/domain"
	"github.com/YelzhanWeb/canteen-relay/internal/protocol"
)

// Presence is what the heartbeat monitor needs from the registry.
type Presence interface {
	ByRole(role domain.Role) []domain.ClientInfo
	SendNow(id string, event protocol.Event, payload any) bool
	Evict(id string) bool
}

// Monitor pings bridge connections on the cloud and evicts the silent ones.
// It runs only while at least one bridge is connected.
type Monitor struct {
	presence Presence
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewMonitor(presence Presence, interval, timeout time.Duration, logger logger.Logger) *Monitor {
	if timeout <= interval {
		timeout = 3 * interval
	}
	return &Monitor{
		presence: presence,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

func (m *Monitor) BridgeConnected(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.heartbeatLoop(ctx)

	m.logger.Debug("heartbeat_started", "Bridge heartbeat started", "", map[string]interface{}{
		"interval": m.interval.String(),
		"timeout":  m.timeout.String(),
	})
}

// BridgeDisconnected re-reads the registry under m.mu. The reported count
// can be stale by the time listeners run.
func (m *Monitor) BridgeDisconnected(string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.presence.ByRole(domain.RoleCloudBridge)) > 0 {
		return
	}
	m.stopLocked()
}

// Stop is safe to call from inside the loop and more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.logger.Debug("heartbeat_stopped", "Bridge heartbeat stopped", "", nil)
}

// Running reports whether the ticker goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

// check evicts bridges silent for longer than the timeout and pings the
// rest. It returns the evicted ids.
func (m *Monitor) check(now time.Time) []string {
	var evicted []string
	for _, c := range m.presence.ByRole(domain.RoleCloudBridge) {
		if now.Sub(c.LastSeen) > m.timeout {
			m.logger.Warn("heartbeat_timeout", "Bridge stopped responding, closing connection", "", map[string]interface{}{
				"bridge_id": c.ID,
				"last_seen": c.LastSeen,
			})
			if m.presence.Evict(c.ID) {
				evicted = append(evicted, c.ID)
			}
			continue
		}
		m.presence.SendNow(c.ID, protocol.EventPing, protocol.PingPayload{Timestamp: now.UnixMilli()})
	}
	return evicted
}
