package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/core/event"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/ClareAI/astra-phone-agent/pkg/redis"
	"go.uber.org/zap"
)

const (
	// PresenceTTL bounds how long a presence key survives an instance that died
	// without deregistering. Refreshed on every transport event.
	PresenceTTL = 1 * time.Hour

	redisOpTimeout = 3 * time.Second

	// closedMarkTTL bounds how long a close is remembered to reject its
	// late-arriving connect event
	closedMarkTTL = 5 * time.Minute
)

// PresenceInfo is the monitoring record stored for each live media stream
type PresenceInfo struct {
	CallSid     string    `json:"callSid"`
	InstanceID  string    `json:"instanceId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Manager mirrors the transport registry into Redis so operators can see which
// instance holds which call's media stream. It is observability only; no
// call state is read back from Redis.
//
// Transport events may arrive in any order, so every write is keyed by the
// transport's ConnectedAt: a close only deletes the record of the transport
// it belongs to, and a connect that arrives after its own close is dropped.
type Manager struct {
	redisSvc   redis.RedisServiceInterface
	instanceID string

	mu     sync.Mutex
	closed map[string]closedMark // callSid -> newest transport seen closing
}

type closedMark struct {
	connectedAt time.Time
	seenAt      time.Time
}

func NewManager(redisSvc redis.RedisServiceInterface, instanceID string) *Manager {
	return &Manager{
		redisSvc:   redisSvc,
		instanceID: instanceID,
		closed:     make(map[string]closedMark),
	}
}

func (m *Manager) key(callSid string) string {
	return m.redisSvc.GenerateKey(redis.TRANSPORT_PRESENCE, callSid)
}

// Register records that this instance holds the media stream for info.CallSid
func (m *Manager) Register(ctx context.Context, info PresenceInfo) error {
	info.InstanceID = m.instanceID
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence info: %w", err)
	}
	if err := m.redisSvc.SetValue(ctx, m.key(info.CallSid), string(data), PresenceTTL); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}

	logger.ForCall(info.CallSid).Info("Transport presence registered in Redis", zap.String("instance_id", m.instanceID))
	return nil
}

// Unregister removes the presence key for callSid
func (m *Manager) Unregister(ctx context.Context, callSid string) error {
	if err := m.redisSvc.DelValue(ctx, m.key(callSid)); err != nil {
		return fmt.Errorf("failed to unregister presence: %w", err)
	}
	return nil
}

// Lookup returns the presence record for callSid
func (m *Manager) Lookup(ctx context.Context, callSid string) (*PresenceInfo, bool, error) {
	val, err := m.redisSvc.GetValue(ctx, m.key(callSid))
	if errors.Is(err, redis.ErrKeyNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var info PresenceInfo
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal presence info: %w", err)
	}
	return &info, true, nil
}

// Count returns how many presence keys exist across all instances
func (m *Manager) Count(ctx context.Context) (int, error) {
	keys, err := m.redisSvc.Keys(ctx, m.key("*"))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Attach subscribes the manager to transport events on bus
func (m *Manager) Attach(bus event.EventBus) error {
	if err := bus.Subscribe(event.TransportConnected, m.onConnected); err != nil {
		return err
	}
	return bus.Subscribe(event.TransportClosed, m.onClosed)
}

func (m *Manager) onConnected(ev *event.CallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	info := PresenceInfo{CallSid: ev.CallSid}
	if data, ok := ev.TransportData(); ok {
		info.ConnectedAt = data.ConnectedAt
	}
	if err := m.TransportConnected(ctx, info); err != nil {
		logger.ForCall(ev.CallSid).Warn("Failed to record transport presence", zap.Error(err))
	}
}

func (m *Manager) onClosed(ev *event.CallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var connectedAt time.Time
	if data, ok := ev.TransportData(); ok {
		connectedAt = data.ConnectedAt
	}
	if err := m.TransportClosed(ctx, ev.CallSid, connectedAt); err != nil {
		logger.ForCall(ev.CallSid).Warn("Failed to clear transport presence", zap.Error(err))
	}
}

// TransportConnected records presence for the transport connected at
// info.ConnectedAt unless that transport already closed or a newer one holds
// the record.
func (m *Manager) TransportConnected(ctx context.Context, info PresenceInfo) error {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mark, ok := m.closed[info.CallSid]; ok && !info.ConnectedAt.After(mark.connectedAt) {
		logger.ForCall(info.CallSid).Debug("Skipping presence for a transport that already closed",
			zap.Time("connected_at", info.ConnectedAt))
		return nil
	}
	current, ok, err := m.Lookup(ctx, info.CallSid)
	if err != nil {
		return err
	}
	if ok && current.ConnectedAt.After(info.ConnectedAt) {
		return nil
	}
	return m.Register(ctx, info)
}

// TransportClosed removes the presence record of the transport connected at
// connectedAt. A record written by a different transport is left alone. A zero
// connectedAt removes whatever record exists.
func (m *Manager) TransportClosed(ctx context.Context, callSid string, connectedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.pruneClosed(now)
	if mark, ok := m.closed[callSid]; !ok || connectedAt.After(mark.connectedAt) {
		m.closed[callSid] = closedMark{connectedAt: connectedAt, seenAt: now}
	}

	current, ok, err := m.Lookup(ctx, callSid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !connectedAt.IsZero() && !current.ConnectedAt.Equal(connectedAt) {
		logger.ForCall(callSid).Debug("Presence belongs to a newer transport, keeping it",
			zap.Time("closed_connected_at", connectedAt),
			zap.Time("current_connected_at", current.ConnectedAt))
		return nil
	}
	return m.Unregister(ctx, callSid)
}

// pruneClosed forgets close marks older than closedMarkTTL. Caller holds mu.
func (m *Manager) pruneClosed(now time.Time) {
	for callSid, mark := range m.closed {
		if now.Sub(mark.seenAt) > closedMarkTTL {
			delete(m.closed, callSid)
		}
	}
}
