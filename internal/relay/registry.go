package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"go.uber.org/zap"
)

// Deregistration reasons reported to listeners and logs
const (
	ReasonClosed       = "closed"
	ReasonError        = "error"
	ReasonProbeFailed  = "probe_failed"
	ReasonSendFailed   = "send_failed"
	ReasonReplaced     = "replaced"
	ReasonStreamStatus = "stream_status"
	ReasonShutdown     = "shutdown"
)

// TransportInfo is a read-only view of a registry entry
type TransportInfo struct {
	CallSid     string                 `json:"callSid"`
	ConnectedAt time.Time              `json:"connectedAt"`
	LastPong    time.Time              `json:"lastPong"`
	Status      domain.TransportStatus `json:"status"`
}

// Listener is notified after an entry is registered or removed.
// Both calls carry the transport's ConnectedAt so a listener can tell a
// replaced transport apart from its successor.
type Listener interface {
	TransportOpened(info TransportInfo)
	TransportClosed(info TransportInfo, reason string)
}

// Registry maps a call sid to its live transport.
//
// Entries are inserted fully initialized and removed with compare-and-delete,
// so a reader sees either a complete entry or none, and a stale transport can
// never remove its replacement. Non-sendable transports are removed as soon
// as they are observed.
type Registry struct {
	transports sync.Map // callSid -> *Transport

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// AddListener subscribes l to registry membership changes
func (r *Registry) AddListener(l Listener) {
	if l == nil {
		return
	}
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenerMu.Unlock()
}

// Register stores t under its call sid. A previous transport for the same
// call is closed and replaced.
func (r *Registry) Register(t *Transport) {
	prev, loaded := r.transports.Swap(t.CallSid, t)
	if loaded {
		if old := prev.(*Transport); old != t {
			_ = old.Close()
			r.notifyClosed(old.info(), ReasonReplaced)
		}
	}

	logger.ForCall(t.CallSid).Info("transport registered",
		zap.Strings("active_calls", r.CallSids()),
		zap.Int("active_count", r.Count()),
	)
	r.notifyOpened(t.info())
}

// Deregister removes t if it is still the entry for its call and closes it.
// Returns false when t was already removed or replaced.
func (r *Registry) Deregister(t *Transport, reason string) bool {
	removed := r.transports.CompareAndDelete(t.CallSid, t)
	_ = t.Close()
	if !removed {
		return false
	}

	logger.ForCall(t.CallSid).Info("transport deregistered",
		zap.String("reason", reason),
		zap.Duration("connected_for", time.Since(t.ConnectedAt)),
		zap.Strings("active_calls", r.CallSids()),
	)
	r.notifyClosed(t.info(), reason)
	return true
}

// Remove deregisters whatever transport is registered for callSid
func (r *Registry) Remove(callSid, reason string) bool {
	t, ok := r.Lookup(callSid)
	if !ok {
		return false
	}
	return r.Deregister(t, reason)
}

// Lookup returns the transport registered for callSid
func (r *Registry) Lookup(callSid string) (*Transport, bool) {
	v, ok := r.transports.Load(callSid)
	if !ok {
		return nil, false
	}
	return v.(*Transport), true
}

// SendAudioToCall writes audio to the call's transport.
// Returns ErrNoTransport on a registry miss and ErrTransportClosed when the
// transport is registered but cannot send; in that case it is deregistered.
func (r *Registry) SendAudioToCall(callSid string, audio []byte) error {
	t, ok := r.Lookup(callSid)
	if !ok {
		return ErrNoTransport
	}
	if !t.Sendable() {
		r.Deregister(t, ReasonSendFailed)
		return ErrTransportClosed
	}
	if err := t.Send(audio); err != nil {
		r.Deregister(t, ReasonSendFailed)
		return err
	}
	logger.ForCall(callSid).Info("audio sent to call", zap.Int("bytes", len(audio)))
	return nil
}

// ProbeOnce checks t and pings its peer. It returns false once t is no
// longer registered, which ends the probe loop.
func (r *Registry) ProbeOnce(t *Transport) bool {
	current, ok := r.Lookup(t.CallSid)
	if !ok || current != t {
		return false
	}
	if !t.Sendable() {
		r.Deregister(t, ReasonProbeFailed)
		return false
	}
	if err := t.Ping(); err != nil {
		logger.ForCall(t.CallSid).Warn("transport liveness probe failed", zap.Error(err))
		r.Deregister(t, ReasonProbeFailed)
		return false
	}
	return true
}

// RunProbe pings t every interval until it is closed or fails a probe
func (r *Registry) RunProbe(t *Transport, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if !r.ProbeOnce(t) {
				return
			}
		}
	}
}

// Count returns the number of registered transports
func (r *Registry) Count() int {
	n := 0
	r.transports.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CallSids returns the registered call sids, sorted
func (r *Registry) CallSids() []string {
	sids := make([]string, 0)
	r.transports.Range(func(key, _ any) bool {
		sids = append(sids, key.(string))
		return true
	})
	sort.Strings(sids)
	return sids
}

// Snapshot returns a view of every registered transport
func (r *Registry) Snapshot() []TransportInfo {
	infos := make([]TransportInfo, 0)
	r.transports.Range(func(_, v any) bool {
		infos = append(infos, v.(*Transport).info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].CallSid < infos[j].CallSid })
	return infos
}

// CloseAll deregisters every transport
func (r *Registry) CloseAll(reason string) int {
	closed := 0
	r.transports.Range(func(_, v any) bool {
		if r.Deregister(v.(*Transport), reason) {
			closed++
		}
		return true
	})
	return closed
}

func (r *Registry) notifyOpened(info TransportInfo) {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	for _, l := range r.listeners {
		l.TransportOpened(info)
	}
}

func (r *Registry) notifyClosed(info TransportInfo, reason string) {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	for _, l := range r.listeners {
		l.TransportClosed(info, reason)
	}
}

func (t *Transport) info() TransportInfo {
	return TransportInfo{
		CallSid:     t.CallSid,
		ConnectedAt: t.ConnectedAt,
		LastPong:    t.LastPong(),
		Status:      t.Status(),
	}
}
