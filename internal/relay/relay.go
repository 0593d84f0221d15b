package relay

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// pongWaitIntervals is how many ping intervals a peer may stay silent before
// its read deadline expires and the transport is deregistered
const pongWaitIntervals = 3

// streamMessage is the JSON envelope the provider sends over a media stream
type streamMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// Relay accepts media stream connections and keeps the registry in sync with them
type Relay struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewRelay creates a relay that registers accepted connections in registry
func NewRelay(registry *Registry, pingInterval time.Duration) *Relay {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Relay{
		registry:     registry,
		pingInterval: pingInterval,
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// provider connections carry no browser origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry returns the registry the relay writes to
func (rl *Relay) Registry() *Registry {
	return rl.registry
}

// ServeHTTP upgrades a media stream connection identified by the callSid query parameter
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callSid := r.URL.Query().Get("callSid")
	if callSid == "" {
		logger.Base().Warn("media stream connection without callSid rejected",
			zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, ErrMissingCallSid.Error(), http.StatusBadRequest)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		logger.ForCall(callSid).Error("failed to upgrade media stream connection", zap.Error(err))
		return
	}

	t := NewTransport(callSid, conn, rl.writeTimeout)
	pongWait := rl.pingInterval * pongWaitIntervals
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		t.touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	rl.registry.Register(t)
	go rl.registry.RunProbe(t, rl.pingInterval)

	reason := rl.readLoop(t, conn)
	rl.registry.Deregister(t, reason)
}

// readLoop consumes provider events until the stream stops or the socket fails.
// Returns the deregistration reason.
func (rl *Relay) readLoop(t *Transport, conn *websocket.Conn) string {
	log := logger.ForCall(t.CallSid)
	mediaFrames := 0

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn("media stream peer stopped answering pings",
					zap.Time("last_pong", t.LastPong()), zap.Int("media_frames", mediaFrames))
				return ReasonProbeFailed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || !t.Sendable() {
				log.Info("media stream closed", zap.Int("media_frames", mediaFrames))
				return ReasonClosed
			}
			log.Warn("media stream read failed", zap.Error(err), zap.Int("media_frames", mediaFrames))
			return ReasonError
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring undecodable media stream message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":
			log.Info("media stream connected")
		case "start":
			fields := []zap.Field{zap.String("stream_sid", msg.StreamSid)}
			if msg.Start != nil {
				fields = append(fields, zap.String("provider_call_sid", msg.Start.CallSid))
			}
			log.Info("media stream started", fields...)
		case "media":
			mediaFrames++
		case "stop":
			log.Info("media stream stopped by provider", zap.Int("media_frames", mediaFrames))
			return ReasonClosed
		}
	}
}
