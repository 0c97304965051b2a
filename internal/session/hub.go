package session

import (
	"context"
	"sync"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Hub maintains active sessions and broadcasts messages to them. It also
// acts as a telemetry sink so samples reach every connected client.
type Hub struct {
	// Registered sessions
	sessions map[*Session]bool

	// Inbound messages to broadcast
	broadcast chan protocol.Message

	// Register requests from sessions
	register chan *Session

	// Unregister requests from sessions
	unregister chan *Session

	done chan struct{}

	// Mutex for thread-safe reads of sessions
	mu sync.RWMutex

	dropped atomic.Int64

	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan protocol.Message, 1024),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		done:       make(chan struct{}),
		sessions:   make(map[*Session]bool),
		logger:     logger,
	}
}

// Run starts the hub's main event loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Session hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Session hub stopped")
			return

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			total := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("Session registered",
				zap.String("session_id", s.ID()),
				zap.Int("total_sessions", total))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				h.logger.Info("Session unregistered",
					zap.String("session_id", s.ID()),
					zap.Int("total_sessions", len(h.sessions)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for s := range h.sessions {
				s.Deliver(message)
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds s once the hub runs. It returns false after the hub stopped.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Broadcast sends a message to all connected sessions
func (h *Hub) Broadcast(msg protocol.Message) {
	select {
	case h.broadcast <- msg:
		// Message queued for broadcast
	default:
		if h.dropped.Inc() == 1 {
			h.logger.Warn("Hub broadcast channel full, message dropped",
				zap.String("message_type", string(msg.Type)))
		}
	}
}

// Dropped returns the number of broadcasts lost because the hub was behind.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Write implements telemetry.Sink.
func (h *Hub) Write(sample telemetry.Sample) error {
	h.Broadcast(protocol.NewMessage(protocol.MessageTypeTelemetry, sample))
	return nil
}

// WriteStatus implements telemetry.StatusSink.
func (h *Hub) WriteStatus(status telemetry.Status) error {
	h.Broadcast(protocol.NewMessage(protocol.MessageTypeChannelStatus, status))
	return nil
}

// Sessions returns a snapshot of every registered session.
func (h *Hub) Sessions() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Info, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s.Info())
	}
	return out
}

// GetSessionCount returns the number of connected sessions
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
