package session

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager turns accepted connections into sessions. Every transport shares
// one Manager so that all clients see the same hub and dispatcher.
type Manager struct {
	hub        *Hub
	dispatcher *Dispatcher
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger
}

func NewManager(hub *Hub, dispatcher *Dispatcher, clk clock.Clock, cfg Config, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		hub:        hub,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
	}
}

func (m *Manager) Hub() *Hub { return m.hub }

func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// Serve runs a session on conn and blocks until it ends.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	s := newSession(uuid.NewString(), conn, m.dispatcher, m.clock, m.cfg, m.logger)
	if !m.hub.Register(s) {
		conn.Close()
		return ErrClosed
	}
	defer m.hub.Unregister(s)
	return s.Run(ctx)
}
