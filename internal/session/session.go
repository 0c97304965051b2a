// Package session runs one client connection against the shared
// acquisition state. A session owns nothing but its connection: tearing it
// down never stops the sampler.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateActive       State = "active"
)

// Conn is one framed client connection. ReadRequest is only called from the
// reading goroutine and the Write methods only from the writing goroutine.
// Close may be called from any goroutine and must unblock ReadRequest.
type Conn interface {
	ReadRequest(ctx context.Context) (protocol.Request, error)
	WriteResponse(resp protocol.Response) error
	WriteMessage(msg protocol.Message) error
	Close() error
	RemoteAddr() string
}

type Config struct {
	// KeepAliveInterval is the period of server-initiated keep-alives.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout tears the session down when no valid request
	// arrived for this long. Zero disables the check.
	KeepAliveTimeout time.Duration
	// MaxFramingErrors consecutive unparseable frames close the session.
	// Zero means unlimited.
	MaxFramingErrors int
	SendBuffer       int
}

// Info is a snapshot of a session for status endpoints.
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	State       State     `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Dropped     int64     `json:"dropped_messages"`
}

type Session struct {
	id         string
	conn       Conn
	dispatcher *Dispatcher
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger

	responses chan protocol.Response
	messages  chan protocol.Message

	state       atomic.String
	connectedAt time.Time
	lastSeen    atomic.Time
	dropped     atomic.Int64
	reason      atomic.Error

	closeOnce sync.Once
}

func newSession(id string, conn Conn, d *Dispatcher, clk clock.Clock, cfg Config, logger *zap.Logger) *Session {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	s := &Session{
		id:          id,
		conn:        conn,
		dispatcher:  d,
		clock:       clk,
		cfg:         cfg,
		logger:      logger.With(zap.String("session_id", id), zap.String("remote_addr", conn.RemoteAddr())),
		responses:   make(chan protocol.Response, 16),
		messages:    make(chan protocol.Message, cfg.SendBuffer),
		connectedAt: clk.Now(),
	}
	s.state.Store(string(StateDisconnected))
	s.lastSeen.Store(s.connectedAt)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Info() Info {
	return Info{
		ID:          s.id,
		RemoteAddr:  s.conn.RemoteAddr(),
		State:       s.State(),
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// Deliver queues a server-initiated message without blocking. Messages are
// dropped while the client is not keeping up.
func (s *Session) Deliver(msg protocol.Message) bool {
	if s.State() == StateDisconnected {
		return false
	}
	select {
	case s.messages <- msg:
		return true
	default:
		s.dropped.Inc()
		return false
	}
}

// Run serves the connection until the client goes away, the keep-alive
// times out or ctx is cancelled. The returned error describes why the
// session ended; a clean client close returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(StateConnected)
	s.logger.Info("Session connected")

	s.Deliver(protocol.NewMessage(protocol.MessageTypeHello, protocol.HelloData{
		SessionID: s.id,
		State:     string(s.dispatcher.Status().Machine.State),
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.watchdog(ctx)
	}()

	err := s.readLoop(ctx)

	cancel()
	s.close()
	wg.Wait()
	s.setState(StateDisconnected)

	s.logger.Info("Session disconnected", zap.Error(err))
	return err
}

func (s *Session) setState(state State) {
	prev := State(s.state.Swap(string(state)))
	if prev != state {
		s.logger.Debug("Session state changed",
			zap.String("state", string(state)),
			zap.String("previous", string(prev)))
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Failed to close connection", zap.Error(err))
		}
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	framingErrors := 0
	for {
		req, err := s.conn.ReadRequest(ctx)
		if err != nil {
			var fe *protocol.FramingError
			if !errors.As(err, &fe) {
				if ctx.Err() != nil || isClosed(err) {
					return s.reason.Load()
				}
				return err
			}
			framingErrors++
			s.logger.Warn("Protocol framing error", zap.Error(err), zap.Int("consecutive", framingErrors))
			if !s.respond(ctx, protocol.Failure(protocol.Request{}, err)) {
				return nil
			}
			if s.cfg.MaxFramingErrors > 0 && framingErrors >= s.cfg.MaxFramingErrors {
				return fmt.Errorf("too many framing errors: %w", err)
			}
			continue
		}

		framingErrors = 0
		s.lastSeen.Store(s.clock.Now())
		if s.State() == StateConnected {
			s.setState(StateActive)
		}

		resp := s.dispatcher.Handle(ctx, req)
		if !s.respond(ctx, resp) {
			return nil
		}
	}
}

// respond queues a response. Unlike broadcasts responses are never dropped.
func (s *Session) respond(ctx context.Context, resp protocol.Response) bool {
	select {
	case s.responses <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeLoop is the only writer on the connection. The keep-alive ticker
// lives here so that a slow command never delays it.
func (s *Session) writeLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case resp := <-s.responses:
			err = s.conn.WriteResponse(resp)
		case msg := <-s.messages:
			err = s.conn.WriteMessage(msg)
		case <-ticker.C:
			err = s.conn.WriteMessage(protocol.Message{
				Type:      protocol.MessageTypeKeepAlive,
				Timestamp: s.clock.Now(),
			})
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Session write failed", zap.Error(err))
			}
			s.close()
			return
		}
	}
}

// watchdog closes the connection once the client stopped talking or the
// session is being torn down.
func (s *Session) watchdog(ctx context.Context) {
	defer s.close()

	if s.cfg.KeepAliveTimeout <= 0 {
		<-ctx.Done()
		return
	}

	for {
		wait := s.cfg.KeepAliveTimeout - s.clock.Since(s.lastSeen.Load())
		if wait <= 0 {
			s.logger.Warn("Session keep-alive timed out",
				zap.Duration("timeout", s.cfg.KeepAliveTimeout))
			s.reason.Store(ErrKeepAliveTimeout)
			return
		}
		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
