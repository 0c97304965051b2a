package comvisu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"go.uber.org/zap"
)

// Server accepts ComVisu panels and runs each as a session.
type Server struct {
	addr    string
	manager *session.Manager
	resolve ChartResolver
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(port int, manager *session.Manager, resolve ChartResolver, logger *zap.Logger) *Server {
	return &Server{
		addr:    fmt.Sprintf(":%d", port),
		manager: manager,
		resolve: resolve,
		logger:  logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("Starting ComVisu server", zap.String("address", s.addr))

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	backoff := 5 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			time.Sleep(backoff)
			backoff = min(backoff*2, time.Second)
			continue
		}
		backoff = 5 * time.Millisecond

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c := NewConn(conn, s.resolve, s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String())))
			if err := s.manager.Serve(ctx, c); err != nil {
				s.logger.Info("ComVisu session ended", zap.Error(err))
			}
		}()
	}
}

// Shutdown stops accepting, tears down every session and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ComVisu server")

	s.mu.Lock()
	ln, cancel := s.listener, s.cancel
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	err := ln.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GraphCharts resolves chart numbers against the live chart_number of every
// channel in g.
func GraphCharts(g *hardware.Graph) ChartResolver {
	return func(chart int) (string, error) {
		var found []string
		for _, id := range g.Channels() {
			cfg, err := g.Config(id)
			if err != nil {
				continue
			}
			if n, ok := cfg.ChartNumber(); ok && n == chart {
				found = append(found, g.Path(id))
			}
		}
		switch len(found) {
		case 0:
			return "", &hardware.PathNotFoundError{Path: fmt.Sprintf("chart:%d", chart)}
		case 1:
			return found[0], nil
		}
		return "", fmt.Errorf("chart %d is assigned to %d channels", chart, len(found))
	}
}
