package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConnHandler serves one accepted connection until it is done.
type ConnHandler interface {
	ServeConn(conn net.Conn) error
}

// TCPListener hands raw TCP connections to a ConnHandler
type TCPListener struct {
	id          string
	address     string
	handler     ConnHandler
	idleTimeout time.Duration
	logger      *zap.Logger

	mu          sync.Mutex
	listener    net.Listener
	conns       map[net.Conn]struct{}
	activeConns int64
	connWg      sync.WaitGroup
	closeCh     chan struct{}
	closeOnce   sync.Once
}

// TCPListenerConfig holds configuration for creating a TCP listener
type TCPListenerConfig struct {
	ID          string
	Address     string
	Handler     ConnHandler
	Logger      *zap.Logger
	IdleTimeout time.Duration
}

// NewTCPListener creates a new TCP listener
func NewTCPListener(cfg TCPListenerConfig) *TCPListener {
	l := &TCPListener{
		id:          cfg.ID,
		address:     cfg.Address,
		handler:     cfg.Handler,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		conns:       make(map[net.Conn]struct{}),
		closeCh:     make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// ID returns the listener ID
func (l *TCPListener) ID() string {
	return l.id
}

// Protocol returns "tcp"
func (l *TCPListener) Protocol() string {
	return "tcp"
}

// Addr returns the bound address once started, the configured one before.
func (l *TCPListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.address
}

// Start starts the TCP listener
func (l *TCPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	go l.acceptLoop(ln)
	return nil
}

func (l *TCPListener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("TCP listener accept error", zap.String("listener", l.id), zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		l.track(conn, true)
		atomic.AddInt64(&l.activeConns, 1)
		l.connWg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *TCPListener) track(conn net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[conn] = struct{}{}
	} else {
		delete(l.conns, conn)
	}
}

func (l *TCPListener) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		l.track(conn, false)
		atomic.AddInt64(&l.activeConns, -1)
		l.connWg.Done()
	}()

	if l.idleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(l.idleTimeout))
	}

	if err := l.handler.ServeConn(conn); err != nil {
		l.logger.Debug("TCP connection closed with error",
			zap.String("listener", l.id),
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err),
		)
	}
}

// Stop closes the listener and waits for active connections until ctx is
// done, then closes whatever is left.
func (l *TCPListener) Stop(ctx context.Context) error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
	})

	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("TCP listener stopped gracefully", zap.String("listener", l.id))
	case <-ctx.Done():
		l.logger.Warn("TCP listener stop timed out",
			zap.String("listener", l.id),
			zap.Int64("active_connections", atomic.LoadInt64(&l.activeConns)),
		)
		l.mu.Lock()
		for c := range l.conns {
			c.Close()
		}
		l.mu.Unlock()
	}

	return nil
}

// ActiveConnections returns the number of active connections
func (l *TCPListener) ActiveConnections() int64 {
	return atomic.LoadInt64(&l.activeConns)
}
