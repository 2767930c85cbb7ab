// Package relay implements the connection multiplexer (C6): the accept
// loop and per-connection handling that together keep one process serving
// many chat sessions without a thread per connection, and the dispatcher
// (C5) that maps decoded commands onto room registry mutations and
// broadcasts.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"chatrelay/internal/protocol"
	"chatrelay/internal/room"
	"chatrelay/internal/session"
)

// Server owns the listening endpoint, the room registry, and the relay's
// counters. It has no knowledge of the admin HTTP surface; Stats is shared
// with that surface by the caller (see cmd/chatrelayd).
type Server struct {
	addr        string
	maxSessions int

	registry *room.Registry
	stats    *Stats
	logger   *slog.Logger
}

// New constructs a Server. maxSessions <= 0 means unlimited.
func New(addr string, maxSessions int, registry *room.Registry, stats *Stats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:        addr,
		maxSessions: maxSessions,
		registry:    registry,
		stats:       stats,
		logger:      logger,
	}
}

// Run listens on addr and serves connections until ctx is canceled or the
// listener is closed. Accept errors are logged and accepting continues; a
// non-nil error is returned only when listening fails. It always closes the
// listener before returning.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	s.logger.Info("relay listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// ServerAccept: log and keep accepting.
			s.logger.Error("accept failed", "err", err)
			continue
		}

		if s.maxSessions > 0 && s.stats.ActiveSessions.Load() >= int64(s.maxSessions) {
			s.stats.ConnectionsRejected.Add(1)
			go rejectBusy(conn, s.logger)
			continue
		}

		s.stats.ConnectionsAccepted.Add(1)
		s.stats.ActiveSessions.Add(1)
		go s.handleConn(conn)
	}
}

// rejectBusy sends a single notice before closing a connection turned away
// for lack of a free session slot (§9's "reject-on-full" policy choice).
func rejectBusy(conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	if err := session.WriteFull(conn, []byte(protocol.ReplyServerBusy())); err != nil {
		logger.Debug("reject-busy write failed", "err", err)
	}
}
