package relay

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"chatrelay/internal/protocol"
	"chatrelay/internal/session"
)

// readBufSize is the size of the chunk read from the socket on each pass of
// the reader loop. It bounds "a chunk of ≤N newly received bytes" from
// §4.1's framer contract; it is unrelated to MaxLineLen, which bounds how
// much unterminated input the framer will buffer across many such chunks.
const readBufSize = 4096

// handleConn drives one accepted connection end to end: it owns the
// session's reader goroutine (this one) and spawns its writer goroutine,
// then cleans up registry membership on exit. This is C6's per-connection
// half of the multiplexer; Server.Run is the accept-loop half.
func (s *Server) handleConn(conn net.Conn) {
	defer s.stats.ActiveSessions.Add(-1)

	sess := session.New(conn)
	log := s.logger.With("session_id", sess.ID, "remote", sess.Remote)
	log.Info("connection accepted")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeLoop(conn, sess)
	}()

	d := &dispatcher{registry: s.registry, stats: s.stats, logger: s.logger}

	buf := make([]byte, readBufSize)
readLoop:
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("connection closed", "err", err)
			}
			break
		}

		events, ferr := sess.Feed(buf[:n])
		for _, ev := range events {
			switch ev.Kind {
			case session.EventLine:
				if d.handleLine(sess, ev.Line) {
					break readLoop
				}
			case session.EventBinaryChunk:
				d.handleChunk(sess, ev.Chunk)
			}
		}
		if ferr != nil {
			log.Warn("oversized line, closing connection", "err", ferr)
			sess.Send([]byte(protocol.ReplyLineTooLong()))
			break
		}
	}

	s.registry.Leave(sess)
	sess.Close()
	wg.Wait()
	log.Info("connection closed", "room", sess.Room)
}

// writeLoop drains sess's outbound queue to conn until the session is
// closed, retrying partial writes per §4.5.
func writeLoop(conn net.Conn, sess *session.Session) {
	for {
		select {
		case b, ok := <-sess.Outbound():
			if !ok {
				return
			}
			if err := session.WriteFull(conn, b); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			return
		}
	}
}
