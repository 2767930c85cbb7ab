// Package session owns per-connection state: the line/binary framer (C1)
// and the registration/identity record (C3) the relay dispatcher mutates.
//
// A Session's framing fields (inbuf, binaryResidual) are touched only by the
// goroutine that reads from its net.Conn, so they need no synchronization.
// The outbound queue is a channel and is safe to send on from any goroutine,
// which is how the room registry delivers broadcasts to peers.
package session

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

// MaxLineLen bounds the inbound line buffer. A connection that sends a line
// longer than this (excluding its LF) is closed (ClientCapacity), whether or
// not the LF has arrived yet.
const MaxLineLen = 8192

// OutboundQueueLen bounds the number of pending outbound writes per session.
// A session whose peer can't keep up and fills this queue is terminated
// rather than letting one slow reader back-pressure the whole relay.
const OutboundQueueLen = 256

// ErrOversizedLine is returned by Feed when a line exceeds MaxLineLen, either
// while still unterminated or once its LF arrives.
var ErrOversizedLine = errors.New("session: line exceeds buffer bound")

// EventKind discriminates the two kinds of events Feed can emit.
type EventKind int

const (
	// EventLine carries one complete text line with its terminating LF (and
	// any trailing CR) already stripped. It may be empty.
	EventLine EventKind = iota
	// EventBinaryChunk carries a slice of opaque payload bytes consumed
	// while binary_residual was greater than zero.
	EventBinaryChunk
)

// Event is one unit of framed input produced by Feed.
type Event struct {
	Kind  EventKind
	Line  []byte
	Chunk []byte
}

// Session is one connection's registration state plus its inbound framer.
// The framer fields below are owned exclusively by the connection's reader
// goroutine.
type Session struct {
	ID     string
	Remote string

	// Nick, Room, and Registered are set by the relay dispatcher as it
	// processes commands from this session's own reader goroutine; they are
	// never written from any other goroutine.
	Nick       string
	Room       string
	Registered bool

	inbuf          []byte
	binaryResidual int64

	conn      net.Conn
	outbound  chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// New allocates a Session identified by a fresh UUID and bound to conn. The
// session neither reads from nor writes to conn itself (the relay's connection
// multiplexer does both, writing what it drains from Outbound); it only
// closes it.
func New(conn net.Conn) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Remote:   conn.RemoteAddr().String(),
		conn:     conn,
		outbound: make(chan []byte, OutboundQueueLen),
		done:     make(chan struct{}),
	}
}

// Feed processes a freshly-read chunk of bytes against the session's current
// framing state, returning every Line/BinaryChunk event the chunk produced.
// It mutates the session's internal buffer and binary_residual counter per
// §4.1: binary mode is drained first, any leftover tail in the same chunk
// re-enters the text framer in the same call (the fix for the "trailing
// remainder" bug the original chat_server.c's later revisions introduced).
func (s *Session) Feed(chunk []byte) ([]Event, error) {
	var events []Event
	for len(chunk) > 0 {
		if s.binaryResidual > 0 {
			n := int64(len(chunk))
			if n > s.binaryResidual {
				n = s.binaryResidual
			}
			events = append(events, Event{Kind: EventBinaryChunk, Chunk: chunk[:n]})
			s.binaryResidual -= n
			chunk = chunk[n:]
			continue
		}

		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			if len(s.inbuf)+len(chunk) > MaxLineLen {
				return events, ErrOversizedLine
			}
			s.inbuf = append(s.inbuf, chunk...)
			return events, nil
		}
		if len(s.inbuf)+idx > MaxLineLen {
			return events, ErrOversizedLine
		}

		line := make([]byte, 0, len(s.inbuf)+idx)
		line = append(line, s.inbuf...)
		line = append(line, chunk[:idx]...)
		line = bytes.TrimSuffix(line, []byte{'\r'})

		events = append(events, Event{Kind: EventLine, Line: line})
		s.inbuf = s.inbuf[:0]
		chunk = chunk[idx+1:]
	}
	return events, nil
}

// SetIdentity records the nickname/room a successful /join established.
func (s *Session) SetIdentity(name, room string) {
	s.Nick = name
	s.Room = room
}

// MarkRegistered flips the registration flag set by a successful /join.
func (s *Session) MarkRegistered() { s.Registered = true }

// EnterBinaryMode switches the framer into binary-relay mode for n bytes.
func (s *Session) EnterBinaryMode(n int64) { s.binaryResidual = n }

// InRelayMode reports whether the framer is still expecting binary payload.
func (s *Session) InRelayMode() bool { return s.binaryResidual > 0 }

// Send enqueues b for delivery to this session's peer connection. It never
// blocks: if the outbound queue is full the send is dropped and false is
// returned, signalling the caller to treat this session as failed (per §4.5,
// "a failing peer is closed and removed from the registry, but delivery to
// other peers continues").
func (s *Session) Send(b []byte) bool {
	select {
	case s.outbound <- b:
		return true
	default:
		return false
	}
}

// Outbound returns the channel a writer goroutine should drain.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// Close marks the session done and closes its underlying connection. Safe
// to call more than once or from more than one goroutine: a peer's own
// reader goroutine and a broadcaster that just found its queue full may
// both call this for the same session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done reports when Close has been called.
func (s *Session) Done() <-chan struct{} { return s.done }

// WriteFull retries partial writes to w until all of b is written or an
// error occurs, matching §4.5's delivery guarantee.
func WriteFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
