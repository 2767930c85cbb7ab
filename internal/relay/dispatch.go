package relay

import (
	"log/slog"

	"github.com/dustin/go-humanize"

	"chatrelay/internal/protocol"
	"chatrelay/internal/room"
	"chatrelay/internal/session"
)

// dispatcher implements C5: given a sender session and a decoded command or
// binary chunk, it mutates session/registry state and/or forwards bytes to
// the sender's room.
type dispatcher struct {
	registry *room.Registry
	stats    *Stats
	logger   *slog.Logger
}

// handleLine processes one framed text line from sess. Empty lines are
// discarded here, per §4.1's "Empty lines are emitted but MUST be discarded
// by the next stage." It returns true if the connection should be torn down,
// either because the session issued /quit or because a reply couldn't be
// enqueued on its own full outbound queue (§5: overflow = terminate session).
func (d *dispatcher) handleLine(sess *session.Session, line []byte) (quit bool) {
	if len(line) == 0 {
		return false
	}

	cmd := protocol.Parse(string(line))
	log := d.logger.With("session_id", sess.ID)

	switch cmd.Kind {
	case protocol.Join:
		// Registry.Join consults sess.Room to leave any prior room, so it
		// must run before SetIdentity overwrites that field.
		d.registry.Join(sess, cmd.Room)
		sess.SetIdentity(cmd.Name, cmd.Room)
		sess.MarkRegistered()
		log.Info("joined", "name", cmd.Name, "room", cmd.Room)
		return !d.reply(sess, protocol.ReplyJoinOK(cmd.Name, cmd.Room))

	case protocol.JoinInvalid:
		return !d.reply(sess, protocol.ReplyJoinUsage())

	case protocol.Msg:
		if !sess.Registered {
			return !d.reply(sess, protocol.ReplyNotJoined())
		}
		out := []byte(protocol.BroadcastMsg(sess.Nick, cmd.Body))
		d.broadcast(sess, out)

	case protocol.FileHeader:
		if !sess.Registered {
			return !d.reply(sess, protocol.ReplyNotJoined())
		}
		header := []byte(protocol.BroadcastFileHeader(sess.Nick, cmd.Filename, cmd.Size))
		d.broadcast(sess, header)
		sess.EnterBinaryMode(cmd.Size)
		d.stats.FilesRelayed.Add(1)
		log.Info("file transfer started", "filename", cmd.Filename, "size", humanize.Bytes(uint64(cmd.Size)))

	case protocol.Quit:
		if sess.Registered {
			notice := []byte(protocol.NoticeLeft(sess.Nick, sess.Room))
			d.broadcast(sess, notice)
		}
		return true

	default: // protocol.Unknown
		return !d.reply(sess, protocol.ReplyUnknown())
	}
	return false
}

// reply enqueues a direct reply to sess and reports whether it was
// accepted. A full outbound queue means sess isn't keeping up; the caller
// tears the connection down rather than silently dropping the reply.
func (d *dispatcher) reply(sess *session.Session, line string) bool {
	if sess.Send([]byte(line)) {
		return true
	}
	d.logger.Warn("reply dropped, outbound queue full, evicting", "session_id", sess.ID, "room", sess.Room)
	d.registry.Leave(sess)
	return false
}

// handleChunk forwards a binary payload chunk verbatim to the sender's room.
func (d *dispatcher) handleChunk(sess *session.Session, chunk []byte) {
	d.broadcast(sess, chunk)
}

// broadcast fans payload out to every other member of sess's room, closing
// and evicting any peer whose outbound queue was full.
func (d *dispatcher) broadcast(sess *session.Session, payload []byte) {
	members := d.registry.Members(sess.Room)
	if len(members) == 0 {
		return
	}
	delivered := 0
	for _, m := range members {
		if m.ID == sess.ID {
			continue
		}
		delivered++
	}
	failed := room.Broadcast(members, sess.ID, payload)
	d.stats.BytesRelayed.Add(int64(len(payload)) * int64(delivered))
	for _, f := range failed {
		d.logger.Warn("peer outbound queue full, evicting", "session_id", f.ID, "room", f.Room)
		d.registry.Leave(f)
		f.Close()
	}
}
