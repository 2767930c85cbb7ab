package relay

import (
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/room"
	"chatrelay/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return session.New(server)
}

func newTestDispatcher() (*dispatcher, *room.Registry, *Stats) {
	reg := room.NewRegistry()
	stats := &Stats{}
	return &dispatcher{registry: reg, stats: stats, logger: testLogger()}, reg, stats
}

func TestHandleLineJoinRepliesOK(t *testing.T) {
	d, _, _ := newTestDispatcher()
	s := newTestSession(t)

	quit := d.handleLine(s, []byte("/join alice lobby"))
	assert.False(t, quit)
	assert.True(t, s.Registered)
	assert.Equal(t, "alice", s.Nick)
	assert.Equal(t, "lobby", s.Room)

	msg := <-s.Outbound()
	assert.Equal(t, "OK Joined as alice in room lobby\n", string(msg))
}

func TestHandleLineJoinUsageError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	s := newTestSession(t)

	d.handleLine(s, []byte("/join alice"))
	assert.False(t, s.Registered)
	msg := <-s.Outbound()
	assert.Equal(t, "ERR Usage: /join <name> <room>\n", string(msg))
}

func TestHandleLineMsgBeforeJoinIsRejected(t *testing.T) {
	d, _, _ := newTestDispatcher()
	s := newTestSession(t)

	d.handleLine(s, []byte("/msg hello"))
	msg := <-s.Outbound()
	assert.Equal(t, "ERR Please /join first.\n", string(msg))
}

func TestHandleLineMsgBroadcastsToRoomExceptSender(t *testing.T) {
	d, reg, stats := newTestDispatcher()
	a := newTestSession(t)
	b := newTestSession(t)

	d.handleLine(a, []byte("/join alice lobby"))
	<-a.Outbound()
	d.handleLine(b, []byte("/join bob lobby"))
	<-b.Outbound()

	d.handleLine(a, []byte("/msg hi there"))

	select {
	case msg := <-b.Outbound():
		assert.Equal(t, "[alice] hi there\n", string(msg))
	default:
		t.Fatal("expected bob to receive the broadcast")
	}

	select {
	case msg := <-a.Outbound():
		t.Fatalf("sender should not receive its own message, got %q", msg)
	default:
	}

	assert.Equal(t, int64(len("[alice] hi there\n")), stats.BytesRelayed.Load())
	assert.Len(t, reg.Members("lobby"), 2)
}

func TestHandleLineFileHeaderBroadcastsAndEntersBinaryMode(t *testing.T) {
	d, _, stats := newTestDispatcher()
	a := newTestSession(t)
	b := newTestSession(t)
	d.handleLine(a, []byte("/join alice lobby"))
	<-a.Outbound()
	d.handleLine(b, []byte("/join bob lobby"))
	<-b.Outbound()

	quit := d.handleLine(a, []byte("/file report.pdf 4096"))
	assert.False(t, quit)

	msg := <-b.Outbound()
	assert.Equal(t, "FILE alice report.pdf 4096\n", string(msg))
	assert.Equal(t, int64(1), stats.FilesRelayed.Load())
}

func TestHandleChunkForwardsBinaryPayload(t *testing.T) {
	d, _, _ := newTestDispatcher()
	a := newTestSession(t)
	b := newTestSession(t)
	d.handleLine(a, []byte("/join alice lobby"))
	<-a.Outbound()
	d.handleLine(b, []byte("/join bob lobby"))
	<-b.Outbound()

	d.handleChunk(a, []byte("binarydata"))
	msg := <-b.Outbound()
	assert.Equal(t, "binarydata", string(msg))
}

func TestHandleLineQuitBroadcastsNoticeAndSignalsTeardown(t *testing.T) {
	d, _, _ := newTestDispatcher()
	a := newTestSession(t)
	b := newTestSession(t)
	d.handleLine(a, []byte("/join alice lobby"))
	<-a.Outbound()
	d.handleLine(b, []byte("/join bob lobby"))
	<-b.Outbound()

	quit := d.handleLine(a, []byte("/quit"))
	assert.True(t, quit)

	msg := <-b.Outbound()
	assert.Equal(t, "NOTICE alice left room lobby\n", string(msg))
}

func TestHandleLineUnknownCommand(t *testing.T) {
	d, _, _ := newTestDispatcher()
	s := newTestSession(t)
	d.handleLine(s, []byte("/dance"))
	msg := <-s.Outbound()
	assert.Equal(t, "ERR Unknown command.\n", string(msg))
}

func TestHandleLineEmptyLineIsDiscarded(t *testing.T) {
	d, _, _ := newTestDispatcher()
	s := newTestSession(t)
	quit := d.handleLine(s, []byte{})
	assert.False(t, quit)
	select {
	case msg := <-s.Outbound():
		t.Fatalf("expected no reply for empty line, got %q", msg)
	default:
	}
}

func TestHandleLineTerminatesSessionWhenDirectReplyQueueIsFull(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	s := newTestSession(t)
	reg.Join(s, "lobby")
	s.SetIdentity("alice", "lobby")
	s.MarkRegistered()

	for i := 0; i < session.OutboundQueueLen; i++ {
		require.True(t, s.Send([]byte("x")))
	}

	quit := d.handleLine(s, []byte("/dance"))
	assert.True(t, quit, "a dropped direct reply must terminate the session, not fail silently")
	assert.Empty(t, reg.Members("lobby"))
}

func TestBroadcastEvictsFailedPeer(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	a := newTestSession(t)
	b := newTestSession(t)
	d.handleLine(a, []byte("/join alice lobby"))
	<-a.Outbound()
	d.handleLine(b, []byte("/join bob lobby"))
	<-b.Outbound()

	for i := 0; i < session.OutboundQueueLen; i++ {
		require.True(t, b.Send([]byte("x")))
	}

	d.handleLine(a, []byte("/msg overflow"))
	assert.Len(t, reg.Members("lobby"), 1)

	select {
	case <-b.Done():
	default:
		t.Fatal("expected bob's session to be closed after queue overflow")
	}
}
