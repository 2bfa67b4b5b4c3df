package broker_test

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeremimucha/jamim/broker"
	"github.com/jeremimucha/jamim/protocol"
	"github.com/jeremimucha/jamim/transport"
)

// testClient is the "far end" of a broker.Session, built the same way a
// real ClientCore would be, so the end-to-end scenarios in SPEC_FULL §10
// can be driven through real Sessions over in-memory net.Pipe connections.
type testClient struct {
	id      uint32
	control *transport.Connection
	file    *transport.RawStream
	chat    chan protocol.Frame
}

func newTestClient(t *testing.T, id uint32, room *broker.Room, log *zap.SugaredLogger) *testClient {
	t.Helper()
	controlServer, controlClient := net.Pipe()
	fileServer, fileClient := net.Pipe()

	tc := &testClient{id: id, chat: make(chan protocol.Frame, 32)}
	tc.control = transport.NewConnection(controlClient, func(f protocol.Frame) {
		tc.chat <- f
	})
	tc.file = transport.NewRawStream(fileClient)

	sess := broker.NewSession(id, controlServer, fileServer, room, log)
	room.Join(sess)

	t.Cleanup(func() {
		_ = tc.control.Close()
		_ = tc.file.Close()
	})
	return tc
}

func (tc *testClient) expectChat(t *testing.T, body string) {
	t.Helper()
	select {
	case f := <-tc.chat:
		require.Equal(t, protocol.Chat, f.Type)
		assert.Equal(t, body, string(f.Body))
	case <-time.After(2 * time.Second):
		t.Fatalf("participant %d: timed out waiting for chat %q", tc.id, body)
	}
}

func (tc *testClient) expectNoChat(t *testing.T) {
	t.Helper()
	select {
	case f := <-tc.chat:
		t.Fatalf("participant %d: unexpected chat %q", tc.id, string(f.Body))
	case <-time.After(100 * time.Millisecond):
	}
}

func testRoomWithLog(t *testing.T) (*broker.Room, *zap.SugaredLogger) {
	t.Helper()
	log := zap.NewNop().Sugar()
	room := broker.NewRoom(log)
	stop := make(chan struct{})
	go room.Run(stop)
	t.Cleanup(func() { close(stop) })
	return room, log
}

// S1 — Broadcast ordering.
func TestScenarioBroadcastOrdering(t *testing.T) {
	room, log := testRoomWithLog(t)
	a := newTestClient(t, 1, room, log)
	b := newTestClient(t, 2, room, log)
	c := newTestClient(t, 3, room, log)

	require.NoError(t, a.control.Send(protocol.Frame{Type: protocol.Chat, Body: []byte("hi")}))
	require.NoError(t, a.control.Send(protocol.Frame{Type: protocol.Chat, Body: []byte("there")}))

	b.expectChat(t, "hi")
	b.expectChat(t, "there")
	c.expectChat(t, "hi")
	c.expectChat(t, "there")
	a.expectNoChat(t)
}

// S2 — Quit notice.
func TestScenarioQuitNotice(t *testing.T) {
	room, log := testRoomWithLog(t)
	a := newTestClient(t, 1, room, log)
	b := newTestClient(t, 2, room, log)

	require.NoError(t, a.control.Send(protocol.Frame{Type: protocol.CmdQuit, Body: []byte(protocol.QuitNotice)}))

	b.expectChat(t, "[Server] User 1 has left the room.")

	require.Eventually(t, func() bool {
		return room.Size() == 1
	}, time.Second, 10*time.Millisecond)
}

// S3 — File accept fan-out.
func TestScenarioFileAcceptFanOut(t *testing.T) {
	room, log := testRoomWithLog(t)
	a := newTestClient(t, 1, room, log)
	b := newTestClient(t, 2, room, log)
	c := newTestClient(t, 3, room, log)

	payload := make([]byte, 10240)
	for i := range payload {
		payload[i] = byte(i)
	}
	tmp, err := os.CreateTemp(t.TempDir(), "xfer")
	require.NoError(t, err)
	_, err = tmp.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	body := protocol.FileStartBody(uint32(len(payload)), "X")
	require.NoError(t, a.control.Send(protocol.Frame{Type: protocol.FileStart, Body: body}))

	bAnnounce := waitControlFrame(t, b)
	require.Equal(t, protocol.FileStart, bAnnounce.Type)
	cAnnounce := waitControlFrame(t, c)
	require.Equal(t, protocol.FileStart, cAnnounce.Type)

	require.NoError(t, b.control.Send(protocol.Frame{Type: protocol.FileAccept}))
	require.NoError(t, c.control.Send(protocol.Frame{Type: protocol.FileRefuse}))

	goAhead, err := a.file.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.FileAccept, goAhead.Type)

	f, err := os.Open(tmp.Name())
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, protocol.DefaultChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			require.NoError(t, a.file.SendChunk(buf[:n]))
		}
		if rerr != nil {
			break
		}
	}

	got := make([]byte, 0, len(payload))
	rbuf := make([]byte, protocol.DefaultChunkSize)
	for len(got) < len(payload) {
		n, rerr := b.file.Read(rbuf)
		got = append(got, rbuf[:n]...)
		require.NoError(t, rerr)
	}
	assert.Equal(t, payload, got)

	require.NoError(t, b.control.Send(protocol.Frame{Type: protocol.FileDone}))
	done := waitControlFrame(t, a)
	assert.Equal(t, protocol.FileDone, done.Type)
}

// Regression test: a session's file socket carries its queued -send calls
// back to back with no close/reopen between them (client.sendNext), so a
// second announce's accept/refuse can resolve while the first transfer's
// streamFile goroutine is still draining its final bytes. Each transfer
// must still arrive complete and uncorrupted, and the two must not race
// over the shared file connection.
func TestScenarioSequentialFileSendsOnOneSession(t *testing.T) {
	room, log := testRoomWithLog(t)
	a := newTestClient(t, 1, room, log)
	b := newTestClient(t, 2, room, log)

	send := func(name string, fill byte, size int) {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = fill
		}

		body := protocol.FileStartBody(uint32(len(payload)), name)
		require.NoError(t, a.control.Send(protocol.Frame{Type: protocol.FileStart, Body: body}))

		announce := waitControlFrame(t, b)
		require.Equal(t, protocol.FileStart, announce.Type)
		gotSize, gotName, err := protocol.ParseFileStartBody(announce.Body)
		require.NoError(t, err)
		assert.EqualValues(t, len(payload), gotSize)
		assert.Equal(t, name, gotName)

		require.NoError(t, b.control.Send(protocol.Frame{Type: protocol.FileAccept}))

		goAhead, err := a.file.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, protocol.FileAccept, goAhead.Type)

		require.NoError(t, a.file.SendChunk(payload))

		got := make([]byte, 0, len(payload))
		rbuf := make([]byte, protocol.DefaultChunkSize)
		for len(got) < len(payload) {
			n, rerr := b.file.Read(rbuf)
			got = append(got, rbuf[:n]...)
			require.NoError(t, rerr)
		}
		assert.Equal(t, payload, got, "transfer %q arrived corrupted or truncated", name)

		require.NoError(t, b.control.Send(protocol.Frame{Type: protocol.FileDone}))
		done := waitControlFrame(t, a)
		assert.Equal(t, protocol.FileDone, done.Type)
	}

	send("first", 0xAA, protocol.DefaultChunkSize+10)
	send("second", 0xBB, protocol.DefaultChunkSize+20)
}

// S4 — All refuse.
func TestScenarioAllRefuse(t *testing.T) {
	room, log := testRoomWithLog(t)
	a := newTestClient(t, 1, room, log)
	b := newTestClient(t, 2, room, log)
	c := newTestClient(t, 3, room, log)

	body := protocol.FileStartBody(1024, "Y")
	require.NoError(t, a.control.Send(protocol.Frame{Type: protocol.FileStart, Body: body}))
	waitControlFrame(t, b)
	waitControlFrame(t, c)

	require.NoError(t, b.control.Send(protocol.Frame{Type: protocol.FileRefuse}))
	require.NoError(t, c.control.Send(protocol.Frame{Type: protocol.FileRefuse}))

	signal, err := a.file.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.FileRefuse, signal.Type)

	require.Eventually(t, func() bool {
		return room.Size() == 3
	}, time.Second, 10*time.Millisecond)
}

// S6 — Unknown command.
func TestScenarioUnknownCommand(t *testing.T) {
	room, log := testRoomWithLog(t)
	a := newTestClient(t, 1, room, log)
	b := newTestClient(t, 2, room, log)

	require.NoError(t, a.control.Send(protocol.Frame{Type: protocol.Unknown, Body: []byte("-wiggle")}))

	f := waitControlFrame(t, a)
	assert.Contains(t, string(f.Body), "[Server] Unknown command")
	b.expectNoChat(t)
}

func waitControlFrame(t *testing.T, tc *testClient) protocol.Frame {
	t.Helper()
	select {
	case f := <-tc.chat:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("participant %d: timed out waiting for control frame", tc.id)
		return protocol.Frame{}
	}
}
