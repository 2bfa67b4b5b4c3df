package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeremimucha/jamim/protocol"
	"github.com/jeremimucha/jamim/transport"
)

// HighWatermarkBytes bounds how many file-chunk bytes may sit queued on a
// single reader's file connection before a sender pauses reading further
// chunks on that reader's behalf. This replaces the source's unbounded
// per-reader queue (see SPEC_FULL §5, §9).
const HighWatermarkBytes = 1 << 20 // 1 MiB

const backpressurePoll = 2 * time.Millisecond

// Session is one participant's pair of connections plus its per-
// participant file-transfer state. It implements broker.Participant so
// the Room can address it without depending on its concrete fields.
type Session struct {
	id uint32

	control *transport.Connection
	file    *transport.RawStream

	room *Room
	log  *zap.SugaredLogger

	// transferSlot is a 1-buffered semaphore held for the duration of one
	// sender-side streamFile call. A session's file socket carries its
	// queued sends back to back with no close/reopen between them (see
	// client.sendNext), so a second announce can resolve while the prior
	// transfer's streamFile goroutine is still draining its last bytes;
	// this slot serializes the two instead of letting them race over the
	// same net.Conn.
	transferSlot chan struct{}
	expectedSize uint32 // atomic; byte count of the announce currently being resolved
}

// NewSession pairs an already-accepted control socket with the matching
// file socket and wires up control-frame dispatch. Session owns the
// construction of both transport wrappers itself, rather than taking
// already-wrapped types, so the control Connection's dispatch callback
// can be bound to this Session's fields before its read loop ever starts
// (see transport.NewConnection: the handler is set before the read-loop
// goroutine is spawned, so there is no window where a frame can arrive
// before dispatch is wired). The returned Session is not yet a room
// member; call room.Join once the caller is ready to admit it.
func NewSession(id uint32, controlConn net.Conn, fileConn net.Conn, room *Room, log *zap.SugaredLogger) *Session {
	s := &Session{
		id:           id,
		room:         room,
		log:          log.With("session", id),
		transferSlot: make(chan struct{}, 1),
	}
	s.control = transport.NewConnection(controlConn, s.handleControlFrame)
	s.file = transport.NewRawStream(fileConn)
	return s
}

// ID returns the session's room-scoped participant id.
func (s *Session) ID() uint32 { return s.id }

// Deliver enqueues a chat/control frame on the control connection.
func (s *Session) Deliver(frame protocol.Frame) {
	if err := s.control.Send(frame); err != nil {
		s.log.Debugw("dropped frame on closed control connection", "type", frame.Type)
	}
}

// DeliverFileControl enqueues a file-channel control frame (cancel/done)
// on this session's file connection.
func (s *Session) DeliverFileControl(frame protocol.Frame) {
	if err := s.file.SendFrame(frame); err != nil {
		s.log.Debugw("dropped file-control frame on closed file connection", "type", frame.Type)
	}
}

// DeliverFileChunk enqueues bytes on this session's file connection FIFO,
// preserving the arrival order from the sender.
func (s *Session) DeliverFileChunk(chunk []byte) {
	if err := s.file.SendChunk(chunk); err != nil {
		s.log.Debugw("dropped file chunk on closed file connection", "len", len(chunk))
	}
}

// QueuedFileBytes reports bytes currently buffered on the file connection.
func (s *Session) QueuedFileBytes() int64 {
	return s.file.QueuedBytes()
}

// SetRemaining is called once, at announce time, with the number of peers
// solicited for accept/refuse. The actual counting happens on the Room
// side (Room.resolve); this is purely the session's own bookkeeping/log
// signal that a new announce cycle has begun. It must not touch
// transferSlot: a prior transfer's streamFile may still be draining its
// final bytes when a second -send is announced, and only that goroutine's
// own completion may release the slot.
func (s *Session) SetRemaining(n int) {
	s.log.Debugw("awaiting file responses", "remaining", n)
}

// FileAccepted is invoked by the Room once per peer that accepted this
// session's outstanding announcement. It is a notification only — the
// Room itself tracks the remaining-response count and calls
// TransferResolved once every peer has replied — so it is safe for the
// Room to call this synchronously from its own goroutine.
func (s *Session) FileAccepted(responder uint32) {
	s.log.Debugw("peer accepted file transfer", "responder", responder)
}

// FileRefused is invoked by the Room once per peer that declined this
// session's outstanding announcement. See FileAccepted.
func (s *Session) FileRefused(responder uint32) {
	s.log.Debugw("peer refused file transfer", "responder", responder)
}

// TransferResolved is invoked by the Room exactly once per announce, once
// every solicited peer has responded, with the final reader set. The Room
// always invokes this from a fresh goroutine (never its own), so it is
// free to block on this session's own file socket. The size captured here
// is read before the sender could possibly have started a later announce:
// the client cannot send a second FileStart until it has received this
// announce's accept/refuse signal, which is sent only after the size has
// been loaded (streamFile is started with it as its argument).
func (s *Session) TransferResolved(readers []uint32) {
	if len(readers) == 0 {
		s.log.Infow("file transfer had no acceptors", "sender", s.id)
		// Nobody is waiting on bytes; unblock the sending client, which is
		// sitting on a FileAccept/FileRefuse read on its own file socket.
		if err := s.file.SendFrame(protocol.Frame{Type: protocol.FileRefuse}); err != nil {
			s.log.Warnw("failed to signal no-acceptors to sender", "err", err)
		}
		return
	}
	size := atomic.LoadUint32(&s.expectedSize)
	go s.streamFile(size)
}

// streamFile implements the sender-side substate (§4.3): signal "go" on
// the file connection, then relay exactly size bytes read from the
// sender's own file socket to the Room. The loop is bounded by the byte
// count the announce declared, not by EOF/error on the file connection:
// that socket stays open across a session's queued sends (client.sendNext
// never closes or reopens it), so an EOF-bounded loop here would simply
// block forever waiting for the next transfer's bytes — or, before
// transferSlot existed, race a second streamFile reading the same socket.
func (s *Session) streamFile(size uint32) {
	s.transferSlot <- struct{}{}
	defer func() { <-s.transferSlot }()

	if err := s.file.SendFrame(protocol.Frame{Type: protocol.FileAccept}); err != nil {
		s.log.Warnw("failed to signal go-ahead to sender", "err", err)
		return
	}

	buf := make([]byte, protocol.DefaultChunkSize)
	var sent uint32
	for sent < size {
		s.waitForReaderHeadroom()

		want := size - sent
		if want > uint32(len(buf)) {
			want = uint32(len(buf))
		}
		n, err := s.file.Read(buf[:want])
		if n > 0 {
			s.room.FileChunkBroadcast(buf[:n], s)
			sent += uint32(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Warnw("file connection closed before announced size was reached", "sender", s.id, "sent", sent, "size", size)
			} else {
				s.log.Warnw("file transfer stream error", "sender", s.id, "err", err)
			}
			return
		}
	}
	s.log.Infow("file transfer stream complete", "sender", s.id, "size", size)
}

// waitForReaderHeadroom pauses the sender's reads from its file socket while
// any current reader has more than HighWatermarkBytes queued, so one slow
// reader cannot grow the broker's memory without bound (§5, §9).
func (s *Session) waitForReaderHeadroom() {
	for {
		blocked := false
		for _, id := range s.room.Readers(s) {
			reader, ok := s.room.Participant(id)
			if !ok {
				continue
			}
			if reader.QueuedFileBytes() > HighWatermarkBytes {
				blocked = true
				break
			}
		}
		if !blocked {
			return
		}
		time.Sleep(backpressurePoll)
	}
}

// handleControlFrame is the Session's closed dispatch table (§4.3),
// invoked from the control Connection's read-loop goroutine for every
// decoded frame.
func (s *Session) handleControlFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.Empty:
		// no-op
	case protocol.Chat:
		s.room.Broadcast(frame, s)
	case protocol.CmdQuit:
		notice := fmt.Sprintf("[Server] User %d has left the room.", s.id)
		s.room.Broadcast(protocol.Frame{Type: protocol.Chat, Body: []byte(notice)}, s)
		s.room.Leave(s)
		s.Close()
	case protocol.FileStart:
		size, _, err := protocol.ParseFileStartBody(frame.Body)
		if err != nil {
			s.log.Warnw("malformed FileStart body", "err", err)
			return
		}
		// Safe to store unconditionally: the sender cannot have a second
		// FileStart in flight until it has received the accept/refuse
		// signal for this one (see streamFile/TransferResolved), and that
		// signal is what TransferResolved reads this field to produce.
		atomic.StoreUint32(&s.expectedSize, size)
		if err := s.room.FileAnnounce(frame, s); err != nil {
			s.log.Warnw("rejecting file announcement", "err", err)
			s.Deliver(protocol.Frame{Type: protocol.Chat, Body: []byte("[Server] You already have a transfer in progress.")})
		}
	case protocol.FileAccept:
		s.room.FileAccept(s)
	case protocol.FileRefuse:
		s.room.FileRefuse(s)
	case protocol.FileCancel:
		s.room.FileCancel(frame, s)
	case protocol.FileCancelAll:
		s.room.FileCancelAll(frame, s)
	case protocol.FileDone:
		s.room.FileDone(frame, s)
	default:
		msg := fmt.Sprintf("[Server] Unknown command %s", string(frame.Body))
		s.Deliver(protocol.Frame{Type: protocol.Chat, Body: []byte(msg)})
	}
}

// Close tears down both of this session's connections. It does not remove
// the session from the Room; callers that close in response to a
// transport error are expected to have already called (or to still need
// to call) room.Leave.
func (s *Session) Close() {
	_ = s.control.Close()
	_ = s.file.Close()
}

// WatchClosure removes the session from room once either connection
// terminates for a reason other than an explicit CmdQuit (which already
// calls room.Leave itself before closing). It is started once per session
// by the Listener right after the session is constructed.
func (s *Session) WatchClosure() {
	select {
	case <-s.control.Done():
	case <-s.file.Done():
	}
	s.room.Leave(s)
	s.Close()
}
