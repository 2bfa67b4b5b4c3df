package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jeremimucha/jamim/protocol"
)

// chunkQueueDepth bounds the number of outstanding write items (frames or
// raw chunks) queued for a file socket before SendFrame/SendChunk block.
const chunkQueueDepth = 64

// RawStream wraps a file-endpoint net.Conn. Unlike Connection, it has no
// background frame-dispatch loop: a file socket alternates between carrying
// discrete control frames (FileStart/Accept/Refuse/Cancel/Done) and a raw
// byte stream whose boundaries are known only to the state machine driving
// it (Session on the broker, ClientCore on the client) — a generic header-
// first decoder would misinterpret bulk file bytes as the next frame's
// header. Callers therefore explicitly call ReadFrame when a control
// signal is expected and Read/ReadFull when raw bytes are expected; this
// mirrors the phase-driven reads of the source's asynchronous read chain.
type RawStream struct {
	conn net.Conn

	writeCh chan []byte
	done    chan struct{}
	err     error
	errOnce sync.Once
	closer  sync.Once

	// queuedBytes tracks bytes handed to enqueue but not yet written to
	// conn, so a sender streaming to this stream's Session can tell a
	// slow reader apart from a keeping-up one (see broker.HighWatermarkBytes).
	queuedBytes int64
}

// NewRawStream wraps conn and starts its write loop. There is no read loop;
// reads happen synchronously on whatever goroutine drives this stream's
// current phase.
func NewRawStream(conn net.Conn) *RawStream {
	r := &RawStream{
		conn:    conn,
		writeCh: make(chan []byte, chunkQueueDepth),
		done:    make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// RemoteAddr reports the underlying socket's remote address, for logging.
func (r *RawStream) RemoteAddr() net.Addr {
	return r.conn.RemoteAddr()
}

// SendFrame enqueues a control frame (FileStart/Accept/Refuse/Cancel/Done)
// for transmission, in order relative to every other Send* call on this
// stream.
func (r *RawStream) SendFrame(frame protocol.Frame) error {
	wire, err := protocol.Encode(frame.Type, frame.Body)
	if err != nil {
		return err
	}
	return r.enqueue(wire)
}

// SendChunk enqueues a raw slice of file bytes, copied so the caller's
// buffer can be reused immediately.
func (r *RawStream) SendChunk(chunk []byte) error {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	return r.enqueue(cp)
}

func (r *RawStream) enqueue(buf []byte) error {
	select {
	case <-r.done:
		return ErrClosedConn
	default:
	}
	select {
	case r.writeCh <- buf:
		atomic.AddInt64(&r.queuedBytes, int64(len(buf)))
		return nil
	case <-r.done:
		return ErrClosedConn
	}
}

// QueuedBytes reports how many bytes are currently sitting in this
// stream's write queue, waiting on conn.Write.
func (r *RawStream) QueuedBytes() int64 {
	return atomic.LoadInt64(&r.queuedBytes)
}

// ReadFrame blocks for exactly one header-prefixed control frame.
func (r *RawStream) ReadFrame() (protocol.Frame, error) {
	var hdr [protocol.HeaderLength]byte
	if _, err := io.ReadFull(r.conn, hdr[:]); err != nil {
		r.fail(fmt.Errorf("transport: rawstream read header: %w", err))
		return protocol.Frame{}, err
	}
	typ, length := protocol.DecodeHeader(hdr)
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.conn, body); err != nil {
			r.fail(fmt.Errorf("transport: rawstream read body: %w", err))
			return protocol.Frame{}, err
		}
	}
	return protocol.Frame{Type: typ, Body: body}, nil
}

// Read performs one partial raw read, for a sender pulling chunks off its
// own file socket at up to protocol.DefaultChunkSize per call.
func (r *RawStream) Read(buf []byte) (int, error) {
	n, err := r.conn.Read(buf)
	if err != nil {
		r.fail(fmt.Errorf("transport: rawstream read: %w", err))
	}
	return n, err
}

// ReadFull reads exactly len(buf) bytes, for a receiver that knows the
// exact byte count a FileStart announced and must stop there, leaving any
// further bytes on the socket for the next transfer.
func (r *RawStream) ReadFull(buf []byte) (int, error) {
	n, err := io.ReadFull(r.conn, buf)
	if err != nil {
		r.fail(fmt.Errorf("transport: rawstream readfull: %w", err))
	}
	return n, err
}

// Done returns a channel closed once the stream has terminated.
func (r *RawStream) Done() <-chan struct{} { return r.done }

// Err returns the terminal error once Done() has fired.
func (r *RawStream) Err() error {
	<-r.done
	return r.err
}

// Close closes the stream and the underlying socket in one step (no
// half-close); items still queued are dropped. Idempotent.
func (r *RawStream) Close() error {
	r.closer.Do(func() {
		r.fail(ErrClosedConn)
	})
	return nil
}

func (r *RawStream) fail(err error) {
	r.errOnce.Do(func() {
		r.err = err
		close(r.done)
		_ = r.conn.Close()
	})
}

func (r *RawStream) writeLoop() {
	for {
		select {
		case <-r.done:
			return
		case buf := <-r.writeCh:
			_, err := r.conn.Write(buf)
			atomic.AddInt64(&r.queuedBytes, -int64(len(buf)))
			if err != nil {
				r.fail(fmt.Errorf("transport: rawstream write: %w", err))
				return
			}
		}
	}
}

var errShortPeerID = errors.New("transport: file socket presented no peer id")

// ReadPeerID reads the 4-byte big-endian participant id a client's file
// socket sends as its very first bytes, so the broker's file listener can
// splice the new socket into the waiting Session by id instead of by
// accept order (see Listener pairing policy).
func ReadPeerID(conn net.Conn) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", errShortPeerID, err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WritePeerID writes the id tag a client's file socket must send as its
// first bytes after connecting, pairing it with the control socket that
// already received this id.
func WritePeerID(conn net.Conn, id uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	_, err := conn.Write(buf[:])
	return err
}
