// Package transport runs the read loop and serialised write queue over one
// net.Conn that both the broker and the client build their framed protocol
// on top of.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing/common/bufio"

	"github.com/jeremimucha/jamim/protocol"
)

// ErrClosedConn is returned by Send once the Connection has been closed,
// and delivered through Done() as the terminal error on a clean Close.
var ErrClosedConn = errors.New("transport: connection closed")

// sendQueueDepth bounds how many frames Send can enqueue before it starts
// blocking the caller; it does not bound in-flight bytes, only frame count,
// matching the FIFO-per-connection contract without adding negotiated flow
// control.
const sendQueueDepth = 256

// Connection owns one net.Conn, a read loop that decodes frames and hands
// them to a single dispatch callback, and a write loop that drains a FIFO
// of outgoing frames in enqueue order.
type Connection struct {
	conn net.Conn

	writeCh chan protocol.Frame
	done    chan struct{}
	err     error
	errOnce sync.Once
	closer  sync.Once

	onFrame atomic.Pointer[func(protocol.Frame)]
}

// NewConnection wraps conn and immediately starts its read and write loops.
// onFrame is invoked from the read-loop goroutine for every decoded frame;
// it must not block for long, since it gates delivery of the next frame.
// Pass nil and call OnFrame later to bind the handler once the caller's
// own state is fully constructed.
func NewConnection(conn net.Conn, onFrame func(protocol.Frame)) *Connection {
	c := &Connection{
		conn:    conn,
		writeCh: make(chan protocol.Frame, sendQueueDepth),
		done:    make(chan struct{}),
	}
	if onFrame != nil {
		c.OnFrame(onFrame)
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// OnFrame (re)binds the dispatch callback invoked for every decoded frame.
// It is safe to call concurrently with the read loop; a frame decoded
// before OnFrame's store becomes visible is simply dropped.
func (c *Connection) OnFrame(handler func(protocol.Frame)) {
	c.onFrame.Store(&handler)
}

// RemoteAddr reports the underlying socket's remote address, for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send enqueues frame for transmission. Frames enqueued by a single caller
// are written in enqueue order; Send itself never blocks on network I/O,
// only (briefly, under backpressure) on queue depth.
func (c *Connection) Send(frame protocol.Frame) error {
	select {
	case <-c.done:
		return ErrClosedConn
	default:
	}
	select {
	case c.writeCh <- frame:
		return nil
	case <-c.done:
		return ErrClosedConn
	}
}

// Done returns a channel closed once the connection has terminated, whether
// by an explicit Close or a transport error.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, if any, once Done() has fired. A clean
// Close reports ErrClosedConn.
func (c *Connection) Err() error {
	<-c.done
	return c.err
}

// Close closes the underlying socket in one step, which stops both the
// read and the write loop; there is no separate half-close of the write
// side, and frames still queued are dropped. It is idempotent.
func (c *Connection) Close() error {
	c.closer.Do(func() {
		c.fail(ErrClosedConn)
	})
	return nil
}

func (c *Connection) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Connection) readLoop() {
	var hdrBuf [protocol.HeaderLength]byte
	for {
		if _, err := io.ReadFull(c.conn, hdrBuf[:]); err != nil {
			c.fail(fmt.Errorf("transport: read header: %w", err))
			return
		}
		typ, length := protocol.DecodeHeader(hdrBuf)

		body := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.conn, body); err != nil {
				c.fail(fmt.Errorf("transport: read body: %w", err))
				return
			}
		}

		if handler := c.onFrame.Load(); handler != nil {
			(*handler)(protocol.Frame{Type: typ, Body: body})
		}
	}
}

func (c *Connection) writeLoop() {
	bw, vectorised := bufio.CreateVectorisedWriter(c.conn)
	var hdrBuf [protocol.HeaderLength]byte
	vec := make([][]byte, 2)

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.writeCh:
			if err := protocol.EncodeHeader(&hdrBuf, frame.Type, len(frame.Body)); err != nil {
				// The frame cannot be represented on the wire; drop it and
				// keep serving the rest of the queue rather than wedging
				// the connection over one bad caller.
				continue
			}

			var err error
			if vectorised {
				vec[0] = hdrBuf[:]
				vec[1] = frame.Body
				_, err = bufio.WriteVectorised(bw, vec)
			} else {
				buf := make([]byte, protocol.HeaderLength+len(frame.Body))
				copy(buf, hdrBuf[:])
				copy(buf[protocol.HeaderLength:], frame.Body)
				_, err = c.conn.Write(buf)
			}
			if err != nil {
				c.fail(fmt.Errorf("transport: write: %w", err))
				return
			}
		}
	}
}
