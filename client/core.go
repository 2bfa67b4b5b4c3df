// Package client implements the user-facing side of one connection pair:
// reading input lines, classifying them, and driving the file-send and
// file-receive substates alongside ordinary chat traffic.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeremimucha/jamim/protocol"
	"github.com/jeremimucha/jamim/transport"
)

// ErrSourceNotRegular is returned when a -send path does not name a
// regular file.
var ErrSourceNotRegular = errors.New("client: source path is not a regular file")

// ClientCore owns the control and file connections for one broker session
// and the local state needed to drive the file-transfer substates: a FIFO
// of paths queued by -send, and whatever transfer is currently soliciting
// or receiving a reply.
type ClientCore struct {
	control *transport.Connection
	file    *transport.RawStream

	log *zap.SugaredLogger
	out io.Writer

	mu       sync.Mutex
	id       uint32
	queue    []string
	sending  bool
	incoming *incomingTransfer
}

// incomingTransfer holds the state of a FileStart announced to us by the
// broker while we wait for the user to accept or decline it.
type incomingTransfer struct {
	size uint32
	name string
}

// New wraps already-connected control and file sockets. id is the
// participant id the broker assigned on the control socket; callers must
// have already sent it back over the file socket via transport.WritePeerID
// before constructing the ClientCore, since the broker splices file
// sockets to sessions by that id before any other traffic is expected.
func New(id uint32, controlConn, fileConn net.Conn, log *zap.SugaredLogger, out io.Writer) *ClientCore {
	c := &ClientCore{log: log, out: out, id: id}
	c.control = transport.NewConnection(controlConn, c.handleControlFrame)
	c.file = transport.NewRawStream(fileConn)
	return c
}

// Run drives the input loop (stdin -> Codec -> connections) alongside a
// watcher on the control connection, and returns once both have stopped.
// A -quit or an input error stops both at once. When the control
// connection ends first, the input loop only notices on the next line it
// reads; when input reaches EOF without -quit, Run waits for the control
// connection to end. A clean -quit returns nil.
func (c *ClientCore) Run(ctx context.Context, in io.Reader) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.inputLoop(gctx, in)
	})
	group.Go(func() error {
		select {
		case <-c.control.Done():
			return c.control.Err()
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	err := group.Wait()
	_ = c.control.Close()
	_ = c.file.Close()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

var errQuit = errors.New("client: user quit")

func (c *ClientCore) inputLoop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		if handled, err := c.dispatchLocalUI(line); handled {
			if err != nil {
				fmt.Fprintf(c.out, "[local] %v\n", err)
			}
			continue
		}

		frame := protocol.FromLine(line)
		if err := c.dispatchLine(frame); err != nil {
			if errors.Is(err, errQuit) {
				return err
			}
			fmt.Fprintf(c.out, "[local] %v\n", err)
		}
	}
	return scanner.Err()
}

// dispatchLocalUI intercepts the two local-only responses to an incoming
// FileStart prompt (see onFileStart). These never reach Codec.FromLine
// since they are not part of the wire command grammar — acceptance and
// declination are a ClientCore/user interaction, not a broker command.
func (c *ClientCore) dispatchLocalUI(line string) (handled bool, err error) {
	switch {
	case line == "-decline":
		return true, c.Decline()
	case strings.HasPrefix(line, "-accept "):
		dest := strings.TrimSpace(strings.TrimPrefix(line, "-accept "))
		return true, c.Accept(dest)
	default:
		return false, nil
	}
}

// ID returns the participant id the broker assigned this client.
func (c *ClientCore) ID() uint32 { return c.id }

func (c *ClientCore) dispatchLine(frame protocol.Frame) error {
	switch frame.Type {
	case protocol.Empty:
		return nil
	case protocol.CmdQuit:
		_ = c.control.Send(protocol.Frame{Type: protocol.CmdQuit, Body: frame.Body})
		return errQuit
	case protocol.CmdStartFile:
		return c.enqueueSend(string(frame.Body))
	case protocol.CmdCancel:
		return c.control.Send(protocol.Frame{Type: protocol.FileCancel})
	case protocol.CmdCancelAll:
		c.mu.Lock()
		c.queue = nil
		c.mu.Unlock()
		return c.control.Send(protocol.Frame{Type: protocol.FileCancelAll})
	case protocol.Unknown:
		fmt.Fprintf(c.out, "[local] unrecognized command\n")
		return nil
	default: // Chat
		return c.control.Send(frame)
	}
}

// enqueueSend validates path, appends it to the send queue, and if no
// transfer is currently in flight, starts one.
func (c *ClientCore) enqueueSend(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", path, ErrSourceNotRegular)
	}

	c.mu.Lock()
	c.queue = append(c.queue, path)
	start := !c.sending
	if start {
		c.sending = true
	}
	c.mu.Unlock()

	if start {
		go c.sendNext()
	}
	return nil
}

// sendNext announces the queue head on the control connection, waits for
// the broker's FileAccept/FileRefuse signal on the file connection, and
// either streams the file or moves on, repeating until the queue is empty.
// It runs in its own goroutine, one transfer at a time, so the input loop
// stays responsive to chat and further commands while a send is
// outstanding.
func (c *ClientCore) sendNext() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.sending = false
			c.mu.Unlock()
			return
		}
		path := c.queue[0]
		c.mu.Unlock()

		if err := c.sendOne(path); err != nil {
			c.log.Warnw("file send failed", "path", path, "err", err)
			fmt.Fprintf(c.out, "[local] send %s failed: %v\n", path, err)
		}

		c.mu.Lock()
		c.queue = c.queue[1:]
		c.mu.Unlock()
	}
}

func (c *ClientCore) sendOne(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	body := protocol.FileStartBody(uint32(info.Size()), filepath.Base(path))
	if err := c.control.Send(protocol.Frame{Type: protocol.FileStart, Body: body}); err != nil {
		return err
	}

	signal, err := c.file.ReadFrame()
	if err != nil {
		return fmt.Errorf("waiting for accept/refuse: %w", err)
	}
	switch signal.Type {
	case protocol.FileRefuse:
		fmt.Fprintf(c.out, "[local] %s: no recipients accepted\n", path)
		return nil
	case protocol.FileAccept:
		// fall through to streaming below
	default:
		return fmt.Errorf("unexpected signal %s while awaiting accept/refuse", signal.Type)
	}

	buf := make([]byte, protocol.DefaultChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := c.file.SendChunk(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintf(c.out, "[local] sent %s\n", path)
				return nil
			}
			return err
		}
	}
}

// handleControlFrame is invoked from the control connection's read-loop
// goroutine for every decoded frame.
func (c *ClientCore) handleControlFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.Empty:
	case protocol.FileStart:
		c.onFileStart(frame)
	default:
		fmt.Fprintf(c.out, "\t>>> %s\n", string(frame.Body))
	}
}

// onFileStart is the broker forwarding a peer's announcement to us as a
// candidate reader. It records the pending transfer, prints a prompt and
// returns without blocking; the decision arrives later as a "-accept
// <path>" or "-decline" line on the input stream (see dispatchLocalUI).
func (c *ClientCore) onFileStart(frame protocol.Frame) {
	size, name, err := protocol.ParseFileStartBody(frame.Body)
	if err != nil {
		c.log.Warnw("malformed FileStart body", "err", err)
		return
	}
	c.mu.Lock()
	c.incoming = &incomingTransfer{size: size, name: name}
	c.mu.Unlock()
	fmt.Fprintf(c.out, "[local] incoming file %q (%d bytes) — accept with \"-accept <path>\" or \"-decline\"\n", name, size)
}

// Accept replies to the broker that the currently announced transfer is
// wanted, and blocks receiving exactly the announced byte count into
// destPath. It is meant to be called from the input loop in response to
// a local "-accept <path>" line, once onFileStart has recorded a pending
// transfer.
func (c *ClientCore) Accept(destPath string) error {
	c.mu.Lock()
	pending := c.incoming
	c.incoming = nil
	c.mu.Unlock()
	if pending == nil {
		return errors.New("client: no pending file transfer to accept")
	}

	if err := c.control.Send(protocol.Frame{Type: protocol.FileAccept}); err != nil {
		return err
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	remaining := int64(pending.size)
	buf := make([]byte, protocol.DefaultChunkSize)
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := c.file.Read(chunk)
		if n > 0 {
			if _, werr := dst.Write(chunk[:n]); werr != nil {
				return werr
			}
			remaining -= int64(n)
		}
		if err != nil {
			return fmt.Errorf("receiving %s: %w", pending.name, err)
		}
	}

	return c.control.Send(protocol.Frame{Type: protocol.FileDone})
}

// Decline replies that the currently announced transfer is not wanted.
func (c *ClientCore) Decline() error {
	c.mu.Lock()
	c.incoming = nil
	c.mu.Unlock()
	return c.control.Send(protocol.Frame{Type: protocol.FileRefuse})
}
