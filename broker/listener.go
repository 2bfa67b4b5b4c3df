package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeremimucha/jamim/transport"
)

// pendingTimeout bounds how long a control socket waits for its matching
// file socket to present the id it was handed before the broker gives up
// and closes it. A client that never opens a second connection would
// otherwise leak a pending entry forever.
const pendingTimeout = 30 * time.Second

// Server owns the room and both listening sockets (control, file),
// pairing them by participant id instead of by accept order: the
// source paired sockets strictly by the order they were accepted,
// which breaks the moment a second client's control connection races
// ahead of a first client's file connection (see SPEC_FULL §4.5, §11).
type Server struct {
	log *zap.SugaredLogger

	controlAddr string
	fileAddr    string

	room *Room

	nextID uint32 // atomic

	mu      sync.Mutex
	pending map[uint32]*pendingSession
}

type pendingSession struct {
	control net.Conn
	ready   chan net.Conn // the matching file conn, once ReadPeerID resolves it
}

// NewServer constructs a Server listening on controlAddr and fileAddr
// once Run is called. The Room is created but not started; Run starts it.
func NewServer(controlAddr, fileAddr string, log *zap.SugaredLogger) *Server {
	return &Server{
		log:         log,
		controlAddr: controlAddr,
		fileAddr:    fileAddr,
		room:        NewRoom(log),
		pending:     make(map[uint32]*pendingSession),
	}
}

// Run listens on both sockets and serves until ctx is cancelled or one of
// the accept loops fails irrecoverably. It blocks until shutdown is
// complete.
func (s *Server) Run(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", s.controlAddr)
	if err != nil {
		return fmt.Errorf("broker: listen control: %w", err)
	}
	defer controlLn.Close()

	fileLn, err := net.Listen("tcp", s.fileAddr)
	if err != nil {
		return fmt.Errorf("broker: listen file: %w", err)
	}
	defer fileLn.Close()

	s.log.Infow("broker listening", "control", controlLn.Addr(), "file", fileLn.Addr())

	roomStop := make(chan struct{})
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.room.Run(roomStop)
		return nil
	})
	group.Go(func() error {
		return s.acceptControl(gctx, controlLn)
	})
	group.Go(func() error {
		return s.acceptFile(gctx, fileLn)
	})
	group.Go(func() error {
		<-gctx.Done()
		_ = controlLn.Close()
		_ = fileLn.Close()
		return gctx.Err()
	})

	err = group.Wait()
	close(roomStop)
	return err
}

func (s *Server) acceptControl(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: accept control: %w", err)
		}
		go s.handleControlConn(ctx, conn)
	}
}

func (s *Server) acceptFile(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: accept file: %w", err)
		}
		go s.handleFileConn(conn)
	}
}

// handleControlConn assigns a fresh id, hands it to the client over the
// just-accepted control socket, registers a pending slot for the file
// socket that must eventually present that same id, and blocks until one
// arrives (or pendingTimeout elapses), at which point the Session is
// constructed and joined to the room.
func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	id := atomic.AddUint32(&s.nextID, 1)

	if err := transport.WritePeerID(conn, id); err != nil {
		s.log.Warnw("failed to hand out participant id", "err", err)
		_ = conn.Close()
		return
	}

	pending := &pendingSession{control: conn, ready: make(chan net.Conn, 1)}
	s.mu.Lock()
	s.pending[id] = pending
	s.mu.Unlock()

	var fileConn net.Conn
	select {
	case fileConn = <-pending.ready:
	case <-time.After(pendingTimeout):
		s.log.Warnw("control socket never paired with a file socket", "id", id)
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		_ = conn.Close()
		return
	case <-ctx.Done():
		_ = conn.Close()
		return
	}

	session := NewSession(id, conn, fileConn, s.room, s.log)
	s.room.Join(session)
	s.log.Infow("session paired", "id", id, "room_size", s.room.Size())

	session.WatchClosure()
}

// handleFileConn reads the id this file socket claims, splices it into
// the matching pending control socket, and returns. It never blocks on
// Session lifetime: handleControlConn owns that.
func (s *Server) handleFileConn(conn net.Conn) {
	id, err := transport.ReadPeerID(conn)
	if err != nil {
		s.log.Warnw("file socket failed to present an id", "err", err)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	pending, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warnw("file socket presented unknown id", "id", id, "err", ErrUnknownPeerID)
		_ = conn.Close()
		return
	}

	pending.ready <- conn
}
