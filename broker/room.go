// Package broker implements the broker-side room/session state machine:
// membership, chat broadcast, and the multi-phase file-transfer handshake.
package broker

import (
	"go.uber.org/zap"

	"github.com/jeremimucha/jamim/protocol"
)

// Participant is the narrow interface the Room uses to reach a Session,
// so the Room can own participants by value without Session needing a
// direct pointer back into the Room's mutable maps — Session only ever
// posts commands onto the Room's channel (see Room.do).
type Participant interface {
	ID() uint32
	Deliver(protocol.Frame)
	DeliverFileControl(protocol.Frame)
	DeliverFileChunk([]byte)
	SetRemaining(n int)
	FileAccepted(responder uint32)
	FileRefused(responder uint32)
	// TransferResolved is invoked exactly once per announce, once every
	// solicited peer has responded (accept or refuse), with the final
	// reader set that accepted. It always runs off the Room's own
	// goroutine (see Room.resolve) so it is free to block or call back
	// into the Room without risking the single-goroutine reentrancy the
	// plain FileAccepted/FileRefused calls must avoid.
	TransferResolved(readers []uint32)
	// QueuedFileBytes reports how many bytes this participant currently
	// has buffered on its outgoing file connection, so a sender can poll
	// its readers and pause its own file-socket reads once one of them is
	// falling behind (see Room.Readers / the high-watermark in §5).
	QueuedFileBytes() int64
}

// Room holds membership and per-sender file-transfer state for the single
// shared room. Every mutation runs on Room's own goroutine (started by
// Run), so participants, readers, and responseAwaiters never need a mutex:
// callers synchronize by posting a closure through do and waiting for it
// to finish.
type Room struct {
	log *zap.SugaredLogger

	cmds chan func()

	participants     map[uint32]Participant
	responseAwaiters map[uint32]struct{}
	readers          map[uint32]map[uint32]struct{} // sender id -> reader ids
	remaining        map[uint32]int32               // sender id -> outstanding responses
}

// NewRoom constructs an empty Room. Call Run in its own goroutine before
// using any operation.
func NewRoom(log *zap.SugaredLogger) *Room {
	return &Room{
		log:              log,
		cmds:             make(chan func()),
		participants:     make(map[uint32]Participant),
		responseAwaiters: make(map[uint32]struct{}),
		readers:          make(map[uint32]map[uint32]struct{}),
		remaining:        make(map[uint32]int32),
	}
}

// Run drains the command queue until stop is closed. It is the Room's only
// goroutine; every exported method below just posts work onto it.
func (r *Room) Run(stop <-chan struct{}) {
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-stop:
			return
		}
	}
}

// do runs fn on the Room goroutine and blocks until it has completed.
func (r *Room) do(fn func()) {
	done := make(chan struct{})
	r.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// Join adds a newly paired participant to the room.
func (r *Room) Join(p Participant) {
	r.do(func() {
		r.participants[p.ID()] = p
		r.log.Infow("participant joined", "id", p.ID(), "room_size", len(r.participants))
	})
}

// Leave removes a participant, pruning it from every reader set it
// belonged to and clearing any transfer it was sending.
func (r *Room) Leave(p Participant) {
	r.do(func() {
		id := p.ID()
		delete(r.participants, id)
		delete(r.responseAwaiters, id)
		delete(r.readers, id)
		delete(r.remaining, id)
		for sender, set := range r.readers {
			delete(set, id)
			_ = sender
		}
		r.log.Infow("participant left", "id", id, "room_size", len(r.participants))
	})
}

// Broadcast delivers frame to every participant except sender.
func (r *Room) Broadcast(frame protocol.Frame, sender Participant) {
	r.do(func() {
		for id, p := range r.participants {
			if id == sender.ID() {
				continue
			}
			p.Deliver(frame)
		}
	})
}

// BroadcastAll delivers frame to every participant, including sender.
func (r *Room) BroadcastAll(frame protocol.Frame) {
	r.do(func() {
		for _, p := range r.participants {
			p.Deliver(frame)
		}
	})
}

// FileAnnounce starts a file-transfer handshake for sender: every other
// current participant becomes a candidate reader and receives frame (the
// FileStart announcement); sender is told how many responses to expect.
func (r *Room) FileAnnounce(frame protocol.Frame, sender Participant) error {
	var err error
	r.do(func() {
		id := sender.ID()
		if _, already := r.responseAwaiters[id]; already {
			err = ErrAlreadyAwaiting
			return
		}
		r.responseAwaiters[id] = struct{}{}

		readers := make(map[uint32]struct{}, len(r.participants))
		for pid, p := range r.participants {
			if pid == id {
				continue
			}
			readers[pid] = struct{}{}
			p.Deliver(frame)
		}
		r.readers[id] = readers
		r.remaining[id] = int32(len(readers))
		sender.SetRemaining(len(readers))
		r.log.Infow("file announced", "sender", id, "readers", len(readers))
		if len(readers) == 0 {
			// Nobody to solicit: the announce resolves immediately with an
			// empty reader set. TransferResolved must run off this
			// goroutine (see Participant.TransferResolved) since Session's
			// reaction may itself want to talk to the file socket.
			delete(r.remaining, id)
			delete(r.responseAwaiters, id)
			go sender.TransferResolved(nil)
		}
	})
	return err
}

// FileAccept records that responder accepted every outstanding
// announcement it was solicited for.
func (r *Room) FileAccept(responder Participant) {
	r.do(func() {
		for senderID := range r.responseAwaiters {
			r.resolve(senderID, responder.ID(), true)
		}
	})
}

// FileRefuse records that responder declined every outstanding
// announcement it was solicited for, pruning it from the corresponding
// reader sets.
func (r *Room) FileRefuse(responder Participant) {
	r.do(func() {
		for senderID := range r.responseAwaiters {
			if set, ok := r.readers[senderID]; ok {
				delete(set, responder.ID())
			}
			r.resolve(senderID, responder.ID(), false)
		}
	})
}

// resolve notifies senderID's Participant of one accept/refuse response and,
// once every solicited peer has replied, removes senderID from
// responseAwaiters and hands off the final reader set via TransferResolved.
// It must only be called from within a closure already running on the
// Room's own goroutine (do's fn); the notification calls it makes are
// themselves synchronous (cheap bookkeeping/logging, matching
// FileAccepted/FileRefused's role in SPEC_FULL §4.3), but the one call that
// could legitimately want to do more work — TransferResolved, which may
// start a sender streaming its own file socket — is always spawned in its
// own goroutine so it can never reenter the Room's command channel from the
// goroutine that channel's own receiver is blocked on.
func (r *Room) resolve(senderID, responderID uint32, accepted bool) {
	sender, ok := r.participants[senderID]
	if !ok {
		return
	}
	if accepted {
		sender.FileAccepted(responderID)
	} else {
		sender.FileRefused(responderID)
	}
	remaining, tracked := r.remaining[senderID]
	if !tracked {
		return
	}
	remaining--
	if remaining > 0 {
		r.remaining[senderID] = remaining
		return
	}
	delete(r.remaining, senderID)
	delete(r.responseAwaiters, senderID)
	readers := make([]uint32, 0, len(r.readers[senderID]))
	for id := range r.readers[senderID] {
		readers = append(readers, id)
	}
	go sender.TransferResolved(readers)
}

// FileChunkBroadcast fans a chunk of sender's active transfer out to every
// current reader of that transfer.
func (r *Room) FileChunkBroadcast(chunk []byte, sender Participant) {
	r.do(func() {
		for readerID := range r.readers[sender.ID()] {
			if reader, ok := r.participants[readerID]; ok {
				reader.DeliverFileChunk(chunk)
			}
		}
	})
}

// FileCancel and FileCancelAll share the same terminal shape: deliver
// frame to every current reader of sender's active transfer, then clear
// that transfer's reader set and awaiter entry. Both are sender-initiated
// (a sending client gives up on its own outstanding transfer).
func (r *Room) FileCancel(frame protocol.Frame, sender Participant)    { r.terminate(frame, sender) }
func (r *Room) FileCancelAll(frame protocol.Frame, sender Participant) { r.terminate(frame, sender) }

func (r *Room) terminate(frame protocol.Frame, sender Participant) {
	r.do(func() {
		id := sender.ID()
		for readerID := range r.readers[id] {
			if reader, ok := r.participants[readerID]; ok {
				reader.DeliverFileControl(frame)
			}
		}
		delete(r.readers, id)
		delete(r.responseAwaiters, id)
		delete(r.remaining, id)
	})
}

// FileDone is reported by a reader once it has consumed exactly the byte
// count its FileStart announced. Unlike FileCancel/FileCancelAll this is
// reader-initiated, not sender-initiated: find every sender whose reader
// set still contains responder, remove responder from it, and deliver
// frame to that sender so the originating client sees its peer finished
// without waiting for every other reader too.
func (r *Room) FileDone(frame protocol.Frame, responder Participant) {
	r.do(func() {
		rid := responder.ID()
		for senderID, set := range r.readers {
			if _, present := set[rid]; !present {
				continue
			}
			delete(set, rid)
			if sender, ok := r.participants[senderID]; ok {
				sender.Deliver(frame)
			}
		}
	})
}

// AwaitingComplete removes sender from responseAwaiters once its
// remaining-response counter has reached zero, leaving readers[sender]
// untouched so streaming can proceed. FileAnnounce and resolve perform this
// same removal inline for the zero-readers and all-responses-in cases
// respectively; AwaitingComplete exists as the named SPEC_FULL §4.4
// operation for any other caller, and like every other exported Room
// method must not be called from a goroutine already inside one of the
// Room's own do closures.
func (r *Room) AwaitingComplete(sender Participant) {
	r.do(func() {
		delete(r.responseAwaiters, sender.ID())
	})
}

// Readers reports the current reader set for sender, for tests and for
// Session's decision of whether to start streaming.
func (r *Room) Readers(sender Participant) []uint32 {
	var out []uint32
	r.do(func() {
		for id := range r.readers[sender.ID()] {
			out = append(out, id)
		}
	})
	return out
}

// Participant looks up a currently-joined participant by id.
func (r *Room) Participant(id uint32) (Participant, bool) {
	var p Participant
	var ok bool
	r.do(func() { p, ok = r.participants[id] })
	return p, ok
}

// Size reports the current participant count, for tests and logging.
func (r *Room) Size() int {
	n := 0
	r.do(func() { n = len(r.participants) })
	return n
}
