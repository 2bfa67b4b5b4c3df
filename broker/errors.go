package broker

import "errors"

var (
	// ErrAlreadyAwaiting is returned by Room.FileAnnounce when the sender
	// already has an outstanding, unresolved announcement.
	ErrAlreadyAwaiting = errors.New("broker: sender already awaiting responses")

	// ErrUnknownPeerID is logged by the Server when a file socket presents
	// an id that no waiting control socket announced.
	ErrUnknownPeerID = errors.New("broker: file socket presented unknown peer id")

	// ErrSourceNotRegular describes a -send path that does not name a
	// regular file. No function in this package returns it; the client's
	// own check returns client.ErrSourceNotRegular.
	ErrSourceNotRegular = errors.New("broker: source path is not a regular file")
)
