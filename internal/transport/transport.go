// Package transport delivers PBFT and supplementary envelopes between
// committee nodes over persistent, per-peer framed streams. It is one
// of the core's external collaborators (spec §6): the task pipeline
// only depends on the Transport interface below.
package transport

import (
	"github.com/WuDi329/one-node-committee/internal/pbft"
)

// Frame type tags used only at the transport layer, on top of the
// ordinary PBFT message types (spec §6: "First frame after connect is
// an IDENT envelope ... A DISCONNECT envelope is a cooperative close").
const (
	FrameIdent      pbft.MessageType = "IDENT"
	FrameDisconnect pbft.MessageType = "DISCONNECT"
)

// ConnectionSnapshot reports the node's current peer-connection
// bookkeeping, surfaced verbatim by the /status endpoint (spec §6).
type ConnectionSnapshot struct {
	Total     int      `json:"total"`
	Connected int      `json:"connected"`
	Peers     []string `json:"peers"`
}

// Handler processes an inbound PBFT/supplementary message. It must not
// block (spec §5: "no handler may block").
type Handler func(msg pbft.Message)

// Transport is the send/broadcast adapter the task pipeline is built
// against. A single implementation instance is owned by one node and
// deduplicates peer identities.
type Transport interface {
	// Broadcast delivers msg to every configured peer.
	Broadcast(msg pbft.Message) error
	// SendTo delivers msg to a single named peer (used for
	// SupplementaryAck, which is sent directly to the leader).
	SendTo(nodeID string, msg pbft.Message) error
	// SetHandler installs the callback invoked for every inbound
	// message, after the IDENT handshake.
	SetHandler(h Handler)
	// Connections reports the current bookkeeping for /status.
	Connections() ConnectionSnapshot
	// Close cooperatively disconnects every peer stream.
	Close() error
}
