// Package pbft defines the ports connecting the database layer to the
// consensus driver: the Pbft port itself, the node message fabric, client
// sessions and the peers beacon. The database layer never talks to the
// network directly, everything goes through these interfaces.
package pbft

import (
	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// --------------------------------------------------------------------------
// Peers
// --------------------------------------------------------------------------

// Peer describes one member of the swarm.
type Peer struct {
	UUID string `json:"uuid"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// IPeersBeacon reports the current swarm membership. The returned slice is
// a point-in-time copy, membership may change between calls.
type IPeersBeacon interface {
	Current() []Peer
}

// MaxFaulty returns f, the number of byzantine peers the swarm tolerates.
func MaxFaulty(peerCount int) int {
	return peerCount / 3
}

// Quorum returns the vote count (2f+1) required to advance an operation.
func Quorum(peerCount int) int {
	return 2*MaxFaulty(peerCount) + 1
}

// --------------------------------------------------------------------------
// Sessions
// --------------------------------------------------------------------------

// ISession is an open connection to a client. Sessions outlive single
// requests, subscriptions hold on to them to push notifications later.
type ISession interface {
	// SendMessage delivers an envelope to the connected client.
	SendMessage(env *proto.Envelope) error
	// IsOpen reports whether the connection is still usable. Closed
	// sessions are harvested by the subscription manager.
	IsOpen() bool
}

// --------------------------------------------------------------------------
// Node Port
// --------------------------------------------------------------------------

// MessageHandler processes an inbound envelope from a peer or client.
type MessageHandler func(env *proto.Envelope, session ISession)

// INode is the message fabric of a swarm node. It dispatches inbound
// envelopes by payload case and sends outbound messages to named peers.
type INode interface {
	// RegisterForMessage installs the handler for a payload case.
	// At most one handler per case, later registrations replace.
	RegisterForMessage(c proto.PayloadCase, handler MessageHandler)
	// SendSignedMessage signs the envelope with the node key and sends
	// it to the peer with the given uuid.
	SendSignedMessage(peerUUID string, env *proto.Envelope) error
	// SendMessage sends an unsigned envelope to an explicit address.
	SendMessage(address string, env *proto.Envelope) error
}

// --------------------------------------------------------------------------
// Pbft Port
// --------------------------------------------------------------------------

// IPbft is the consensus driver as seen by the database layer. Committed
// database messages come back out of the driver in a total order common to
// all honest replicas.
type IPbft interface {
	// Peers returns the membership beacon.
	Peers() IPeersBeacon
	// GetUUID returns the uuid of this node.
	GetUUID() string
	// HandleDatabaseMessage submits a database request envelope for
	// consensus ordering. The session (may be nil) receives the response
	// once the request executed.
	HandleDatabaseMessage(env *proto.Envelope, session ISession)
	// CurrentView returns the active view number.
	CurrentView() uint64
	// IsPrimary reports whether this node is the primary of the
	// current view.
	IsPrimary() bool
}
