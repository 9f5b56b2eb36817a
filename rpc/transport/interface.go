package transport

import (
	"github.com/ValentinKolb/swarmKV/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ISession is one live client connection as seen by the server side. The
// swarm protocol is not strictly request/response: subscription updates and
// consensus driven responses are pushed through the same session at any
// later point, so sessions are handed to the message handlers and may be
// retained by them.
type ISession interface {
	// Send delivers one serialized envelope to the connected peer
	Send(msg []byte) error
	// IsOpen reports whether the connection is still usable
	IsOpen() bool
	// Close tears the connection down
	Close() error
	// RemoteAddr names the remote end for logging
	RemoteAddr() string
}

// ServerHandleFunc is called by the server transport for every inbound
// frame. Responses (none, one or many) are pushed through the session.
type ServerHandleFunc func(session ISession, msg []byte)

// IServerTransport is the interface for the server side transport layer.
// A transport is bound to one listen endpoint at construction time, a node
// serving several endpoints runs one transport per endpoint.
type IServerTransport interface {
	// RegisterHandler registers the handler called for every inbound frame.
	// Must be called before Listen
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts accepting connections. Blocks until the transport is
	// shut down or fails
	Listen(config common.ServerConfig) error
	// Shutdown stops accepting connections and closes open sessions
	Shutdown() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// ClientHandleFunc is called by the client transport for every frame the
// server pushes down the connection, responses and subscription updates
// alike. Correlation happens above the transport via the envelope payload.
type ClientHandleFunc func(msg []byte)

// IClientTransport is the interface for the client side transport layer.
type IClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// RegisterHandler registers the handler for inbound frames.
	// Must be called before Connect
	RegisterHandler(handler ClientHandleFunc)
	// Send delivers one serialized envelope to the server
	Send(msg []byte) error
	// Close closes all connections
	Close() error
}
