package server

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/serializer"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
	"github.com/ValentinKolb/swarmKV/rpc/transport/tcp"
	"github.com/puzpuzpuz/xsync/v3"
)

// node is the message fabric of a swarm member. It dispatches inbound
// envelopes to the handler registered for their payload case and maintains
// one outbound client transport per peer address.
type node struct {
	nodeUUID   string
	serializer serializer.IEnvelopeSerializer
	signer     *Signer
	timeout    int64

	handlersMu sync.RWMutex
	handlers   map[proto.PayloadCase]pbft.MessageHandler

	peerAddr map[string]string // peer uuid -> host:port, fixed at startup

	// address -> connected client transport, created on first use
	conns *xsync.MapOf[string, transport.IClientTransport]
}

// newNode creates the fabric for the given membership. Outbound connections
// are established lazily on the first message to a peer.
func newNode(nodeUUID string, peers []pbft.Peer, ser serializer.IEnvelopeSerializer, signer *Signer, timeoutSecond int64) *node {
	peerAddr := make(map[string]string, len(peers))
	for _, peer := range peers {
		peerAddr[peer.UUID] = fmt.Sprintf("%s:%d", peer.Host, peer.Port)
	}

	return &node{
		nodeUUID:   nodeUUID,
		serializer: ser,
		signer:     signer,
		timeout:    timeoutSecond,
		handlers:   make(map[proto.PayloadCase]pbft.MessageHandler),
		peerAddr:   peerAddr,
		conns:      xsync.NewMapOf[string, transport.IClientTransport](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see pbft.INode)
// --------------------------------------------------------------------------

func (n *node) RegisterForMessage(c proto.PayloadCase, handler pbft.MessageHandler) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.handlers[c] = handler
}

func (n *node) SendSignedMessage(peerUUID string, env *proto.Envelope) error {
	address, ok := n.peerAddr[peerUUID]
	if !ok {
		return fmt.Errorf("unknown peer %s", peerUUID)
	}

	n.signer.Sign(env)
	return n.send(address, env)
}

func (n *node) SendMessage(address string, env *proto.Envelope) error {
	return n.send(address, env)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// Dispatch hands an inbound envelope to the handler registered for its
// payload case. The session may be nil for envelopes that arrived on an
// outbound peer connection.
func (n *node) Dispatch(env *proto.Envelope, session pbft.ISession) {
	n.handlersMu.RLock()
	handler := n.handlers[env.Case]
	n.handlersMu.RUnlock()

	if handler == nil {
		Logger.Warningf("no handler for %s envelope from %s, dropping", env.Case, env.Sender)
		return
	}
	handler(env, session)
}

func (n *node) send(address string, env *proto.Envelope) error {
	conn, err := n.transportFor(address)
	if err != nil {
		return err
	}

	data, err := n.serializer.Serialize(env)
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %v", env.Case, err)
	}
	return conn.Send(data)
}

// transportFor returns the connected client transport for the address,
// establishing it on first use. Frames the peer pushes down the connection
// (responses, consensus traffic) are dispatched like server-side inbound
// messages, with no session attached.
func (n *node) transportFor(address string) (transport.IClientTransport, error) {
	if conn, ok := n.conns.Load(address); ok {
		return conn, nil
	}

	conn := tcp.NewTCPClientTransport()
	conn.RegisterHandler(func(data []byte) {
		env := &proto.Envelope{}
		if err := n.serializer.Deserialize(data, env); err != nil {
			Logger.Warningf("dropping undecodable frame from peer %s: %v", address, err)
			return
		}
		n.Dispatch(env, nil)
	})

	if err := conn.Connect(common.ClientConfig{
		Endpoints:     []string{address},
		TimeoutSecond: int(n.timeout),
		RetryCount:    3,
	}); err != nil {
		return nil, fmt.Errorf("failed to reach peer at %s: %v", address, err)
	}

	// A concurrent caller may have connected first, keep the stored one
	if existing, loaded := n.conns.LoadOrStore(address, conn); loaded {
		conn.Close()
		return existing, nil
	}
	return conn, nil
}

// Close tears down all outbound peer connections.
func (n *node) Close() {
	n.conns.Range(func(address string, conn transport.IClientTransport) bool {
		conn.Close()
		n.conns.Delete(address)
		return true
	})
}
