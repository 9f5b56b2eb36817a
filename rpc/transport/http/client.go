package http

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
	"github.com/ValentinKolb/swarmKV/rpc/transport/base"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// wsClientConnection represents a single WebSocket connection
type wsClientConnection struct {
	conn     *websocket.Conn
	endpoint string // full ws:// URL
	stopCh   chan struct{}
	connMu   sync.Mutex
	parent   *wsClientTransport
}

// wsClientTransport implements the client transport over WebSocket
// connections. It mirrors the structure of the socket based base transport,
// but WebSocket does its own framing so the length-prefix protocol is not
// used here.
type wsClientTransport struct {
	config        common.ClientConfig
	handler       transport.ClientHandleFunc
	connections   []*wsClientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64
	stopping      atomic.Bool
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewWSClientTransport creates a new WebSocket client transport
func NewWSClientTransport() transport.IClientTransport {
	return &wsClientTransport{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientTransport)
// --------------------------------------------------------------------------

func (t *wsClientTransport) RegisterHandler(handler transport.ClientHandleFunc) {
	t.handler = handler
}

func (t *wsClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.config = config
	t.stopping.Store(false)
	t.closeConnections()

	connectionsPerEP := 1
	if config.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.ConnectionsPerEndpoint
	}

	t.connections = make([]*wsClientConnection, 0, len(config.Endpoints)*connectionsPerEP)

	for _, endpoint := range config.Endpoints {
		// The dialer needs the full URL, default the scheme if only an
		// address was given
		if scheme, _ := base.StripScheme(endpoint); scheme == "" {
			endpoint = "ws://" + endpoint
		}

		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &wsClientConnection{
				endpoint: endpoint,
				stopCh:   make(chan struct{}),
				parent:   t,
			}

			if err := clientConn.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}

			t.connectionsMu.Lock()
			t.connections = append(t.connections, clientConn)
			t.connectionsMu.Unlock()

			Logger.Infof("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)

			go clientConn.readLoop()
		}
	}

	if len(t.connections) == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	Logger.Infof("Connected to %d out of %d connections to %d endpoints using ws transport",
		len(t.connections), len(config.Endpoints)*connectionsPerEP, len(config.Endpoints))

	return nil
}

func (t *wsClientTransport) Send(msg []byte) error {
	send := func(connection *wsClientConnection) error {
		connection.connMu.Lock()
		defer connection.connMu.Unlock()

		if connection.conn == nil {
			return fmt.Errorf("connection is closed")
		}

		if t.config.TimeoutSecond > 0 {
			timeout := time.Duration(t.config.TimeoutSecond) * time.Second
			connection.conn.SetWriteDeadline(time.Now().Add(timeout))
		}

		return connection.conn.WriteMessage(websocket.BinaryMessage, msg)
	}

	var lastErr error

	maxRetries := t.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	backoffMs := 50

	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return fmt.Errorf("no active connections available")
		}

		if err := send(conn); err == nil {
			return nil
		} else {
			lastErr = err
			Logger.Debugf("Send attempt %d/%d failed: %v", i+1, maxRetries, err)
		}

		if i < maxRetries-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return fmt.Errorf("failed to send after %d attempts: %v", maxRetries, lastErr)
}

func (t *wsClientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin
func (t *wsClientTransport) getNextConnection() *wsClientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 {
		return nil
	}

	var index uint64
	if len(t.connections) == 1 {
		index = 0
	} else {
		index = atomic.AddUint64(&t.nextConnIndex, 1) % uint64(len(t.connections))
	}
	return t.connections[index]
}

// closeConnections closes all active connections
func (t *wsClientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()

	for _, conn := range t.connections {
		close(conn.stopCh)

		if conn.conn != nil {
			conn.conn.Close()
		}
	}

	t.connections = nil
}

// readLoop reads pushed messages in a loop and hands them to the registered
// handler. Correlation with in-flight requests happens above the transport.
func (c *wsClientConnection) readLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
			// Continue
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.parent.stopping.Load() {
				return
			}
			Logger.Warningf("Reading from %s failed: %v", c.endpoint, err)

			if err := c.reconnect(); err != nil {
				Logger.Errorf("Failed to reconnect to %s: %v", c.endpoint, err)
				return
			}
			continue
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if handler := c.parent.handler; handler != nil {
			handler(data)
		} else {
			Logger.Warningf("Dropping pushed frame from %s, no handler registered", c.endpoint)
		}
	}
}

// reconnect establishes or restores a connection to the endpoint
func (c *wsClientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(c.parent.config.TimeoutSecond) * time.Second,
	}
	conn, _, err := dialer.Dial(c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", c.endpoint, err)
	}

	c.conn = conn
	return nil
}
