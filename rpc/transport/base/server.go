package base

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener for the given address and returns it
	Listen(address string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// session wraps one accepted connection. Writes are serialized through a
// mutex because request workers and subscription pushes share the socket.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	timeout time.Duration
	closed  atomic.Bool
}

func (s *session) Send(msg []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session to %s is closed", s.RemoteAddr())
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	if err := writeFrame(s.conn, msg); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

func (s *session) IsOpen() bool {
	return !s.closed.Load()
}

func (s *session) Close() error {
	s.closed.Store(true)
	return s.conn.Close()
}

func (s *session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector         IServerConnector
	address           string
	handler           transport.ServerHandleFunc
	config            common.ServerConfig
	listener          net.Listener
	bufferPool        *sync.Pool
	maxWorkersPerConn int
	stopping          atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport bound to the
// given address, with a per-connection worker pool
func NewBaseServerTransport(connector IServerConnector, address string, bufferSize int, maxWorkersPerConn int) transport.IServerTransport {

	// minimum one worker per connection
	if maxWorkersPerConn < 1 {
		maxWorkersPerConn = 1
	}

	return &serverTransport{
		connector:         connector,
		address:           address,
		maxWorkersPerConn: maxWorkersPerConn,
		sessions:          make(map[*session]struct{}),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	t.config = config

	// Create listener using the connector
	listener, err := t.connector.Listen(t.address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.listener = listener

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), t.address, t.maxWorkersPerConn)

	// Accept connections
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.stopping.Load() {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Upgrading connection from %s failed: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		// Handle the connection in a goroutine
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Shutdown() error {
	t.stopping.Store(true)
	if t.listener != nil {
		t.listener.Close()
	}

	t.sessionsMu.Lock()
	defer t.sessionsMu.Unlock()
	for s := range t.sessions {
		s.Close()
	}
	t.sessions = make(map[*session]struct{})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection reads frames off one connection and hands them to the
// handler through a bounded worker pool
func (t *serverTransport) handleConnection(conn net.Conn) {
	sess := &session{
		conn:    conn,
		timeout: time.Duration(t.config.TimeoutSecond) * time.Second,
	}

	t.sessionsMu.Lock()
	t.sessions[sess] = struct{}{}
	t.sessionsMu.Unlock()

	defer func() {
		sess.Close()
		t.sessionsMu.Lock()
		delete(t.sessions, sess)
		t.sessionsMu.Unlock()
	}()

	// The buffered channel acts as a counting semaphore limiting concurrent
	// workers for this connection
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)
	var wg sync.WaitGroup

	for {
		// Get a buffer from the pool
		buf := t.bufferPool.Get().([]byte)

		data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			if sess.IsOpen() && !t.stopping.Load() {
				Logger.Infof("Connection from %s closed: %v", sess.RemoteAddr(), err)
			}
			break
		}

		// Acquire a slot (blocks if maxWorkersPerConn is reached)
		workerSemaphore <- struct{}{}
		wg.Add(1)

		go func() {
			defer func() {
				t.bufferPool.Put(buf)
				<-workerSemaphore
				wg.Done()
			}()

			start := time.Now()
			t.handler(sess, data)
			Logger.Debugf("Processed frame from %s in %s", sess.RemoteAddr(), time.Since(start))
		}()
	}

	// Wait for all workers to finish before dropping the session, this
	// ensures we don't lose any in-progress work
	wg.Wait()
}
